package config

// MergeInstance overlays the non-zero fields of over onto base.
//
// Exactly one transport target survives: a socket named by over wins and
// drops host/port; a host or port named by over drops an inherited socket.
func MergeInstance(base, over InstanceConfig) InstanceConfig {
	out := base
	out.Settings = copySettings(base.Settings)

	if over.Role != "" {
		out.Role = over.Role
	}
	if over.Host != "" {
		out.Host = over.Host
	}
	if over.Port != 0 {
		out.Port = over.Port
	}
	if over.Socket != "" {
		out.Socket = over.Socket
	}
	if over.Token != "" {
		out.Token = over.Token
	}
	if over.Mode != "" {
		out.Mode = over.Mode
	}
	if over.Slots != 0 {
		out.Slots = over.Slots
	}
	if over.Light {
		out.Light = true
	}
	if over.GridSize != 0 {
		out.GridSize = over.GridSize
	}
	if over.Neighbour != "" {
		out.Neighbour = over.Neighbour
		out.NeighbourToken = over.NeighbourToken
	}
	if over.PipeID != "" {
		out.PipeID = over.PipeID
	}
	if over.Upstream != "" {
		out.Upstream = over.Upstream
		out.UpstreamToken = over.UpstreamToken
	}
	for k, v := range over.Settings {
		if out.Settings == nil {
			out.Settings = make(map[string]string)
		}
		out.Settings[k] = v
	}

	switch {
	case over.Socket != "":
		out.Host = ""
		out.Port = 0
	case over.Host != "" || over.Port != 0:
		out.Socket = ""
	case out.Socket != "":
		out.Host = ""
		out.Port = 0
	}
	return out
}

func copySettings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
