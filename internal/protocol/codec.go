package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/mattjoyce/drover/internal/config"
)

// EncodeLaunch serializes a Launch envelope to w.
func EncodeLaunch(w io.Writer, l *Launch) error {
	if l.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", l.Protocol)
	}

	if err := json.NewEncoder(w).Encode(l); err != nil {
		return fmt.Errorf("failed to encode launch: %w", err)
	}
	return nil
}

// DecodeLaunch reads a Launch envelope from r and validates it.
func DecodeLaunch(r io.Reader) (*Launch, error) {
	var l Launch

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&l); err != nil {
		return nil, fmt.Errorf("failed to decode launch: %w", err)
	}

	if l.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", l.Protocol)
	}

	switch l.Config.Role {
	case config.RoleInstance, config.RoleDispatcher:
	case "":
		return nil, fmt.Errorf("launch missing required field: config.role")
	default:
		return nil, fmt.Errorf("invalid role value: %q (must be %q or %q)", l.Config.Role, config.RoleInstance, config.RoleDispatcher)
	}

	if l.Config.Socket == "" && l.Config.Port == 0 {
		return nil, fmt.Errorf("launch has neither socket nor port")
	}
	if l.Config.Socket != "" && (l.Config.Host != "" || l.Config.Port != 0) {
		return nil, fmt.Errorf("launch names both socket %q and host/port", l.Config.Socket)
	}

	return &l, nil
}
