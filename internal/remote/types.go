package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is returned when the worker rejects the presented token.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrNotDispatcher is returned when Dispatch is called on a plain instance.
	ErrNotDispatcher = errors.New("remote: node is not a dispatcher")
)

// Assignment is a concrete worker handed out by a dispatcher.
type Assignment struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

// ConfigPatch is the partial configuration accepted by SetConfig.
// Empty fields are left unchanged.
type ConfigPatch struct {
	Mode     string            `json:"mode,omitempty"`
	Slots    int               `json:"slots,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// Info is the introspection view a node reports about itself.
type Info struct {
	Address   string            `json:"address"`
	Role      string            `json:"role"`
	Mode      string            `json:"mode"`
	Master    bool              `json:"master"`
	Light     bool              `json:"light,omitempty"`
	Slots     int               `json:"slots"`
	PID       int               `json:"pid"`
	Neighbour string            `json:"neighbour,omitempty"`
	PipeID    string            `json:"pipe_id,omitempty"`
	Upstream  string            `json:"upstream,omitempty"`
	Settings  map[string]string `json:"settings,omitempty"`
}

// AliveResponse is returned by GET /v1/alive.
type AliveResponse struct {
	Alive bool `json:"alive"`
}

// PIDsResponse is returned by GET /v1/pids.
type PIDsResponse struct {
	PIDs []int `json:"pids"`
}

// CapacityResponse is returned by GET /v1/capacity.
type CapacityResponse struct {
	Slots int `json:"slots"`
}

// HealthzResponse is returned by the unauthenticated GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is a non-2xx answer from a worker.
type StatusError struct {
	Address string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s: status %d: %s", e.Address, e.Code, e.Message)
}

// Unwrap maps well-known statuses onto the package sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrNotDispatcher
	}
	return nil
}
