package instance

import (
	"context"

	"github.com/mattjoyce/drover/internal/remote"
)

//go:generate mockgen -destination=mocks/mock_conn.go -package=mocks github.com/mattjoyce/drover/internal/instance Conn

// Conn is a live connection to one worker.
type Conn interface {
	IsAlive(ctx context.Context) (bool, error)
	ConsumedPIDs(ctx context.Context) ([]int, error)
	Shutdown(ctx context.Context) error
	SetAsCoordinationMaster(ctx context.Context) error
	SetConfig(ctx context.Context, patch remote.ConfigPatch) error
	Dispatch(ctx context.Context) (remote.Assignment, error)
	Info(ctx context.Context) (remote.Info, error)
}

// DialFunc builds a connection for address. token is resolved on every call,
// so a credential recorded after the dial is still presented.
type DialFunc func(address string, token func() string) Conn

// DialRemote dials workers over the HTTP transport.
func DialRemote(address string, token func() string) Conn {
	return remote.NewClient(address, token)
}
