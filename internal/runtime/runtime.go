package runtime

import (
	"context"
	"errors"
	"net/http"
)

// ErrNotFound reports that the runtime has no container for a name the
// registry still remembers. Callers purge the record and resync capacity.
var ErrNotFound = errors.New("container not found")

// Container statuses reported by State. Anything else is treated as not
// routable.
const (
	StatusRunning = "running"
	StatusHealthy = "healthy"
	StatusStopped = "stopped"
)

// State is the runtime's view of one container.
type State struct {
	Status string `json:"status"`
}

// Routable reports whether a container in this state can serve requests.
func (s State) Routable() bool {
	return s.Status == StatusRunning || s.Status == StatusHealthy
}

// Handle is a reference to one named container. Obtaining a handle does not
// imply the container exists yet; StartAndWaitForPorts materializes it.
type Handle interface {
	// Name returns the opaque instance name the handle is bound to.
	Name() string
	// State introspects the container. Returns ErrNotFound when the
	// runtime has no container under this name.
	State(ctx context.Context) (State, error)
	// StartAndWaitForPorts creates and starts the container, then blocks
	// until its serve port accepts connections.
	StartAndWaitForPorts(ctx context.Context) error
	// Destroy force-removes the container. Destroying a missing container
	// is not an error.
	Destroy(ctx context.Context) error
	// Fetch forwards an inbound HTTP request to the container's serve
	// port and writes the upstream response to w. Nothing is written to w
	// when an error is returned.
	Fetch(w http.ResponseWriter, r *http.Request) error
	// ContainerFetch issues a GET against an URL on the container's
	// network (e.g. the health or monitorz endpoint).
	ContainerFetch(ctx context.Context, url string) (*http.Response, error)
}

// Runtime is the container runtime consumed by the instance manager.
type Runtime interface {
	// GetByName returns a handle bound to the given instance name. The
	// handle may refer to a container that does not exist yet.
	GetByName(ctx context.Context, name string) (Handle, error)
}
