// Package platform defines the host collaborators the boot engine consumes.
package platform

import "context"

// ConnectionHint is what the host reports about its network link.
type ConnectionHint struct {
	Type         string  // e.g. "4g", "3g", "2g", "slow-2g", "wifi", "ethernet"
	DownlinkMbps float64 // estimated bandwidth, 0 if unknown
}

// Environment reports facts about the host the application boots in.
type Environment interface {
	IsContainerHost() bool
	IsFirstLaunch() bool
	// ConnectionHint returns nil when the host has no connection information.
	ConnectionHint() *ConnectionHint
}

// Handle identifies a background worker registration.
type Handle string

// WorkerStatus is the registration state of the background worker.
type WorkerStatus struct {
	Registered bool
	Active     bool
	Updating   bool
}

// WorkerHandle manages the background worker lifecycle.
type WorkerHandle interface {
	Register(ctx context.Context) (Handle, error)
	Status(ctx context.Context) WorkerStatus
	Unregister(ctx context.Context, h Handle) error
}

// MountTarget is where the UI renders.
type MountTarget interface {
	HasRenderedContent(ctx context.Context) bool
}

// Static is an Environment with fixed answers.
type Static struct {
	ContainerHost bool
	FirstLaunch   bool
	Hint          *ConnectionHint
}

func (s Static) IsContainerHost() bool           { return s.ContainerHost }
func (s Static) IsFirstLaunch() bool             { return s.FirstLaunch }
func (s Static) ConnectionHint() *ConnectionHint { return s.Hint }
