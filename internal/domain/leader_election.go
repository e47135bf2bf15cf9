// internal/domain/leader_election.go
package domain

import "context"

// LeaderElectionManager decides which node runs the background tasks.
type LeaderElectionManager interface {
	// Campaign blocks until this node leads. The returned channel closes when leadership is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
