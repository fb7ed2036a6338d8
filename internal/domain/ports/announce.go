package ports

import (
	"context"
	"time"

	"downpour/internal/domain"
)

// Announce is the tracker interaction that discovers new peers.
type Announce interface {
	// OverrideMinInterval shortens the wait before the next announce, used
	// when the swarm has zero connections and needs peers urgently.
	OverrideMinInterval(d time.Duration)
	Due() bool
	Announce(ctx context.Context) ([]domain.Peer, error)
}
