package bt

import (
	"context"
	"log/slog"

	"downpour/internal/domain"
	"downpour/internal/domain/ports"
	"downpour/internal/engine"
	"downpour/internal/group"
)

// TrackerAnnounceCommand periodically asks the tracker for peers and feeds
// discoveries into peer storage. The HTTP round-trip runs off the engine
// loop; the command polls for its completion on later ticks.
type TrackerAnnounceCommand struct {
	engine.BaseCommand

	e        *engine.Engine
	logger   *slog.Logger
	runtime  *Runtime
	announce ports.Announce
	peers    ports.PeerStorage

	inflight *announceFetch
}

type announceFetch struct {
	done  chan struct{}
	peers []domain.Peer
	err   error
}

func NewTrackerAnnounceCommand(
	cuid int64,
	g *group.Group,
	e *engine.Engine,
	runtime *Runtime,
	announce ports.Announce,
	peers ports.PeerStorage,
) *TrackerAnnounceCommand {
	return &TrackerAnnounceCommand{
		BaseCommand: engine.NewBaseCommand(cuid, g, ""),
		e:           e,
		logger:      g.Logger(),
		runtime:     runtime,
		announce:    announce,
		peers:       peers,
	}
}

func (c *TrackerAnnounceCommand) Execute() (bool, error) {
	if c.runtime.IsHalt() {
		return true, nil
	}

	if c.inflight != nil {
		select {
		case <-c.inflight.done:
			c.finishFetch()
		default:
		}
	} else if c.announce.Due() {
		c.startFetch()
	}

	c.e.Enqueue(c)
	return false, nil
}

func (c *TrackerAnnounceCommand) startFetch() {
	fetch := &announceFetch{done: make(chan struct{})}
	c.inflight = fetch
	go func() {
		defer close(fetch.done)
		fetch.peers, fetch.err = c.announce.Announce(context.Background())
	}()
}

func (c *TrackerAnnounceCommand) finishFetch() {
	fetch := c.inflight
	c.inflight = nil
	if fetch.err != nil {
		c.logger.Warn("tracker announce failed",
			slog.Int64("cuid", c.CUID()),
			slog.String("error", fetch.err.Error()),
		)
		return
	}
	added := 0
	for i := range fetch.peers {
		p := fetch.peers[i]
		if c.peers.AddPeer(&p) {
			added++
		}
	}
	if added > 0 {
		c.logger.Info("peers discovered",
			slog.Int64("cuid", c.CUID()),
			slog.Int("added", added),
		)
	}
}
