package bt

import (
	"log/slog"
	"time"

	"downpour/internal/clock"
	"downpour/internal/domain"
	"downpour/internal/domain/ports"
	"downpour/internal/engine"
	"downpour/internal/group"
	"downpour/internal/metrics"
	"downpour/internal/option"
)

const (
	// defaultNewConnectionBatch is how many peer connections one admission
	// tick may open.
	defaultNewConnectionBatch = 5
	// seedUploadSlack keeps a seeder growing its peer set only while upload
	// sits below this fraction of its cap.
	seedUploadSlack = 0.8
)

// ActivePeerConnectionCommand is the periodic peer admission controller: it
// keeps enough outbound peer connections open to sustain target throughput
// without exceeding the configured peer caps. It re-enqueues itself until the
// runtime halts; every tick is independent.
type ActivePeerConnectionCommand struct {
	engine.BaseCommand

	e          *engine.Engine
	logger     *slog.Logger
	btctx      *Context
	runtime    *Runtime
	peers      ports.PeerStorage
	pieces     ports.PieceStorage
	announce   ports.Announce
	interval   time.Duration
	batch      int
	checkpoint *clock.Checkpoint
}

func NewActivePeerConnectionCommand(
	cuid int64,
	g *group.Group,
	e *engine.Engine,
	clk clock.Clock,
	btctx *Context,
	runtime *Runtime,
	peers ports.PeerStorage,
	pieces ports.PieceStorage,
	announce ports.Announce,
	interval time.Duration,
) *ActivePeerConnectionCommand {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ActivePeerConnectionCommand{
		BaseCommand: engine.NewBaseCommand(cuid, g, ""),
		e:           e,
		logger:      g.Logger(),
		btctx:       btctx,
		runtime:     runtime,
		peers:       peers,
		pieces:      pieces,
		announce:    announce,
		interval:    interval,
		batch:       defaultNewConnectionBatch,
		checkpoint:  clock.NewCheckpoint(clk),
	}
}

func (c *ActivePeerConnectionCommand) Execute() (bool, error) {
	if c.runtime.IsHalt() {
		return true, nil
	}
	if !c.checkpoint.Elapsed(c.interval) {
		c.e.Enqueue(c)
		return false, nil
	}
	c.checkpoint.Reset()

	tstat := c.Group().CalculateStat()
	maxDownCap := c.Group().MaxDownloadSpeedLimit()
	maxUpCap := c.Group().MaxUploadSpeedLimit()
	thresholdSpeed := c.Group().Option().GetInt(option.KeyBtRequestPeerSpeedLimit)
	if maxDownCap > 0 && maxDownCap < thresholdSpeed {
		thresholdSpeed = maxDownCap
	}

	finished := c.pieces.DownloadFinished()
	// Seeder: still seeding, room to grow, upload below its slack threshold.
	seederNeedsPeers := finished && c.runtime.LessThanMaxPeers() &&
		(maxUpCap == 0 || tstat.UploadSpeed < int64(float64(maxUpCap)*seedUploadSlack))
	// Leecher: transfer too slow, or fewer connections than the floor.
	leecherNeedsPeers := !finished &&
		(tstat.DownloadSpeed < int64(thresholdSpeed) || c.runtime.LessThanMinPeers())

	if seederNeedsPeers || leecherNeedsPeers {
		numConnection := 0
		if finished {
			if headroom := c.runtime.MaxPeers() - c.runtime.Connections(); headroom > 0 {
				numConnection = min(c.batch, headroom)
			}
		} else {
			numConnection = c.batch
		}

		for ; numConnection > 0 && c.peers.IsPeerAvailable(); numConnection-- {
			if peer := c.peers.GetUnusedPeer(); peer != nil {
				c.connectToPeer(peer)
			}
		}

		// With zero connections and pieces still missing, force an early
		// re-announce to acquire fresh peers.
		if c.runtime.Connections() == 0 && !finished {
			c.announce.OverrideMinInterval(DefaultAnnounceInterval)
		}
	}

	c.e.Enqueue(c)
	return false, nil
}

func (c *ActivePeerConnectionCommand) connectToPeer(peer *domain.Peer) {
	peer.UsedBy = c.e.NewCUID()
	cmd := NewPeerInitiateConnectionCommand(
		peer.UsedBy, c.Group(), c.e, c.btctx, c.runtime, c.peers, c.pieces, peer,
	)
	c.e.Enqueue(cmd)
	metrics.PeerConnectsTotal.Inc()
	c.logger.Info("connecting to peer",
		slog.Int64("cuid", c.CUID()),
		slog.String("peer", peer.IPAddr),
	)
}
