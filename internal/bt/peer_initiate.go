package bt

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"time"

	"downpour/internal/clock"
	"downpour/internal/domain"
	"downpour/internal/domain/ports"
	"downpour/internal/engine"
	"downpour/internal/group"
	"downpour/internal/metrics"
	"downpour/internal/socket"
)

type peerPhase int

const (
	peerPhaseConnect peerPhase = iota
	peerPhaseConnecting
	peerPhaseHandshake
	peerPhaseEstablished
)

const (
	peerConnectTimeout   = 20 * time.Second
	peerHandshakeTimeout = 15 * time.Second
	peerKeepAlive        = 2 * time.Minute
)

// keepAliveMessage is the 4-byte zero-length BitTorrent message.
var keepAliveMessage = []byte{0, 0, 0, 0}

// PeerInitiateConnectionCommand dials a leased peer, exchanges the protocol
// handshake, and then holds the connection alive until halt or peer close.
// Each Execute advances at most one phase; waits are expressed by
// re-enqueueing.
type PeerInitiateConnectionCommand struct {
	engine.BaseCommand

	e       *engine.Engine
	logger  *slog.Logger
	btctx   *Context
	runtime *Runtime
	peers   ports.PeerStorage
	pieces  ports.PieceStorage
	peer    *domain.Peer

	phase     peerPhase
	sock      *socket.Socket
	deadline  *clock.Checkpoint
	keepalive *clock.Checkpoint
	hsBuf     bytes.Buffer
	counted   bool
}

func NewPeerInitiateConnectionCommand(
	cuid int64,
	g *group.Group,
	e *engine.Engine,
	btctx *Context,
	runtime *Runtime,
	peers ports.PeerStorage,
	pieces ports.PieceStorage,
	peer *domain.Peer,
) *PeerInitiateConnectionCommand {
	return &PeerInitiateConnectionCommand{
		BaseCommand: engine.NewBaseCommand(cuid, g, ""),
		e:           e,
		logger:      g.Logger(),
		btctx:       btctx,
		runtime:     runtime,
		peers:       peers,
		pieces:      pieces,
		peer:        peer,
	}
}

func (c *PeerInitiateConnectionCommand) Execute() (bool, error) {
	if c.runtime.IsHalt() {
		c.teardown()
		return true, nil
	}

	switch c.phase {
	case peerPhaseConnect:
		c.sock = socket.NewWithTimeout(peerConnectTimeout)
		c.sock.EstablishConnection(c.peer.IPAddr, c.peer.Port)
		c.deadline = clock.NewCheckpoint(clock.Real{})
		c.phase = peerPhaseConnecting

	case peerPhaseConnecting:
		switch c.sock.State() {
		case socket.StateConnected:
			if err := c.sendHandshake(); err != nil {
				c.logger.Warn("peer handshake send failed",
					slog.Int64("cuid", c.CUID()),
					slog.String("peer", c.peer.IPAddr),
					slog.String("error", err.Error()),
				)
				c.teardown()
				return true, nil
			}
			c.deadline.Reset()
			c.phase = peerPhaseHandshake
		case socket.StateClosed:
			c.logger.Info("peer connect failed",
				slog.Int64("cuid", c.CUID()),
				slog.String("peer", c.peer.IPAddr),
			)
			c.teardown()
			return true, nil
		default:
			if c.deadline.Elapsed(peerConnectTimeout) {
				c.teardown()
				return true, nil
			}
		}

	case peerPhaseHandshake:
		ok, err := c.readHandshake()
		if err != nil {
			c.logger.Warn("peer handshake rejected",
				slog.Int64("cuid", c.CUID()),
				slog.String("peer", c.peer.IPAddr),
				slog.String("error", err.Error()),
			)
			c.teardown()
			return true, nil
		}
		if ok {
			c.runtime.IncConnections()
			c.counted = true
			metrics.PeersConnected.Inc()
			c.keepalive = clock.NewCheckpoint(clock.Real{})
			c.phase = peerPhaseEstablished
			c.logger.Info("peer connection established",
				slog.Int64("cuid", c.CUID()),
				slog.String("peer", c.peer.IPAddr),
			)
		} else if c.deadline.Elapsed(peerHandshakeTimeout) {
			c.teardown()
			return true, nil
		}

	case peerPhaseEstablished:
		if alive := c.maintain(); !alive {
			c.teardown()
			return true, nil
		}
	}

	c.e.Enqueue(c)
	return false, nil
}

func (c *PeerInitiateConnectionCommand) sendHandshake() error {
	conn := c.sock.Conn()
	if conn == nil {
		return errors.New("socket lost before handshake")
	}
	hs := Handshake{InfoHash: c.btctx.InfoHash, PeerID: c.btctx.PeerID}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write(hs.Serialize())
	return err
}

// readHandshake pulls whatever bytes are ready without blocking the engine
// loop, reporting true once the full 68-byte handshake has been validated.
func (c *PeerInitiateConnectionCommand) readHandshake() (bool, error) {
	conn := c.sock.Conn()
	if conn == nil {
		return false, errors.New("socket closed during handshake")
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, handshakeLen-c.hsBuf.Len())
	n, err := conn.Read(buf)
	if n > 0 {
		c.hsBuf.Write(buf[:n])
	}
	if err != nil && !os.IsTimeout(err) {
		return false, err
	}
	if c.hsBuf.Len() < handshakeLen {
		return false, nil
	}
	if _, err := ReadHandshake(&c.hsBuf, c.btctx.InfoHash); err != nil {
		return false, err
	}
	return true, nil
}

// maintain keeps an established connection warm: periodic keep-alives, and
// close detection via write failure.
func (c *PeerInitiateConnectionCommand) maintain() bool {
	conn := c.sock.Conn()
	if conn == nil {
		return false
	}
	if !c.keepalive.Elapsed(peerKeepAlive) {
		return true
	}
	c.keepalive.Reset()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(keepAliveMessage); err != nil {
		c.logger.Info("peer connection lost",
			slog.Int64("cuid", c.CUID()),
			slog.String("peer", c.peer.IPAddr),
		)
		return false
	}
	return true
}

// teardown releases every resource the command holds: the socket, the
// connection count, and the peer lease.
func (c *PeerInitiateConnectionCommand) teardown() {
	if c.sock != nil {
		_ = c.sock.Close()
	}
	if c.counted {
		c.runtime.DecConnections()
		metrics.PeersConnected.Dec()
		c.counted = false
	}
	c.peers.ReturnPeer(c.peer)
}
