package bt

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"

	"downpour/internal/clock"
	"downpour/internal/domain"
	"downpour/internal/metrics"
)

// DefaultAnnounceInterval is the fallback re-announce interval, also the
// value the admission controller forces when the swarm has zero connections.
const DefaultAnnounceInterval = 2 * time.Minute

// Context identifies the swarm: info-hash, our peer id, and the tracker to
// announce to.
type Context struct {
	InfoHash    [20]byte
	PeerID      [20]byte
	AnnounceURL string
	ListenPort  int
}

// trackerResponse is the bencoded announce answer: the re-announce interval
// and a compact peer list (6 bytes per peer: 4 address, 2 port, big endian).
type trackerResponse struct {
	Interval    int    `bencode:"interval"`
	MinInterval int    `bencode:"min interval"`
	Peers       string `bencode:"peers"`
	Failure     string `bencode:"failure reason"`
}

// Announce is the HTTP tracker client. It rate-limits itself with a
// checkpoint against the tracker's minimum interval; OverrideMinInterval
// shortens the wait when peers are needed urgently.
type Announce struct {
	logger      *slog.Logger
	client      *http.Client
	btctx       *Context
	clock       clock.Clock
	checkpoint  *clock.Checkpoint
	minInterval time.Duration
	announced   bool
}

func NewAnnounce(logger *slog.Logger, clk clock.Clock, btctx *Context) *Announce {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Announce{
		logger:      logger,
		client:      &http.Client{Timeout: 10 * time.Second},
		btctx:       btctx,
		clock:       clk,
		checkpoint:  clock.NewCheckpoint(clk),
		minInterval: DefaultAnnounceInterval,
	}
}

// OverrideMinInterval replaces the tracker-provided minimum so the next
// announce fires sooner.
func (a *Announce) OverrideMinInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	a.minInterval = d
}

// Due reports whether enough time has passed since the last announce. The
// first announce is always due.
func (a *Announce) Due() bool {
	if !a.announced {
		return true
	}
	return a.checkpoint.Elapsed(a.minInterval)
}

// Announce asks the tracker for peers. Blocking; run it off the engine loop
// (the announce command hands it to a background fetch and polls).
func (a *Announce) Announce(ctx context.Context) ([]domain.Peer, error) {
	req, err := a.buildRequest(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		metrics.AnnouncesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("announce: %w", err)
	}
	defer resp.Body.Close()

	var tr trackerResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		metrics.AnnouncesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("announce: decode response: %w", err)
	}
	if tr.Failure != "" {
		metrics.AnnouncesTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("announce: tracker failure: %s", tr.Failure)
	}

	a.announced = true
	a.checkpoint.Reset()
	if tr.MinInterval > 0 {
		a.minInterval = time.Duration(tr.MinInterval) * time.Second
	} else if tr.Interval > 0 {
		a.minInterval = time.Duration(tr.Interval) * time.Second
	}

	peers, err := parseCompactPeers([]byte(tr.Peers))
	if err != nil {
		metrics.AnnouncesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.AnnouncesTotal.WithLabelValues("ok").Inc()
	a.logger.Info("tracker announce",
		slog.Int("peers", len(peers)),
		slog.Duration("minInterval", a.minInterval),
	)
	return peers, nil
}

func (a *Announce) buildRequest(ctx context.Context) (*http.Request, error) {
	base, err := url.Parse(a.btctx.AnnounceURL)
	if err != nil {
		return nil, fmt.Errorf("announce: parse tracker url: %w", err)
	}
	q := base.Query()
	q.Set("info_hash", string(a.btctx.InfoHash[:]))
	q.Set("peer_id", string(a.btctx.PeerID[:]))
	q.Set("port", strconv.Itoa(a.btctx.ListenPort))
	q.Set("compact", "1")
	base.RawQuery = q.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
}

func parseCompactPeers(raw []byte) ([]domain.Peer, error) {
	const peerSize = 6
	if len(raw)%peerSize != 0 {
		return nil, fmt.Errorf("announce: malformed compact peer list of %d bytes", len(raw))
	}
	peers := make([]domain.Peer, 0, len(raw)/peerSize)
	for i := 0; i < len(raw); i += peerSize {
		ip := net.IP(raw[i : i+4])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, domain.Peer{IPAddr: ip.String(), Port: int(port)})
	}
	return peers, nil
}
