package usecase

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"downpour/internal/bt"
	"downpour/internal/clock"
	"downpour/internal/domain"
	"downpour/internal/domain/ports"
	"downpour/internal/engine"
	"downpour/internal/group"
	"downpour/internal/httpdl"
	"downpour/internal/metrics"
	"downpour/internal/option"
)

var ErrNoURIs = errors.New("download needs at least one uri")

// AddDownloadRequest describes a plain multi-URI download.
type AddDownloadRequest struct {
	URIs        []string
	TotalLength int64
	PieceLength int64
	FileName    string
	InMemory    bool
}

// AddTorrentRequest describes a BitTorrent download driven by the peer
// admission controller.
type AddTorrentRequest struct {
	InfoHashHex string
	AnnounceURL string
	TotalLength int64
	PieceLength int64
	FileName    string
	ListenPort  int
}

// DownloadState is the API-facing snapshot of one active download.
type DownloadState struct {
	ID            string              `json:"id"`
	FilePath      string              `json:"filePath"`
	RemainingURIs []string            `json:"remainingUris"`
	URIResults    []domain.URIResult  `json:"uriResults"`
	Stat          domain.TransferStat `json:"stat"`
	NumCommand    int                 `json:"numCommand"`
	PiecesDone    bool                `json:"piecesDone"`
}

// Broadcaster pushes live state snapshots to connected clients.
type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// Downloads orchestrates request groups on top of the engine: creation,
// halt, state snapshots, and result finalization.
type Downloads struct {
	logger   *slog.Logger
	e        *engine.Engine
	clk      clock.Clock
	baseOpts map[string]string
	dir      string
	repo     ports.ResultRepository
	peerID   [20]byte

	mu     sync.Mutex
	groups map[string]*group.Group
}

func NewDownloads(
	logger *slog.Logger,
	e *engine.Engine,
	clk clock.Clock,
	baseOpts map[string]string,
	downloadDir string,
	repo ports.ResultRepository,
) *Downloads {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	d := &Downloads{
		logger:   logger,
		e:        e,
		clk:      clk,
		baseOpts: baseOpts,
		dir:      downloadDir,
		repo:     repo,
		groups:   make(map[string]*group.Group),
	}
	copy(d.peerID[:], "-DP0100-")
	copy(d.peerID[8:], []byte(time.Now().Format("150405.000")))
	return d
}

// Add starts a plain download: one initiate-connection command for the first
// URI plus the finalize watcher.
func (d *Downloads) Add(req AddDownloadRequest) (string, error) {
	if len(req.URIs) == 0 {
		return "", ErrNoURIs
	}
	if req.PieceLength <= 0 {
		req.PieceLength = 1 << 20
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = filepath.Base(req.URIs[0])
	}

	g := group.New(d.logger, d.clk, option.NewStore(d.baseOpts), req.URIs)
	g.SetDownloadContext(group.NewSingleFileContext(req.PieceLength, req.TotalLength, filepath.Join(d.dir, fileName)))
	g.InitPieceStorage()
	if req.InMemory {
		g.MarkInMemoryDownload()
	}

	uri, _ := g.TakeURI()
	parsed, err := domain.ParseRequest(uri)
	if err != nil {
		return "", err
	}
	proxy, err := d.proxyRequest()
	if err != nil {
		return "", err
	}

	d.register(g)
	d.e.Enqueue(httpdl.NewInitiateConnectionCommand(d.e.NewCUID(), g, d.e, parsed, proxy, nil))
	d.e.Enqueue(NewFinalizeCommand(d.e.NewCUID(), g, d.e, d.clk, d.repo, d.unregister))

	d.logger.Info("download added",
		slog.String("groupId", g.ID()),
		slog.String("uri", uri),
		slog.Int("uris", len(req.URIs)),
	)
	return g.ID(), nil
}

// AddTorrent starts a BitTorrent download: runtime, peer storage, tracker
// announce loop, and the active peer-connection controller.
func (d *Downloads) AddTorrent(req AddTorrentRequest) (string, error) {
	rawHash, err := hex.DecodeString(req.InfoHashHex)
	if err != nil || len(rawHash) != 20 {
		return "", fmt.Errorf("info hash must be 40 hex characters")
	}
	if req.PieceLength <= 0 {
		req.PieceLength = 1 << 18
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = req.InfoHashHex
	}
	listenPort := req.ListenPort
	if listenPort == 0 {
		listenPort = 6881
	}

	opts := option.NewStore(d.baseOpts)
	g := group.New(d.logger, d.clk, opts, nil)
	g.SetDownloadContext(group.NewSingleFileContext(req.PieceLength, req.TotalLength, filepath.Join(d.dir, fileName)))
	g.InitPieceStorage()

	btctx := &bt.Context{AnnounceURL: req.AnnounceURL, ListenPort: listenPort}
	copy(btctx.InfoHash[:], rawHash)
	btctx.PeerID = d.peerID

	runtime := bt.NewRuntime(opts.GetInt(option.KeyBtMaxPeers), opts.GetInt(option.KeyBtMinPeers))
	g.SetHalter(runtime)
	peers := bt.NewPeerStorage()
	announce := bt.NewAnnounce(d.logger, d.clk, btctx)

	checkInterval := 10 * time.Second

	d.register(g)
	d.e.Enqueue(bt.NewTrackerAnnounceCommand(d.e.NewCUID(), g, d.e, runtime, announce, peers))
	d.e.Enqueue(bt.NewActivePeerConnectionCommand(
		d.e.NewCUID(), g, d.e, d.clk, btctx, runtime, peers, g.PieceStorage(), announce, checkInterval,
	))
	d.e.Enqueue(NewFinalizeCommand(d.e.NewCUID(), g, d.e, d.clk, d.repo, d.unregister))

	d.logger.Info("torrent added",
		slog.String("groupId", g.ID()),
		slog.String("infoHash", req.InfoHashHex),
		slog.String("tracker", req.AnnounceURL),
	)
	return g.ID(), nil
}

// Halt requests cooperative cancellation of one download.
func (d *Downloads) Halt(id string) error {
	d.mu.Lock()
	g, ok := d.groups[id]
	d.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	g.RequestHalt()
	d.logger.Info("halt requested", slog.String("groupId", id))
	return nil
}

// List snapshots every active download.
func (d *Downloads) List() []DownloadState {
	d.mu.Lock()
	groups := make([]*group.Group, 0, len(d.groups))
	for _, g := range d.groups {
		groups = append(groups, g)
	}
	d.mu.Unlock()

	states := make([]DownloadState, 0, len(groups))
	for _, g := range groups {
		states = append(states, snapshot(g))
	}
	return states
}

// Get snapshots one download.
func (d *Downloads) Get(id string) (DownloadState, error) {
	d.mu.Lock()
	g, ok := d.groups[id]
	d.mu.Unlock()
	if !ok {
		return DownloadState{}, domain.ErrNotFound
	}
	return snapshot(g), nil
}

// History reads persisted results.
func (d *Downloads) History(ctx context.Context, limit int) ([]domain.DownloadResult, error) {
	if d.repo == nil {
		return nil, nil
	}
	return d.repo.List(ctx, limit)
}

// HaltAll is the shutdown path: every download is asked to stop.
func (d *Downloads) HaltAll() {
	for _, g := range d.e.Groups() {
		g.RequestHalt()
	}
}

// PublishStats pushes aggregate gauges and, when a broadcaster is attached,
// a state snapshot to websocket clients. Called on a fixed cadence by main.
func (d *Downloads) PublishStats(hub Broadcaster) {
	states := d.List()
	var down, up int64
	for _, s := range states {
		down += s.Stat.DownloadSpeed
		up += s.Stat.UploadSpeed
	}
	metrics.DownloadSpeedBytes.Set(float64(down))
	metrics.UploadSpeedBytes.Set(float64(up))
	if hub != nil && len(states) > 0 {
		hub.Broadcast("states", states)
	}
}

func (d *Downloads) register(g *group.Group) {
	d.mu.Lock()
	d.groups[g.ID()] = g
	d.mu.Unlock()
	d.e.RegisterGroup(g)
}

func (d *Downloads) unregister(id string) {
	d.mu.Lock()
	delete(d.groups, id)
	d.mu.Unlock()
}

func (d *Downloads) proxyRequest() (*domain.Request, error) {
	raw := d.baseOpts[option.KeyHTTPProxy]
	if raw == "" {
		return nil, nil
	}
	return domain.ParseRequest(raw)
}

func snapshot(g *group.Group) DownloadState {
	pieces := g.PieceStorage()
	return DownloadState{
		ID:            g.ID(),
		FilePath:      g.FilePath(),
		RemainingURIs: g.RemainingURIs(),
		URIResults:    g.URIResults(),
		Stat:          g.CalculateStat(),
		NumCommand:    g.NumCommand(),
		PiecesDone:    pieces != nil && pieces.AllPiecesDone(),
	}
}
