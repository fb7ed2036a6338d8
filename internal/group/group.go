package group

import (
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"downpour/internal/clock"
	"downpour/internal/domain"
	"downpour/internal/option"
	"downpour/internal/piece"
)

// inMemoryPrefix marks file paths of downloads kept entirely in memory.
const inMemoryPrefix = "[MEMORY]"

// Halter is the cooperative cancellation hook a protocol runtime registers
// with its group. RequestHalt must be safe to call more than once.
type Halter interface {
	RequestHalt()
}

// Group is the authoritative state container for one logical download: its
// remaining URIs, per-URI outcomes, piece storage, transfer counters, and the
// number of live commands bound to it.
type Group struct {
	id     string
	logger *slog.Logger
	clock  clock.Clock
	opts   *option.Store

	mu          sync.Mutex
	uris        []string
	uriResults  []domain.URIResult
	serverHosts map[int64]domain.ServerHost
	ctx         *Context
	pieces      *piece.Storage
	numCommand  int
	inMemory    bool
	halter      Halter
	halted      bool

	stat statAggregator

	downLimiter *rate.Limiter
	upLimiter   *rate.Limiter
}

func New(logger *slog.Logger, clk clock.Clock, opts *option.Store, uris []string) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	g := &Group{
		id:          uuid.NewString(),
		logger:      logger,
		clock:       clk,
		opts:        opts,
		uris:        append([]string(nil), uris...),
		serverHosts: make(map[int64]domain.ServerHost),
	}
	g.stat.init(clk)
	if limit := g.MaxDownloadSpeedLimit(); limit > 0 {
		g.downLimiter = rate.NewLimiter(rate.Limit(limit), limit)
	}
	if limit := g.MaxUploadSpeedLimit(); limit > 0 {
		g.upLimiter = rate.NewLimiter(rate.Limit(limit), limit)
	}
	return g
}

func (g *Group) ID() string { return g.id }

func (g *Group) Option() *option.Store { return g.opts }

func (g *Group) Logger() *slog.Logger { return g.logger }

// ---------------------------------------------------------------------------
// Download context and piece storage
// ---------------------------------------------------------------------------

func (g *Group) SetDownloadContext(ctx *Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctx = ctx
}

func (g *Group) DownloadContext() *Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctx
}

// InitPieceStorage constructs the piece storage from the download context.
func (g *Group) InitPieceStorage() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx == nil {
		return
	}
	g.pieces = piece.NewStorage(g.ctx.PieceLength, g.ctx.TotalLength)
}

func (g *Group) PieceStorage() *piece.Storage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pieces
}

// MarkInMemoryDownload flags the download as living in memory rather than on
// disk; FilePath then reports the marked basename.
func (g *Group) MarkInMemoryDownload() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inMemory = true
}

func (g *Group) FilePath() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx == nil {
		return ""
	}
	if g.inMemory {
		return inMemoryPrefix + filepath.Base(g.ctx.Path)
	}
	return g.ctx.Path
}

// ---------------------------------------------------------------------------
// Server host registry
// ---------------------------------------------------------------------------

func (g *Group) RegisterServerHost(sv domain.ServerHost) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.serverHosts[sv.ID] = sv
}

func (g *Group) SearchServerHost(id int64) (domain.ServerHost, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sv, ok := g.serverHosts[id]
	return sv, ok
}

func (g *Group) RemoveServerHost(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.serverHosts, id)
}

// ---------------------------------------------------------------------------
// URIs and URI results
// ---------------------------------------------------------------------------

// RemoveURIWhoseHostnameIs drops every remaining URI whose host part equals
// host, preserving the order of survivors. Unparsable URIs survive.
func (g *Group) RemoveURIWhoseHostnameIs(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.uris[:0]
	for _, uri := range g.uris {
		u, err := url.Parse(uri)
		if err == nil && u.Hostname() == host {
			continue
		}
		kept = append(kept, uri)
	}
	g.uris = kept
}

// RemainingURIs is an insertion-ordered view of not-yet-attempted URIs.
func (g *Group) RemainingURIs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.uris...)
}

// TakeURI removes and returns the first remaining URI.
func (g *Group) TakeURI() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.uris) == 0 {
		return "", false
	}
	uri := g.uris[0]
	g.uris = g.uris[1:]
	return uri, true
}

func (g *Group) AddURIResult(uri string, kind domain.ResultKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uriResults = append(g.uriResults, domain.URIResult{URI: uri, Kind: kind})
}

// ExtractURIResults moves every recorded result of the given kind out of the
// group, preserving relative order on both sides of the partition.
func (g *Group) ExtractURIResults(kind domain.ResultKind) []domain.URIResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	var extracted []domain.URIResult
	kept := g.uriResults[:0]
	for _, r := range g.uriResults {
		if r.Kind == kind {
			extracted = append(extracted, r)
		} else {
			kept = append(kept, r)
		}
	}
	g.uriResults = kept
	return extracted
}

func (g *Group) URIResults() []domain.URIResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.URIResult(nil), g.uriResults...)
}

// ---------------------------------------------------------------------------
// Active command accounting
// ---------------------------------------------------------------------------

func (g *Group) IncreaseNumCommand() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.numCommand++
}

func (g *Group) DecreaseNumCommand() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.numCommand == 0 {
		g.logger.Error("command count underflow", slog.String("groupId", g.id))
		return
	}
	g.numCommand--
}

func (g *Group) NumCommand() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.numCommand
}

// ---------------------------------------------------------------------------
// Halt
// ---------------------------------------------------------------------------

func (g *Group) SetHalter(h Halter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halter = h
}

// RequestHalt asks every periodic command bound to this group to terminate at
// its next tick.
func (g *Group) RequestHalt() {
	g.mu.Lock()
	h := g.halter
	g.halted = true
	g.mu.Unlock()
	if h != nil {
		h.RequestHalt()
	}
}

func (g *Group) HaltRequested() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// ---------------------------------------------------------------------------
// Speed limits and transfer accounting
// ---------------------------------------------------------------------------

// MaxDownloadSpeedLimit is the configured cap in bytes/s; 0 means unlimited.
func (g *Group) MaxDownloadSpeedLimit() int {
	return g.opts.GetInt(option.KeyMaxDownloadLimit)
}

func (g *Group) MaxUploadSpeedLimit() int {
	return g.opts.GetInt(option.KeyMaxUploadLimit)
}

// DownloadAllowance reports whether n more bytes may be read now under the
// download cap. Callers that get false re-enqueue and try again next tick.
func (g *Group) DownloadAllowance(n int) bool {
	if g.downLimiter == nil {
		return true
	}
	return g.downLimiter.AllowN(g.clock.Now(), n)
}

func (g *Group) UploadAllowance(n int) bool {
	if g.upLimiter == nil {
		return true
	}
	return g.upLimiter.AllowN(g.clock.Now(), n)
}

func (g *Group) NotifyDownload(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stat.addDownload(n)
}

func (g *Group) NotifyUpload(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stat.addUpload(n)
}

// CalculateStat snapshots the current transfer rates and session counters.
func (g *Group) CalculateStat() domain.TransferStat {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stat.snapshot()
}

// ---------------------------------------------------------------------------
// Download result
// ---------------------------------------------------------------------------

// CreateDownloadResult rolls the group's state into a DownloadResult. The
// Result field is last-outcome-wins: a complete piece set yields finished;
// otherwise the most recently added URI result decides; with no results at
// all the rollup is unknownError. API clients relying on the failure class
// should note that only the final outcome survives.
func (g *Group) CreateDownloadResult() domain.DownloadResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := domain.ResultUnknownError
	if g.pieces != nil && g.pieces.AllPiecesDone() {
		result = domain.ResultFinished
	} else if n := len(g.uriResults); n > 0 {
		result = g.uriResults[n-1].Kind
	}

	var firstURI string
	if len(g.uris) > 0 {
		firstURI = g.uris[0]
	}

	var filePath string
	var totalLength int64
	if g.ctx != nil {
		totalLength = g.ctx.TotalLength
		if g.inMemory {
			filePath = inMemoryPrefix + filepath.Base(g.ctx.Path)
		} else {
			filePath = g.ctx.Path
		}
	}

	snap := g.stat.snapshot()
	return domain.DownloadResult{
		ID:                    g.id,
		FilePath:              filePath,
		TotalLength:           totalLength,
		URI:                   firstURI,
		NumURI:                len(g.uris),
		SessionDownloadLength: snap.SessionDownloadLength,
		SessionTime:           g.stat.sessionTime(),
		Result:                result,
	}
}
