package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"downpour/internal/clock"
	"downpour/internal/domain"
	"downpour/internal/group"
	"downpour/internal/metrics"
	"downpour/internal/socket"
)

type Config struct {
	// TickInterval is how long the loop rests after a full sweep in which
	// every command asked to be re-enqueued without making progress.
	TickInterval time.Duration
	// ExitOnIdle makes Run return as soon as the queue drains instead of
	// waiting for new work. One-shot downloads and tests want this.
	ExitOnIdle bool
}

const defaultTickInterval = 100 * time.Millisecond

// Engine owns the FIFO command queue and dispatches one Execute per tick.
// All commands run on the single Run goroutine; Enqueue may be called from
// other goroutines (the HTTP API donates new downloads).
type Engine struct {
	logger *slog.Logger
	clock  clock.Clock
	cfg    Config

	mu       sync.Mutex
	commands []Command
	groups   map[string]*group.Group
	pool     *socket.Pool
	wake     chan struct{}

	cuid   atomic.Int64
	halted atomic.Bool
}

func New(logger *slog.Logger, clk clock.Clock, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	return &Engine{
		logger: logger,
		clock:  clk,
		cfg:    cfg,
		groups: make(map[string]*group.Group),
		pool:   socket.NewPool(),
		wake:   make(chan struct{}, 1),
	}
}

// NewCUID returns the next command unique id. Ids are strictly monotonically
// increasing and never reused within a process lifetime.
func (e *Engine) NewCUID() int64 {
	return e.cuid.Add(1)
}

func (e *Engine) Enqueue(c Command) {
	e.mu.Lock()
	e.commands = append(e.commands, c)
	depth := len(e.commands)
	e.mu.Unlock()
	metrics.CommandQueueDepth.Set(float64(depth))
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Group registry
// ---------------------------------------------------------------------------

func (e *Engine) RegisterGroup(g *group.Group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups[g.ID()] = g
	metrics.ActiveDownloads.Set(float64(len(e.groups)))
}

func (e *Engine) UnregisterGroup(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.groups, id)
	metrics.ActiveDownloads.Set(float64(len(e.groups)))
}

func (e *Engine) FindGroup(id string) (*group.Group, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	return g, ok
}

func (e *Engine) Groups() []*group.Group {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*group.Group, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g)
	}
	return out
}

// ---------------------------------------------------------------------------
// Socket pool
// ---------------------------------------------------------------------------

// PopPooledSocket removes and returns an idle socket piped to (host, port).
func (e *Engine) PopPooledSocket(host string, port int) *socket.Socket {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.pool.Pop(host, port)
	metrics.SocketPoolSize.Set(float64(e.pool.Len()))
	return s
}

// PopPooledSocketAny matches against any of the resolved addresses and also
// returns the address the hit was keyed under, so the socket can be donated
// back under the same key when the transfer completes.
func (e *Engine) PopPooledSocketAny(addrs []string, port int) (*socket.Socket, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, addr := e.pool.PopAny(addrs, port)
	metrics.SocketPoolSize.Set(float64(e.pool.Len()))
	return s, addr
}

// PushPooledSocket donates an idle plain socket for reuse.
func (e *Engine) PushPooledSocket(s *socket.Socket, host string, port int) {
	e.pushPooled(s, host, port, socket.TagPlain)
}

// PushPooledTunnelSocket donates a socket already CONNECTed through a proxy
// to the given origin. It is keyed by the origin, not the proxy.
func (e *Engine) PushPooledTunnelSocket(s *socket.Socket, host string, port int) {
	e.pushPooled(s, host, port, socket.TagTunneled)
}

func (e *Engine) pushPooled(s *socket.Socket, host string, port int, tag socket.Tag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pool.Push(s, host, port, tag); err != nil {
		e.logger.Warn("socket pool rejected donation",
			slog.String("host", host),
			slog.Int("port", port),
			slog.String("error", err.Error()),
		)
		_ = s.Close()
	}
	metrics.SocketPoolSize.Set(float64(e.pool.Len()))
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// Step executes the command at the head of the queue. It reports whether a
// command ran and whether it made progress (terminal return counts; a bare
// re-enqueue does not).
func (e *Engine) Step() (ran bool, progressed bool) {
	e.mu.Lock()
	if len(e.commands) == 0 {
		e.mu.Unlock()
		return false, false
	}
	cmd := e.commands[0]
	e.commands = e.commands[1:]
	metrics.CommandQueueDepth.Set(float64(len(e.commands)))
	e.mu.Unlock()

	done, err := e.executeSafely(cmd)
	metrics.CommandsExecutedTotal.Inc()

	switch {
	case err != nil:
		kind := domain.AbortKind(err)
		e.logger.Warn("command aborted",
			slog.Int64("cuid", cmd.CUID()),
			slog.String("uri", cmd.RequestURI()),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		if g := cmd.Group(); g != nil && cmd.RequestURI() != "" && !domain.AbortRecorded(err) {
			g.AddURIResult(cmd.RequestURI(), kind)
		}
		cmd.Release()
		return true, true
	case done:
		cmd.Release()
		return true, true
	default:
		return true, false
	}
}

func (e *Engine) executeSafely(cmd Command) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("command panicked",
				slog.Int64("cuid", cmd.CUID()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			done = false
			err = domain.NewAbort(domain.ResultUnknownError, "command panicked")
		}
	}()
	return cmd.Execute()
}

func (e *Engine) queueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.commands)
}

// Run drives the queue until the context is canceled and the queue drains,
// or, with ExitOnIdle, until the queue first becomes empty. Cancellation is
// cooperative: every registered group is asked to halt and already-queued
// commands notice at their own next tick.
func (e *Engine) Run(ctx context.Context) error {
	sweepBudget := e.queueLen()
	for {
		if ctx.Err() != nil && !e.halted.Load() {
			e.haltAll()
		}

		ran, progressed := e.Step()
		if !ran {
			if e.cfg.ExitOnIdle || e.halted.Load() {
				return nil
			}
			select {
			case <-ctx.Done():
				e.haltAll()
				continue
			case <-e.wake:
				sweepBudget = e.queueLen()
				continue
			}
		}

		if progressed {
			sweepBudget = e.queueLen()
			continue
		}
		sweepBudget--
		if sweepBudget > 0 {
			continue
		}
		// A full sweep made no progress: every command is waiting on the
		// network. Rest one tick instead of spinning.
		select {
		case <-ctx.Done():
			e.haltAll()
		case <-e.wake:
		case <-time.After(e.cfg.TickInterval):
		}
		sweepBudget = e.queueLen()
	}
}

// haltAll requests cooperative halt on every registered group.
func (e *Engine) haltAll() {
	if !e.halted.CompareAndSwap(false, true) {
		return
	}
	e.logger.Info("halt requested, draining command queue")
	for _, g := range e.Groups() {
		g.RequestHalt()
	}
}
