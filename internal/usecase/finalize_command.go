package usecase

import (
	"context"
	"log/slog"
	"time"

	"downpour/internal/clock"
	"downpour/internal/domain/ports"
	"downpour/internal/engine"
	"downpour/internal/group"
	"downpour/internal/metrics"
)

const finalizeCheckInterval = 500 * time.Millisecond

// FinalizeCommand watches its group until every other command bound to it is
// gone, then rolls up the download result, persists it, and unregisters the
// group. A group with zero live commands cannot make further progress, so
// that point is terminal whatever the outcome.
type FinalizeCommand struct {
	engine.BaseCommand

	e          *engine.Engine
	logger     *slog.Logger
	repo       ports.ResultRepository
	onFinal    func(groupID string)
	checkpoint *clock.Checkpoint
	interval   time.Duration
}

func NewFinalizeCommand(
	cuid int64,
	g *group.Group,
	e *engine.Engine,
	clk clock.Clock,
	repo ports.ResultRepository,
	onFinal func(groupID string),
) *FinalizeCommand {
	if clk == nil {
		clk = clock.Real{}
	}
	return &FinalizeCommand{
		BaseCommand: engine.NewBaseCommand(cuid, g, ""),
		e:           e,
		logger:      g.Logger(),
		repo:        repo,
		onFinal:     onFinal,
		checkpoint:  clock.NewCheckpoint(clk),
		interval:    finalizeCheckInterval,
	}
}

func (c *FinalizeCommand) Execute() (bool, error) {
	if !c.checkpoint.Elapsed(c.interval) {
		c.e.Enqueue(c)
		return false, nil
	}
	c.checkpoint.Reset()

	// This command holds one slot itself; the group is quiescent when it is
	// the only one left.
	if c.Group().NumCommand() > 1 {
		c.e.Enqueue(c)
		return false, nil
	}

	result := c.Group().CreateDownloadResult()
	metrics.DownloadResultsTotal.WithLabelValues(string(result.Result)).Inc()
	c.logger.Info("download terminal",
		slog.String("groupId", c.Group().ID()),
		slog.String("result", string(result.Result)),
		slog.Int64("sessionDownloadLength", result.SessionDownloadLength),
	)

	if c.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.repo.Create(ctx, result); err != nil {
			c.logger.Warn("result persistence failed",
				slog.String("groupId", c.Group().ID()),
				slog.String("error", err.Error()),
			)
		}
	}

	c.e.UnregisterGroup(c.Group().ID())
	if c.onFinal != nil {
		c.onFinal(c.Group().ID())
	}
	return true, nil
}
