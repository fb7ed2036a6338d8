package engine

import "downpour/internal/group"

// Command is one cooperative work unit. Execute advances at most one phase
// boundary and never blocks: anything that would wait is expressed by
// re-enqueueing and re-checking readiness on the next tick.
//
// Execute returns done=true when the command is terminal and must be
// discarded; done=false means the command has arranged its own (or a
// successor's) re-enqueue. A non-nil error aborts the command: the engine
// records the outcome on the owning group and discards it.
type Command interface {
	CUID() int64
	Execute() (done bool, err error)
	// Release returns the command's hold on its group's active-command
	// count. The engine calls it exactly once when the command leaves the
	// system; it must be idempotent.
	Release()
	Group() *group.Group
	// RequestURI is the source URI this command is advancing, or empty for
	// commands not bound to one (periodic controllers).
	RequestURI() string
}

// BaseCommand carries the identity and group binding shared by every
// concrete command. Constructing one increments the group's active-command
// count; Release gives it back on every exit path.
type BaseCommand struct {
	cuid     int64
	group    *group.Group
	uri      string
	released bool
}

func NewBaseCommand(cuid int64, g *group.Group, uri string) BaseCommand {
	if g != nil {
		g.IncreaseNumCommand()
	}
	return BaseCommand{cuid: cuid, group: g, uri: uri}
}

func (c *BaseCommand) CUID() int64 { return c.cuid }

func (c *BaseCommand) Group() *group.Group { return c.group }

func (c *BaseCommand) RequestURI() string { return c.uri }

func (c *BaseCommand) Release() {
	if c.released {
		return
	}
	c.released = true
	if c.group != nil {
		c.group.DecreaseNumCommand()
	}
}
