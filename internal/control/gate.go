// Package control implements the top-down control channel. Each level of the
// hierarchy (session, batch, stage) owns a Gate; commands delivered to a Gate
// are applied idempotently and forwarded to its children. Workers observe the
// gate only at cooperative checkpoints, so in-flight work is never preempted.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// Command is a control instruction.
type Command string

// Supported commands.
const (
	Pause  Command = "pause"
	Resume Command = "resume"
	Cancel Command = "cancel"
)

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case Pause, Resume, Cancel:
		return c, nil
	default:
		return "", fmt.Errorf("unknown control command %q", s)
	}
}

// Gate is one node of the control tree.
type Gate struct {
	mu        sync.Mutex
	name      string
	paused    bool
	cancelled bool
	resumed   chan struct{}
	done      chan struct{}
	children  map[*Gate]struct{}
	parent    *Gate
}

// NewGate returns a root gate in the running state.
func NewGate(name string) *Gate {
	return &Gate{
		name:     name,
		resumed:  closedChan(),
		done:     make(chan struct{}),
		children: make(map[*Gate]struct{}),
	}
}

// Child creates a gate that inherits the current state and receives every
// later command delivered to g. Call Release when the child's work ends.
func (g *Gate) Child(name string) *Gate {
	child := NewGate(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	child.parent = g
	if g.paused {
		child.paused = true
		child.resumed = make(chan struct{})
	}
	if g.cancelled {
		child.cancelled = true
		close(child.done)
	}
	g.children[child] = struct{}{}
	return child
}

// Release detaches g from its parent.
func (g *Gate) Release() {
	if g.parent == nil {
		return
	}
	g.parent.mu.Lock()
	delete(g.parent.children, g)
	g.parent.mu.Unlock()
}

// Deliver applies cmd to g and its descendants. Repeated delivery of the same
// command is a no-op; nothing is delivered after cancellation.
func (g *Gate) Deliver(cmd Command) {
	g.mu.Lock()
	if g.cancelled {
		g.mu.Unlock()
		return
	}
	switch cmd {
	case Pause:
		if !g.paused {
			g.paused = true
			g.resumed = make(chan struct{})
		}
	case Resume:
		if g.paused {
			g.paused = false
			close(g.resumed)
		}
	case Cancel:
		g.cancelled = true
		close(g.done)
		if g.paused {
			g.paused = false
			close(g.resumed)
		}
	}
	children := make([]*Gate, 0, len(g.children))
	for c := range g.children {
		children = append(children, c)
	}
	g.mu.Unlock()
	for _, c := range children {
		c.Deliver(cmd)
	}
}

// Checkpoint blocks while the gate is paused and returns crawler.ErrCancelled
// once it has been cancelled. It returns ctx.Err() if ctx ends first.
func (g *Gate) Checkpoint(ctx context.Context) error {
	for {
		g.mu.Lock()
		cancelled, paused, resumed := g.cancelled, g.paused, g.resumed
		g.mu.Unlock()
		if cancelled {
			return fmt.Errorf("%s: %w", g.name, crawler.ErrCancelled)
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resumed:
		}
	}
}

// Cancelled reports whether the gate was cancelled.
func (g *Gate) Cancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

// Paused reports whether the gate is paused.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Done is closed once the gate is cancelled.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
