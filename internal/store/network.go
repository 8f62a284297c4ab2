package store

import (
	"fmt"
	"sync"
)

// networkGate tracks whether a backend accepts traffic and how many commits
// are in flight, so disabling the network can drain them first.
type networkGate struct {
	mu       sync.Mutex
	idle     *sync.Cond
	offline  bool
	inflight int
}

func newNetworkGate() *networkGate {
	g := &networkGate{}
	g.idle = sync.NewCond(&g.mu)
	return g
}

func (g *networkGate) check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.offline {
		return ErrUnavailable
	}
	return nil
}

func (g *networkGate) begin() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.offline {
		return fmt.Errorf("run transaction: %w", ErrUnavailable)
	}
	g.inflight++
	return nil
}

func (g *networkGate) end() {
	g.mu.Lock()
	g.inflight--
	if g.inflight == 0 {
		g.idle.Broadcast()
	}
	g.mu.Unlock()
}

// disable waits for in-flight commits, then rejects new traffic.
func (g *networkGate) disable() {
	g.mu.Lock()
	for g.inflight > 0 {
		g.idle.Wait()
	}
	g.offline = true
	g.mu.Unlock()
}

func (g *networkGate) enable() {
	g.mu.Lock()
	g.offline = false
	g.mu.Unlock()
}
