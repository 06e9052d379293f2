package session

import "sync"

// Gate centralizes "should be connected" into one reference count.
// Consumers acquire interest on setup and release on teardown; the
// manager connects on the 0→1 edge and disconnects when interest drains
// back to 0. This replaces connect-on-mount calls scattered across
// consumers, which produce duplicate connects and orphaned connections.
type Gate struct {
	mgr *Manager

	mu    sync.Mutex
	count int
}

func NewGate(mgr *Manager) *Gate {
	return &Gate{mgr: mgr}
}

// Acquire registers interest and returns the matching release function.
// Release is idempotent; calling it twice does not double-decrement.
func (g *Gate) Acquire() (release func()) {
	g.mu.Lock()
	g.count++
	if g.count == 1 {
		g.mgr.Connect()
	}
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.count--
			last := g.count == 0
			g.mu.Unlock()
			if last {
				g.mgr.Disconnect()
			}
		})
	}
}

// Interested returns the current interest count.
func (g *Gate) Interested() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
