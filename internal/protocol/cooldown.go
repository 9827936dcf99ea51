package protocol

import (
	"sync"
	"time"
)

// cooldownTracker implements the exponential reconnect cooldown from spec
// §4.G.4: 30s, 60s, 300s escalating per repeated abuse offense, keyed by
// agent_id (the only stable identity available once a connection has
// abused its validation budget).
type cooldownTracker struct {
	mu      sync.Mutex
	offense map[string]int
	until   map[string]time.Time
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{
		offense: make(map[string]int),
		until:   make(map[string]time.Time),
	}
}

var cooldownLadder = []time.Duration{30 * time.Second, 60 * time.Second, 300 * time.Second}

// Trip records an abuse offense for agentID and starts its cooldown.
func (c *cooldownTracker) Trip(agentID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.offense[agentID]
	if idx >= len(cooldownLadder) {
		idx = len(cooldownLadder) - 1
	}
	d := cooldownLadder[idx]
	c.offense[agentID]++
	c.until[agentID] = time.Now().Add(d)
	return d
}

// Remaining returns how long agentID must still wait, or zero if it may
// reconnect now.
func (c *cooldownTracker) Remaining(agentID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.until[agentID]
	if !ok {
		return 0
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		return 0
	}
	return remaining
}
