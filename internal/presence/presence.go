// Package presence implements the Presence Registry (spec §4.C): the
// in-memory set of connected agents and the periodic stale reaper,
// grounded in the teacher's NATS-driven PresenceTracker
// (internal/server/presence.go) but generalized to an in-process,
// actor-owned map instead of a pub/sub subscription.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/types"
)

var log = logging.New("PRESENCE")

const reapInterval = 30 * time.Second

// TimeoutFunc is invoked once per reaper sweep for every agent whose
// last_seen_at exceeds the heartbeat timeout. It is expected to drive the
// Agent FSM to OFFLINE (spec §4.C).
type TimeoutFunc func(agentID string)

// entry is the registry's private record; never handed out by reference.
type entry struct {
	agent types.Agent
}

// Registry owns the connected-agent set behind a mutex, acting as the
// single-writer for presence state (spec §5: "writes through its actor;
// reads may be snapshot-copies").
type Registry struct {
	cfg *config.Config

	mu      sync.RWMutex
	agents  map[string]*entry
	onStale TimeoutFunc
}

// NewRegistry constructs an empty Presence Registry.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, agents: make(map[string]*entry)}
}

// SetTimeoutHandler wires the callback invoked by the reaper.
func (r *Registry) SetTimeoutHandler(fn TimeoutFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStale = fn
}

// Register adds or replaces the presence record for agentID.
func (r *Registry) Register(agentID string, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixMilli()
	r.agents[agentID] = &entry{agent: types.Agent{
		AgentID:      agentID,
		Capabilities: capabilities,
		ConnectedAt:  now,
		LastSeenAt:   now,
		Status:       "idle",
		FSMState:     types.AgentIdle,
	}}
}

// Unregister removes the agent's presence record entirely.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// Touch bumps last_seen_at to now.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.agent.LastSeenAt = time.Now().UnixMilli()
	}
}

// UpdateStatus sets the free-form human status string distinct from FSM
// state (spec §3.2).
func (r *Registry) UpdateStatus(agentID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return apierr.ErrNotFound
	}
	e.agent.Status = status
	e.agent.LastSeenAt = time.Now().UnixMilli()
	return nil
}

// SetFSMState records the agent's current FSM state and task assignment
// in the presence snapshot; called by the FSM actor after each transition
// so List()/Get() reflect authoritative state without a separate lookup.
func (r *Registry) SetFSMState(agentID string, state types.AgentFSMState, taskID string, generation int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	e.agent.FSMState = state
	e.agent.CurrentTaskID = taskID
	e.agent.CurrentTaskGeneration = generation
}

// Get returns a snapshot copy of one agent's presence record.
func (r *Registry) Get(agentID string) (types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return types.Agent{}, false
	}
	return e.agent, true
}

// List returns a snapshot copy of every connected agent.
func (r *Registry) List() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.agent)
	}
	return out
}

// IdleAgents returns the snapshot of agents currently FSM-IDLE, ordered by
// last_seen_at ascending (longest-waiting first), per spec §4.F step 2.
func (r *Registry) IdleAgents() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		if e.agent.FSMState == types.AgentIdle {
			out = append(out, e.agent)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastSeenAt < out[j-1].LastSeenAt; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Run starts the periodic stale-reaper sweep; blocks until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	log.Printf("presence reaper starting (interval=%v, timeout=%v)", reapInterval, r.cfg.HeartbeatTimeout())

	for {
		select {
		case <-ctx.Done():
			log.Printf("presence reaper stopping")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	timeout := r.cfg.HeartbeatTimeout()
	now := time.Now()

	r.mu.RLock()
	var stale []string
	for agentID, e := range r.agents {
		if now.Sub(time.UnixMilli(e.agent.LastSeenAt)) > timeout {
			stale = append(stale, agentID)
		}
	}
	handler := r.onStale
	r.mu.RUnlock()

	if handler == nil {
		return
	}
	for _, agentID := range stale {
		log.Printf("agent %s exceeded heartbeat timeout, emitting agent_timeout", agentID)
		handler(agentID)
	}
}
