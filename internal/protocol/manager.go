// Package protocol ties the per-connection frame machine to the rest of
// the hub: one Manager owns every live Connection, the per-agent FSM
// actors, and the singleton-connection invariant (spec §4.G.5, I6).
// Grounded in the teacher's internal/server/hub.go Hub (the
// agent_id->*Client registry and its broadcast/unregister paths),
// generalized from a dashboard broadcast hub into the full Connection +
// FSM + Dispatcher wiring the Scheduler depends on.
package protocol

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/auth"
	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/fsm"
	"github.com/notno/agentcom/internal/presence"
	"github.com/notno/agentcom/internal/tasks"
	"github.com/notno/agentcom/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Manager owns every connected agent's Connection and FSM actor. It is
// the Dispatcher the Scheduler hands assignments to, and the point where
// a disconnect fans out into FSM/Task Queue/Presence/Event Bus updates.
type Manager struct {
	cfg       *config.Config
	auth      *auth.Registry
	presence  *presence.Registry
	tasks     *tasks.Queue
	bus       *events.Bus
	cooldowns *cooldownTracker

	mu    sync.Mutex
	conns map[string]*Connection
	fsms  map[string]*fsm.Machine
}

// NewManager constructs a Manager wired to the hub's shared components.
func NewManager(cfg *config.Config, authReg *auth.Registry, presenceReg *presence.Registry, taskQueue *tasks.Queue, bus *events.Bus) *Manager {
	return &Manager{
		cfg:       cfg,
		auth:      authReg,
		presence:  presenceReg,
		tasks:     taskQueue,
		bus:       bus,
		cooldowns: newCooldownTracker(),
		conns:     make(map[string]*Connection),
		fsms:      make(map[string]*fsm.Machine),
	}
}

// ServeWS upgrades an incoming HTTP request to a WebSocket and runs its
// Connection loop. It blocks until the connection closes, matching
// gorilla/websocket's typical per-request handler shape.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	if cooldown := m.cooldowns.Remaining(r.URL.Query().Get("agent_id")); cooldown > 0 {
		http.Error(w, "reconnect cooldown in effect", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	conn := newConnection(ws, m)
	conn.Run()
}

// machineFor returns (creating if needed) the FSM actor for agentID.
func (m *Manager) machineFor(agentID string) *fsm.Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	machine, ok := m.fsms[agentID]
	if !ok {
		machine = fsm.NewMachine(agentID, m.cfg, m.reclaimTask, m.presence.SetFSMState)
		m.fsms[agentID] = machine
	}
	return machine
}

func (m *Manager) reclaimTask(taskID, reason string) {
	if err := m.tasks.Reclaim(taskID, reason); err != nil {
		log.Printf("reclaim of task %s (%s) failed: %v", taskID, reason, err)
	}
}

// adopt installs conn as the live connection for agentID, closing and
// replacing any prior connection for that agent (spec I6: "exactly one
// live connection per agent_id; a new identify supersedes the old one").
func (m *Manager) adopt(agentID string, conn *Connection) {
	m.mu.Lock()
	old, existed := m.conns[agentID]
	m.conns[agentID] = conn
	m.mu.Unlock()

	if existed && old != conn {
		log.Printf("agent %s reconnected, closing prior connection", agentID)
		old.requestClose("superseded")
	}
}

// handleDisconnect runs the teardown sequence for one connection's
// socket closing (spec §4.G.5): drop it from the registry, drive the FSM
// to OFFLINE, reclaim any in-flight task, unregister presence, and
// publish agent_left — but only if conn is still the live connection for
// agentID. A superseded connection (replaced by adopt before its own
// close fully unwinds) must perform none of this: its teardown would
// otherwise race with the successor's handleIdentify and clobber the
// freshly-identified connection's FSM/presence state. conn == nil is an
// explicit override used when there is no connection left to compare
// against (HandleHeartbeatTimeout's no-live-connection path).
func (m *Manager) handleDisconnect(agentID string, conn *Connection) {
	m.mu.Lock()
	current, ok := m.conns[agentID]
	if conn != nil && ok && current != conn {
		m.mu.Unlock()
		return
	}
	if ok && current == conn {
		delete(m.conns, agentID)
	}
	machine, hasMachine := m.fsms[agentID]
	m.mu.Unlock()

	if hasMachine {
		if taskID := machine.OnDisconnect("connection_closed"); taskID != "" {
			m.reclaimTask(taskID, "agent_disconnected")
		}
	}

	m.presence.Unregister(agentID)
	m.bus.Publish(events.New(events.TopicPresence, events.AgentLeft, map[string]string{"agent_id": agentID}))
}

// HandleHeartbeatTimeout is the Presence Registry's stale-agent callback
// (spec §4.C/§4.D: a missed heartbeat drives the Agent FSM to OFFLINE
// exactly like an observed disconnect). It forcibly closes the agent's
// connection, if still open, which runs the normal teardown path and
// keeps handleDisconnect as the single place that logic lives.
func (m *Manager) HandleHeartbeatTimeout(agentID string) {
	m.mu.Lock()
	conn, ok := m.conns[agentID]
	m.mu.Unlock()

	if ok {
		conn.requestClose("heartbeat_timeout")
		return
	}
	// No live connection at all (e.g. it never survived to a full close);
	// still run the teardown sequence so the FSM/task/presence state
	// doesn't linger as if the agent were connected.
	m.handleDisconnect(agentID, nil)
}

// Run relays Presence Registry changes (agent_joined, agent_left,
// status_changed) to every live connection, so dashboard-style WebSocket
// clients see presence/status updates without polling the Admin/HTTP
// surface (spec §4.G.3, §6.1: "Server->client presence/task events may
// also arrive ... plus relayed task events for subscribed dashboards").
// It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ch := m.bus.Subscribe(events.TopicPresence)
	defer m.bus.Unsubscribe(events.TopicPresence, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.relayPresenceEvent(ev)
		}
	}
}

// relayPresenceEvent turns one Presence Registry event into its outbound
// frame shape and fans it out to every connected socket.
func (m *Manager) relayPresenceEvent(ev events.Event) {
	payload, ok := ev.Payload.(map[string]string)
	if !ok {
		return
	}

	var raw []byte
	switch ev.Type {
	case events.AgentJoined:
		raw = marshal(agentJoinedFrame{Type: "agent_joined", AgentID: payload["agent_id"]})
	case events.AgentLeft:
		raw = marshal(agentLeftFrame{Type: "agent_left", AgentID: payload["agent_id"]})
	case events.StatusChanged:
		raw = marshal(statusChangedFrame{Type: "status_changed", AgentID: payload["agent_id"], Status: payload["status"]})
	default:
		return
	}

	m.broadcastAll(raw)
}

// broadcastAll fans raw out to every live connection's outbound queue.
func (m *Manager) broadcastAll(raw []byte) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.broadcastRaw(raw)
	}
}

// Dispatch implements scheduler.Dispatcher: arm the agent's acceptance
// timer and push the task_assign frame over its live connection (spec
// §4.F step 2b). Returns an error if the agent has no live connection,
// signalling the Scheduler to reclaim the task it just assigned.
func (m *Manager) Dispatch(agentID string, task *types.Task) error {
	m.mu.Lock()
	conn, ok := m.conns[agentID]
	m.mu.Unlock()
	if !ok {
		return apierr.ErrNotFound // agent vanished between IdleAgents() and dispatch
	}

	machine := m.machineFor(agentID)
	if err := machine.ArmAcceptanceTimer(task.ID, task.Generation); err != nil {
		return err
	}
	conn.sendTaskAssign(task)
	return nil
}
