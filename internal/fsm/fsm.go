// Package fsm implements the per-agent Agent FSM (spec §4.D): the
// lifecycle state machine tracking idle/assigned/working/blocked/offline
// and the current task, including the acceptance timer. Grounded in the
// teacher's validTransitions-table pattern (internal/tasks/types.go
// TransitionTo) generalized from Task states to Agent states, and in the
// teacher's heartbeat-driven stale handling (internal/server/heartbeat.go)
// for the disconnect/reclaim wiring.
package fsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/types"
)

var log = logging.New("FSM")

// validTransitions enumerates the allowed Agent FSM transitions (spec §3.2).
var validTransitions = map[types.AgentFSMState][]types.AgentFSMState{
	types.AgentOffline:  {types.AgentIdle},
	types.AgentIdle:     {types.AgentOffline, types.AgentAssigned},
	types.AgentAssigned: {types.AgentWorking, types.AgentIdle, types.AgentOffline},
	types.AgentWorking:  {types.AgentIdle, types.AgentBlocked, types.AgentOffline},
	types.AgentBlocked:  {types.AgentWorking, types.AgentIdle, types.AgentOffline},
}

func canTransition(from, to types.AgentFSMState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ReclaimFunc is invoked when the acceptance timer fires or a disconnect
// leaves a task assigned; it must call through to the Task Queue's Reclaim
// operation (spec §4.D, §4.E.2).
type ReclaimFunc func(taskID, reason string)

// StateChangeFunc mirrors FSM transitions into the Presence Registry so
// presence snapshots always reflect authoritative state (spec §5: "Admin
// endpoints ... always consult the owning actor").
type StateChangeFunc func(agentID string, state types.AgentFSMState, taskID string, generation int64)

// Machine is the per-agent actor owning one agent's FSM state.
type Machine struct {
	cfg     *config.Config
	reclaim ReclaimFunc
	onState StateChangeFunc

	mu                  sync.Mutex
	agentID             string
	state               types.AgentFSMState
	currentTaskID       string
	currentTaskGen      int64
	acceptanceTimer     *time.Timer
}

// NewMachine constructs an FSM for agentID, starting OFFLINE.
func NewMachine(agentID string, cfg *config.Config, reclaim ReclaimFunc, onState StateChangeFunc) *Machine {
	return &Machine{
		cfg:     cfg,
		reclaim: reclaim,
		onState: onState,
		agentID: agentID,
		state:   types.AgentOffline,
	}
}

func (m *Machine) notify() {
	if m.onState != nil {
		m.onState(m.agentID, m.state, m.currentTaskID, m.currentTaskGen)
	}
}

func (m *Machine) cancelTimerLocked() {
	if m.acceptanceTimer != nil {
		m.acceptanceTimer.Stop()
		m.acceptanceTimer = nil
	}
}

// OnIdentify transitions OFFLINE -> IDLE on a new/resumed connection (spec
// §4.D). Connection replacement (I6) is handled by the caller (the
// protocol layer) before OnIdentify is invoked.
func (m *Machine) OnIdentify() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelTimerLocked()
	m.state = types.AgentIdle
	m.currentTaskID = ""
	m.currentTaskGen = 0
	m.notify()
	return nil
}

// OnAssignAccepted confirms an assignment the agent has accepted: the agent
// must already be ASSIGNED on taskID (ArmAcceptanceTimer makes that
// transition when the Scheduler performs the assignment). It cancels the
// acceptance timer and leaves the state unchanged; generation is not checked.
func (m *Machine) OnAssignAccepted(taskID string, generation int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.AgentAssigned || m.currentTaskID != taskID {
		return fmt.Errorf("%w: agent %s not awaiting acceptance for task %s", apierr.ErrWrongState, m.agentID, taskID)
	}
	m.cancelTimerLocked()
	m.notify()
	return nil
}

// ArmAcceptanceTimer transitions IDLE -> ASSIGNED and starts the 60s
// acceptance timer (spec §4.D). If the agent does not report
// task_accepted before it fires, the task is reclaimed and the FSM
// returns to IDLE.
func (m *Machine) ArmAcceptanceTimer(taskID string, generation int64) error {
	m.mu.Lock()
	if !canTransition(m.state, types.AgentAssigned) {
		m.mu.Unlock()
		return fmt.Errorf("%w: agent %s cannot go %s -> ASSIGNED", apierr.ErrWrongState, m.agentID, m.state)
	}
	m.state = types.AgentAssigned
	m.currentTaskID = taskID
	m.currentTaskGen = generation
	m.cancelTimerLocked()
	m.acceptanceTimer = time.AfterFunc(m.cfg.AcceptanceTimeout(), func() {
		m.onAcceptanceTimeout(taskID)
	})
	m.notify()
	m.mu.Unlock()
	return nil
}

func (m *Machine) onAcceptanceTimeout(taskID string) {
	m.mu.Lock()
	if m.currentTaskID != taskID || m.state != types.AgentAssigned {
		m.mu.Unlock()
		return
	}
	m.state = types.AgentIdle
	m.currentTaskID = ""
	m.currentTaskGen = 0
	m.acceptanceTimer = nil
	m.notify()
	m.mu.Unlock()

	log.Printf("agent %s did not accept task %s within acceptance timeout, reclaiming", m.agentID, taskID)
	if m.reclaim != nil {
		m.reclaim(taskID, "acceptance_timeout")
	}
}

// OnStartWork transitions ASSIGNED -> WORKING on the first task_progress
// frame or an agent-declared start, and BLOCKED -> WORKING when a blocked
// agent resumes (spec §4.D).
func (m *Machine) OnStartWork(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if (m.state != types.AgentAssigned && m.state != types.AgentBlocked) || m.currentTaskID != taskID {
		return fmt.Errorf("%w: agent %s is %s, expected ASSIGNED or BLOCKED on task %s", apierr.ErrWrongState, m.agentID, m.state, taskID)
	}
	m.cancelTimerLocked()
	m.state = types.AgentWorking
	m.notify()
	return nil
}

// OnBlocked transitions WORKING -> BLOCKED.
func (m *Machine) OnBlocked() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.state, types.AgentBlocked) {
		return fmt.Errorf("%w: agent %s cannot go %s -> BLOCKED", apierr.ErrWrongState, m.agentID, m.state)
	}
	m.state = types.AgentBlocked
	m.notify()
	return nil
}

// OnCompleteOrFail transitions WORKING/ASSIGNED/BLOCKED -> IDLE, clearing
// the current task. The Task Queue's Complete/Fail must already have been
// called by the protocol layer with the fencing generation (spec §4.D).
func (m *Machine) OnCompleteOrFail() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelTimerLocked()
	m.state = types.AgentIdle
	m.currentTaskID = ""
	m.currentTaskGen = 0
	m.notify()
	return nil
}

// OnDisconnect transitions to OFFLINE, returning the task id that was
// in-flight (if any) so the caller can reclaim it via the Task Queue
// (spec §4.D, §4.G.5).
func (m *Machine) OnDisconnect(reason string) (taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelTimerLocked()
	taskID = m.currentTaskID
	if taskID != "" && (m.state == types.AgentAssigned || m.state == types.AgentWorking || m.state == types.AgentBlocked) {
		// leave taskID set for the caller; state still moves to OFFLINE
	} else {
		taskID = ""
	}
	m.state = types.AgentOffline
	m.currentTaskID = ""
	m.currentTaskGen = 0
	m.notify()
	log.Printf("agent %s disconnected (%s)", m.agentID, reason)
	return taskID
}

// Snapshot is a read-only copy of the FSM's current state.
type Snapshot struct {
	AgentID        string
	State          types.AgentFSMState
	CurrentTaskID  string
	CurrentTaskGen int64
}

// GetState returns a snapshot copy.
func (m *Machine) GetState() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		AgentID:        m.agentID,
		State:          m.state,
		CurrentTaskID:  m.currentTaskID,
		CurrentTaskGen: m.currentTaskGen,
	}
}
