package fsm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/types"
)

func newTestMachine(t *testing.T, reclaim ReclaimFunc) *Machine {
	t.Helper()
	cfg := config.Default()
	cfg.AcceptanceTimeoutMS = 50
	if reclaim == nil {
		reclaim = func(string, string) {}
	}
	return NewMachine("agent-1", cfg, reclaim, nil)
}

func TestInitialStateIsOffline(t *testing.T) {
	m := newTestMachine(t, nil)
	if got := m.GetState().State; got != types.AgentOffline {
		t.Errorf("initial state = %v, want OFFLINE", got)
	}
}

func TestOnIdentifyTransitionsToIdle(t *testing.T) {
	m := newTestMachine(t, nil)
	if err := m.OnIdentify(); err != nil {
		t.Fatalf("OnIdentify: %v", err)
	}
	if got := m.GetState().State; got != types.AgentIdle {
		t.Errorf("state after OnIdentify = %v, want IDLE", got)
	}
}

func TestArmAcceptanceTimerTransitionsToAssigned(t *testing.T) {
	m := newTestMachine(t, nil)
	m.OnIdentify()

	if err := m.ArmAcceptanceTimer("task-1", 1); err != nil {
		t.Fatalf("ArmAcceptanceTimer: %v", err)
	}
	snap := m.GetState()
	if snap.State != types.AgentAssigned {
		t.Errorf("state = %v, want ASSIGNED", snap.State)
	}
	if snap.CurrentTaskID != "task-1" || snap.CurrentTaskGen != 1 {
		t.Errorf("snapshot = %+v, want task-1/gen1", snap)
	}
}

func TestOnAssignAcceptedCancelsTimer(t *testing.T) {
	var reclaimed []string
	var mu sync.Mutex
	m := newTestMachine(t, func(taskID, reason string) {
		mu.Lock()
		reclaimed = append(reclaimed, taskID)
		mu.Unlock()
	})
	m.OnIdentify()
	m.ArmAcceptanceTimer("task-1", 1)

	if err := m.OnAssignAccepted("task-1", 1); err != nil {
		t.Fatalf("OnAssignAccepted: %v", err)
	}

	time.Sleep(150 * time.Millisecond) // past the 50ms acceptance timeout
	mu.Lock()
	defer mu.Unlock()
	if len(reclaimed) != 0 {
		t.Errorf("expected no reclamation once accepted, got %v", reclaimed)
	}
}

func TestOnAssignAcceptedWrongTaskRejected(t *testing.T) {
	m := newTestMachine(t, nil)
	m.OnIdentify()
	m.ArmAcceptanceTimer("task-1", 1)

	if err := m.OnAssignAccepted("task-2", 1); err == nil {
		t.Fatal("expected OnAssignAccepted for a different task id to fail")
	}
}

func TestAcceptanceTimeoutReclaimsAndReturnsToIdle(t *testing.T) {
	done := make(chan string, 1)
	m := newTestMachine(t, func(taskID, reason string) {
		done <- taskID
	})
	m.OnIdentify()
	m.ArmAcceptanceTimer("task-1", 1)

	select {
	case taskID := <-done:
		if taskID != "task-1" {
			t.Errorf("reclaimed task = %q, want task-1", taskID)
		}
	case <-time.After(time.Second):
		t.Fatal("acceptance timer never fired")
	}

	snap := m.GetState()
	if snap.State != types.AgentIdle {
		t.Errorf("state after timeout = %v, want IDLE", snap.State)
	}
	if snap.CurrentTaskID != "" {
		t.Errorf("expected current task cleared, got %q", snap.CurrentTaskID)
	}
}

func TestOnStartWorkTransitionsToWorking(t *testing.T) {
	m := newTestMachine(t, nil)
	m.OnIdentify()
	m.ArmAcceptanceTimer("task-1", 1)
	m.OnAssignAccepted("task-1", 1)

	if err := m.OnStartWork("task-1"); err != nil {
		t.Fatalf("OnStartWork: %v", err)
	}
	if got := m.GetState().State; got != types.AgentWorking {
		t.Errorf("state = %v, want WORKING", got)
	}
}

func TestOnBlockedFromWorking(t *testing.T) {
	m := newTestMachine(t, nil)
	m.OnIdentify()
	m.ArmAcceptanceTimer("task-1", 1)
	m.OnStartWork("task-1")

	if err := m.OnBlocked(); err != nil {
		t.Fatalf("OnBlocked: %v", err)
	}
	if got := m.GetState().State; got != types.AgentBlocked {
		t.Errorf("state = %v, want BLOCKED", got)
	}

	// BLOCKED -> WORKING is valid.
	m.OnStartWork("task-1")
	if got := m.GetState().State; got != types.AgentWorking {
		t.Errorf("state after resuming = %v, want WORKING", got)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := newTestMachine(t, nil)
	// Still OFFLINE; ArmAcceptanceTimer (-> ASSIGNED) is not a valid
	// transition from OFFLINE.
	got := m.ArmAcceptanceTimer("task-1", 1)
	if got == nil {
		t.Fatal("expected OFFLINE -> ASSIGNED to be rejected")
	}
	if !errors.Is(got, apierr.ErrWrongState) {
		t.Errorf("err = %v, want apierr.ErrWrongState", got)
	}
}

func TestOnCompleteOrFailReturnsToIdleAndClearsTask(t *testing.T) {
	m := newTestMachine(t, nil)
	m.OnIdentify()
	m.ArmAcceptanceTimer("task-1", 1)
	m.OnStartWork("task-1")

	if err := m.OnCompleteOrFail(); err != nil {
		t.Fatalf("OnCompleteOrFail: %v", err)
	}
	snap := m.GetState()
	if snap.State != types.AgentIdle {
		t.Errorf("state = %v, want IDLE", snap.State)
	}
	if snap.CurrentTaskID != "" {
		t.Errorf("expected task cleared, got %q", snap.CurrentTaskID)
	}
}

func TestOnDisconnectReturnsTaskIDWhenInFlight(t *testing.T) {
	m := newTestMachine(t, nil)
	m.OnIdentify()
	m.ArmAcceptanceTimer("task-1", 1)
	m.OnStartWork("task-1")

	taskID := m.OnDisconnect("connection_closed")
	if taskID != "task-1" {
		t.Errorf("OnDisconnect returned %q, want task-1", taskID)
	}
	if got := m.GetState().State; got != types.AgentOffline {
		t.Errorf("state after disconnect = %v, want OFFLINE", got)
	}
}

func TestOnDisconnectReturnsEmptyWhenIdle(t *testing.T) {
	m := newTestMachine(t, nil)
	m.OnIdentify()

	taskID := m.OnDisconnect("connection_closed")
	if taskID != "" {
		t.Errorf("OnDisconnect returned %q for an idle agent, want empty", taskID)
	}
}

func TestStateChangeCallbackFires(t *testing.T) {
	var calls []types.AgentFSMState
	var mu sync.Mutex
	cfg := config.Default()
	m := NewMachine("agent-1", cfg, func(string, string) {}, func(agentID string, state types.AgentFSMState, taskID string, gen int64) {
		mu.Lock()
		calls = append(calls, state)
		mu.Unlock()
	})

	m.OnIdentify()
	m.ArmAcceptanceTimer("task-1", 1)
	m.OnStartWork("task-1")
	m.OnCompleteOrFail()

	mu.Lock()
	defer mu.Unlock()
	want := []types.AgentFSMState{types.AgentIdle, types.AgentAssigned, types.AgentWorking, types.AgentIdle}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %v, want %v", i, calls[i], want[i])
		}
	}
}
