// Package types holds the core domain records shared by every hub
// component: Task, Agent, and the enums that drive their state machines.
package types

import "time"

// Priority is a task priority lane; lower number sorts first.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a wire string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "QUEUED"
	TaskAssigned   TaskStatus = "ASSIGNED"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskDeadLetter TaskStatus = "DEAD_LETTER"
)

// HistoryEntry is one bounded append-only audit record on a task.
type HistoryEntry struct {
	State     TaskStatus `json:"state"`
	Timestamp int64      `json:"timestamp"`
	Details   string     `json:"details,omitempty"`
}

// HistoryCap is the maximum number of entries retained in Task.History;
// overridden by config.Config.HistoryCap at runtime wiring time.
const HistoryCap = 50

// Task is a unit of work tracked by the Task Queue (spec §3.1).
type Task struct {
	ID                 string            `json:"id"`
	Description        string            `json:"description"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	Priority            Priority          `json:"priority"`
	Status              TaskStatus        `json:"status"`
	AssignedTo          string            `json:"assigned_to,omitempty"`
	AssignedAt          int64             `json:"assigned_at,omitempty"`
	UpdatedAt           int64             `json:"updated_at"`
	CreatedAt           int64             `json:"created_at"`
	CompleteBy          int64             `json:"complete_by,omitempty"`
	Generation          int64             `json:"generation"`
	RetryCount          int               `json:"retry_count"`
	MaxRetries          int               `json:"max_retries"`
	LastError           string            `json:"last_error,omitempty"`
	Result              string            `json:"result,omitempty"`
	TokensUsed          int64             `json:"tokens_used,omitempty"`
	NeededCapabilities  []string          `json:"needed_capabilities,omitempty"`
	Repo                string            `json:"repo,omitempty"`
	History             []HistoryEntry    `json:"history,omitempty"`
}

// AppendHistory appends an entry and trims to cap entries (spec §4.E.6).
func (t *Task) AppendHistory(state TaskStatus, details string, cap int) {
	t.History = append(t.History, HistoryEntry{
		State:     state,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	})
	if cap <= 0 {
		cap = HistoryCap
	}
	if len(t.History) > cap {
		t.History = t.History[len(t.History)-cap:]
	}
}

// HasCapabilities reports whether agentCaps is a superset of needed.
func HasCapabilities(agentCaps []string, needed []string) bool {
	if len(needed) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(agentCaps))
	for _, c := range agentCaps {
		set[c] = struct{}{}
	}
	for _, n := range needed {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

// AgentFSMState is the per-agent lifecycle state (spec §3.2, §4.D).
type AgentFSMState string

const (
	AgentIdle     AgentFSMState = "IDLE"
	AgentAssigned AgentFSMState = "ASSIGNED"
	AgentWorking  AgentFSMState = "WORKING"
	AgentBlocked  AgentFSMState = "BLOCKED"
	AgentOffline  AgentFSMState = "OFFLINE"
)

// Agent is the presence + identity record for a connected worker.
type Agent struct {
	AgentID               string        `json:"agent_id"`
	Capabilities           []string      `json:"capabilities,omitempty"`
	ConnectedAt            int64         `json:"connected_at"`
	LastSeenAt             int64         `json:"last_seen_at"`
	Status                 string        `json:"status"`
	FSMState                AgentFSMState `json:"fsm_state"`
	CurrentTaskID           string        `json:"current_task_id,omitempty"`
	CurrentTaskGeneration   int64         `json:"current_task_generation,omitempty"`
}

// RepoStatus is a repository's scheduling state.
type RepoStatus string

const (
	RepoActive RepoStatus = "ACTIVE"
	RepoPaused RepoStatus = "PAUSED"
)

// Repo is a repository-scheduling policy record (spec §3.3).
type Repo struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Name          string     `json:"name"`
	Status        RepoStatus `json:"status"`
	PriorityIndex int        `json:"priority_index"`
}
