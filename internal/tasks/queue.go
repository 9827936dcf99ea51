// Package tasks implements the Task Queue (spec §4.E): the hardest
// subsystem, combining a durable priority queue, a dead-letter table, and
// per-task generational fencing, all serialized through a single actor
// mailbox exactly as spec §5 requires ("the Task Queue actor owns both
// tables plus the priority index; no other actor ever writes them").
//
// Grounded in the teacher's internal/tasks/queue.go (in-memory sorted
// Queue, later persisted via internal/tasks/store.go), generalized from a
// mutex-protected struct into a mailbox actor and from a single SQLite
// table into the Durable Store's active/dead-letter table pair.
package tasks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/types"
)

var log = logging.New("TASKS")

const (
	activeTableName     = "tasks_active"
	deadLetterTableName = "tasks_dead_letter"
)

// SubmitParams is the caller-supplied payload for Submit.
type SubmitParams struct {
	Description        string
	Metadata           map[string]string
	Priority           types.Priority
	Repo               string
	NeededCapabilities []string
	MaxRetries         int
	CompleteBy         int64
}

// Filter narrows List and DequeueHighest queries. RepoAllowed, when set,
// lets the Scheduler veto a task whose repo is currently PAUSED (spec
// §4.F) without the Task Queue needing to know about the repos registry.
type Filter struct {
	Status       types.TaskStatus
	Repo         string
	Priority     types.Priority
	Capabilities []string
	HasStatus    bool
	HasPriority  bool
	RepoAllowed  func(repo string) bool
}

type mailboxFunc func()

// Queue is the Task Queue actor.
type Queue struct {
	cfg        *config.Config
	bus        *events.Bus
	active     *store.Table
	deadLetter *store.Table

	mailbox chan mailboxFunc

	// actor-owned state — touched only from inside the mailbox loop.
	index *priorityIndex
}

// NewQueue opens the active and dead-letter tables, reconciles any
// dual-table race left over from a crash between the two writes of a
// dead-letter move (spec §4.E.5, §7), and rebuilds the priority index
// from the active table (spec §4.E.1).
func NewQueue(st *store.Store, bus *events.Bus, cfg *config.Config) (*Queue, error) {
	active, err := st.Open(activeTableName)
	if err != nil {
		return nil, fmt.Errorf("tasks: open active table: %w", err)
	}
	deadLetter, err := st.Open(deadLetterTableName)
	if err != nil {
		return nil, fmt.Errorf("tasks: open dead-letter table: %w", err)
	}

	q := &Queue{
		cfg:        cfg,
		bus:        bus,
		active:     active,
		deadLetter: deadLetter,
		mailbox:    make(chan mailboxFunc, 64),
		index:      newPriorityIndex(),
	}

	if err := q.reconcileOnStartup(); err != nil {
		return nil, err
	}
	if err := q.rebuildIndex(); err != nil {
		return nil, err
	}

	return q, nil
}

// reconcileOnStartup implements spec §4.E.5 / §7: a task present in both
// tables is treated as dead-lettered; the active copy is deleted and the
// breach is logged (never recovered silently).
func (q *Queue) reconcileOnStartup() error {
	activeTasks, err := scanTasks(q.active)
	if err != nil {
		return fmt.Errorf("tasks: reconcile: scan active: %w", err)
	}
	deadTasks, err := scanTasks(q.deadLetter)
	if err != nil {
		return fmt.Errorf("tasks: reconcile: scan dead-letter: %w", err)
	}

	deadIDs := make(map[string]struct{}, len(deadTasks))
	for _, t := range deadTasks {
		deadIDs[t.ID] = struct{}{}
	}

	for _, t := range activeTasks {
		if _, dup := deadIDs[t.ID]; dup {
			log.Printf("INVARIANT BREACH: task %s present in both active and dead-letter tables; reconciling to dead-letter", t.ID)
			if err := q.active.Delete(t.ID); err != nil {
				return fmt.Errorf("tasks: reconcile: delete stray active copy of %s: %w", t.ID, err)
			}
		}
	}
	return nil
}

func (q *Queue) rebuildIndex() error {
	activeTasks, err := scanTasks(q.active)
	if err != nil {
		return fmt.Errorf("tasks: rebuild index: %w", err)
	}
	for _, t := range activeTasks {
		if t.Status == types.TaskQueued {
			q.index.insert(indexEntry{priority: int(t.Priority), createdAt: t.CreatedAt, taskID: t.ID})
		}
	}
	log.Printf("rebuilt priority index with %d queued tasks", q.index.len())
	return nil
}

// Run processes the actor mailbox and the periodic reclamation sweep
// (spec §4.E.3) from the same goroutine, so the sweep cannot race with
// user-initiated transitions. Blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	sweep := time.NewTicker(q.cfg.ReclaimSweep())
	defer sweep.Stop()

	log.Printf("task queue actor starting (reclaim sweep every %v)", q.cfg.ReclaimSweep())

	for {
		select {
		case <-ctx.Done():
			log.Printf("task queue actor stopping")
			return
		case fn := <-q.mailbox:
			fn()
		case <-sweep.C:
			q.reclaimOverdueLocked()
		}
	}
}

// call sends fn to the actor mailbox and blocks for its reply.
func (q *Queue) call(fn func()) {
	done := make(chan struct{})
	q.mailbox <- func() {
		fn()
		close(done)
	}
	<-done
}

func newTaskID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "task-" + hex.EncodeToString(buf)
}

// Submit creates a new QUEUED task (spec §4.E.2).
func (q *Queue) Submit(params SubmitParams) (*types.Task, error) {
	if strings.TrimSpace(params.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", apierr.ErrValidation)
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var result *types.Task
	var opErr error
	q.call(func() {
		now := time.Now().UnixMilli()
		t := &types.Task{
			ID:                 newTaskID(),
			Description:        params.Description,
			Metadata:           params.Metadata,
			Priority:           params.Priority,
			Status:             types.TaskQueued,
			CreatedAt:          now,
			UpdatedAt:          now,
			CompleteBy:         params.CompleteBy,
			Generation:         0,
			MaxRetries:         maxRetries,
			NeededCapabilities: params.NeededCapabilities,
			Repo:               params.Repo,
		}
		t.AppendHistory(types.TaskQueued, "submitted", q.cfg.HistoryCap)

		if err := putTask(q.active, t); err != nil {
			opErr = err
			return
		}
		q.index.insert(indexEntry{priority: int(t.Priority), createdAt: t.CreatedAt, taskID: t.ID})
		result = t
	})
	if opErr != nil {
		return nil, opErr
	}
	q.bus.Publish(events.New(events.TopicTasks, events.TaskSubmitted, result))
	return result, nil
}

// Get returns the task by id from whichever table holds it.
func (q *Queue) Get(taskID string) (*types.Task, error) {
	var result *types.Task
	var opErr error
	q.call(func() {
		t, err := getTask(q.active, taskID)
		if err == apierr.ErrNotFound {
			t, err = getTask(q.deadLetter, taskID)
		}
		result, opErr = t, err
	})
	return result, opErr
}

// List returns tasks matching filter; no ordering guarantee across
// statuses (spec §4.E.2).
func (q *Queue) List(filter Filter) ([]*types.Task, error) {
	var result []*types.Task
	var opErr error
	q.call(func() {
		activeTasks, err := scanTasks(q.active)
		if err != nil {
			opErr = err
			return
		}
		deadTasks, err := scanTasks(q.deadLetter)
		if err != nil {
			opErr = err
			return
		}
		all := append(activeTasks, deadTasks...)
		for _, t := range all {
			if filter.HasStatus && t.Status != filter.Status {
				continue
			}
			if filter.Repo != "" && t.Repo != filter.Repo {
				continue
			}
			if filter.HasPriority && t.Priority != filter.Priority {
				continue
			}
			if len(filter.Capabilities) > 0 && !types.HasCapabilities(filter.Capabilities, t.NeededCapabilities) {
				continue
			}
			result = append(result, t)
		}
	})
	return result, opErr
}

// DequeueHighest is a pure read of the index head matching filter; it does
// not mutate state (spec §4.E.2) — the Scheduler follows with Assign.
func (q *Queue) DequeueHighest(filter Filter) (*types.Task, error) {
	var result *types.Task
	var opErr error
	q.call(func() {
		taskID, ok := q.index.headMatching(func(taskID string) bool {
			t, err := getTask(q.active, taskID)
			if err != nil {
				return false
			}
			if t.Repo != "" && filter.RepoAllowed != nil && !filter.RepoAllowed(t.Repo) {
				return false
			}
			if !types.HasCapabilities(filter.Capabilities, t.NeededCapabilities) {
				return false
			}
			return true
		})
		if !ok {
			return
		}
		t, err := getTask(q.active, taskID)
		if err != nil {
			opErr = err
			return
		}
		result = t
	})
	return result, opErr
}

// Assign transitions a QUEUED task to ASSIGNED (spec §4.E.2). If the task
// has no complete_by deadline, defaultDeadline (spec §4.F) is applied so
// reclamation has a target.
func (q *Queue) Assign(taskID, agentID string, defaultDeadline time.Duration) (*types.Task, error) {
	var result *types.Task
	var opErr error
	q.call(func() {
		t, err := getTask(q.active, taskID)
		if err != nil {
			opErr = err
			return
		}
		if t.Status != types.TaskQueued {
			opErr = fmt.Errorf("%w: task %s is %s, not QUEUED", apierr.ErrWrongState, taskID, t.Status)
			return
		}

		now := time.Now().UnixMilli()
		t.Status = types.TaskAssigned
		t.AssignedTo = agentID
		t.AssignedAt = now
		t.Generation++
		t.UpdatedAt = now
		if t.CompleteBy == 0 {
			t.CompleteBy = time.Now().Add(defaultDeadline).UnixMilli()
		}
		t.AppendHistory(types.TaskAssigned, "assigned to "+agentID, q.cfg.HistoryCap)

		if err := putTask(q.active, t); err != nil {
			opErr = err
			return
		}
		q.index.remove(taskID)
		result = t
	})
	if opErr != nil {
		return nil, opErr
	}
	q.bus.Publish(events.New(events.TopicTasks, events.TaskAssigned, result))
	return result, nil
}

// checkFencing validates the (agent_id, generation) guard shared by
// Complete, Fail, and UpdateProgress (spec §4.E.4, I4).
func checkFencing(t *types.Task, agentID string, generation int64) error {
	if t.Status != types.TaskAssigned {
		return fmt.Errorf("%w: task %s is %s, not ASSIGNED", apierr.ErrWrongState, t.ID, t.Status)
	}
	if t.AssignedTo != agentID || t.Generation != generation {
		return fmt.Errorf("%w: task %s expected (agent=%s, generation=%d), got (agent=%s, generation=%d)",
			apierr.ErrStaleGeneration, t.ID, t.AssignedTo, t.Generation, agentID, generation)
	}
	return nil
}

// Complete transitions an ASSIGNED task to COMPLETED (spec §4.E.2).
func (q *Queue) Complete(taskID string, agentID string, generation int64, result string, tokensUsed int64) (*types.Task, error) {
	var out *types.Task
	var opErr error
	q.call(func() {
		t, err := getTask(q.active, taskID)
		if err != nil {
			opErr = err
			return
		}
		if err := checkFencing(t, agentID, generation); err != nil {
			opErr = err
			return
		}

		t.Status = types.TaskCompleted
		t.Result = result
		t.TokensUsed = tokensUsed
		t.UpdatedAt = time.Now().UnixMilli()
		t.AppendHistory(types.TaskCompleted, "completed", q.cfg.HistoryCap)

		if err := putTask(q.active, t); err != nil {
			opErr = err
			return
		}
		out = t
	})
	if opErr != nil {
		return nil, opErr
	}
	q.bus.Publish(events.New(events.TopicTasks, events.TaskCompleted, out))
	return out, nil
}

// FailOutcome reports whether Fail requeued or dead-lettered the task.
type FailOutcome int

const (
	FailRetried FailOutcome = iota
	FailDeadLettered
)

// Fail transitions an ASSIGNED task back to QUEUED (with incremented
// retry_count and generation) or, once max_retries is exhausted, moves it
// to the dead-letter table (spec §4.E.2).
func (q *Queue) Fail(taskID, agentID string, generation int64, reason string) (*types.Task, FailOutcome, error) {
	var out *types.Task
	var outcome FailOutcome
	var opErr error
	q.call(func() {
		t, err := getTask(q.active, taskID)
		if err != nil {
			opErr = err
			return
		}
		if err := checkFencing(t, agentID, generation); err != nil {
			opErr = err
			return
		}

		t.LastError = reason
		t.UpdatedAt = time.Now().UnixMilli()

		if t.RetryCount+1 < t.MaxRetries {
			t.Status = types.TaskQueued
			t.RetryCount++
			t.Generation++
			t.AssignedTo = ""
			t.AssignedAt = 0
			t.AppendHistory(types.TaskQueued, "retry after failure: "+reason, q.cfg.HistoryCap)

			if err := putTask(q.active, t); err != nil {
				opErr = err
				return
			}
			q.index.insert(indexEntry{priority: int(t.Priority), createdAt: t.CreatedAt, taskID: t.ID})
			outcome = FailRetried
		} else {
			t.Status = types.TaskDeadLetter
			t.AppendHistory(types.TaskDeadLetter, "max retries exhausted: "+reason, q.cfg.HistoryCap)

			// Insert into dead-letter before deleting from active, so a
			// crash between the two writes leaves the task recoverable via
			// the startup reconciliation pass (spec §4.E.5, I5).
			if err := putTask(q.deadLetter, t); err != nil {
				opErr = err
				return
			}
			if err := q.active.Delete(taskID); err != nil {
				opErr = err
				return
			}
			outcome = FailDeadLettered
		}
		out = t
	})
	if opErr != nil {
		return nil, 0, opErr
	}
	if outcome == FailRetried {
		q.bus.Publish(events.New(events.TopicTasks, events.TaskRetry, out))
	} else {
		q.bus.Publish(events.New(events.TopicTasks, events.TaskDeadLetter, out))
	}
	return out, outcome, nil
}

// UpdateProgress bumps updated_at under the same fencing guard as Complete
// and Fail, without changing status (spec §4.E.2). Loss of this event does
// not affect correctness, so it is published best-effort after persisting.
func (q *Queue) UpdateProgress(taskID, agentID string, generation int64, snippet string) error {
	var opErr error
	q.call(func() {
		t, err := getTask(q.active, taskID)
		if err != nil {
			opErr = err
			return
		}
		if err := checkFencing(t, agentID, generation); err != nil {
			opErr = err
			return
		}
		t.UpdatedAt = time.Now().UnixMilli()
		opErr = putTask(q.active, t)
	})
	if opErr != nil {
		return opErr
	}
	q.bus.Publish(events.New(events.TopicTasks, events.TaskProgress, map[string]string{"task_id": taskID, "snippet": snippet}))
	return nil
}

// Reclaim forces an ASSIGNED task back to QUEUED with a bumped generation
// (spec §4.E.2). Called from the protocol layer and from the Scheduler when
// a dispatch fails; the periodic reclamation sweep does not call it but
// applies the same transition inline in reclaimOverdueLocked.
func (q *Queue) Reclaim(taskID, reason string) error {
	var opErr error
	var out *types.Task
	q.call(func() {
		t, err := getTask(q.active, taskID)
		if err != nil {
			opErr = err
			return
		}
		if t.Status != types.TaskAssigned {
			opErr = fmt.Errorf("%w: task %s is %s, not ASSIGNED", apierr.ErrWrongState, taskID, t.Status)
			return
		}
		t.Status = types.TaskQueued
		t.Generation++
		t.AssignedTo = ""
		t.AssignedAt = 0
		t.UpdatedAt = time.Now().UnixMilli()
		t.AppendHistory(types.TaskQueued, "reclaimed: "+reason, q.cfg.HistoryCap)

		if err := putTask(q.active, t); err != nil {
			opErr = err
			return
		}
		q.index.insert(indexEntry{priority: int(t.Priority), createdAt: t.CreatedAt, taskID: t.ID})
		out = t
	})
	if opErr != nil {
		return opErr
	}
	q.bus.Publish(events.New(events.TopicTasks, events.TaskReclaimed, out))
	return nil
}

// reclaimOverdueLocked runs the periodic sweep (spec §4.E.3) from inside
// the actor goroutine (called only from Run's select loop).
func (q *Queue) reclaimOverdueLocked() {
	activeTasks, err := scanTasks(q.active)
	if err != nil {
		log.Printf("reclaim sweep: scan failed: %v", err)
		return
	}
	now := time.Now().UnixMilli()
	for _, t := range activeTasks {
		if t.Status == types.TaskAssigned && t.CompleteBy != 0 && t.CompleteBy < now {
			t.Status = types.TaskQueued
			t.Generation++
			t.AssignedTo = ""
			t.AssignedAt = 0
			t.UpdatedAt = now
			t.AppendHistory(types.TaskQueued, "reclaimed: overdue", q.cfg.HistoryCap)
			if err := putTask(q.active, t); err != nil {
				log.Printf("reclaim sweep: persist %s failed: %v", t.ID, err)
				continue
			}
			q.index.insert(indexEntry{priority: int(t.Priority), createdAt: t.CreatedAt, taskID: t.ID})
			q.bus.Publish(events.New(events.TopicTasks, events.TaskReclaimed, t))
			log.Printf("reclaimed overdue task %s (new generation %d)", t.ID, t.Generation)
		}
	}
}

// RetryDeadLetter moves a DEAD_LETTER task back to the active table as
// QUEUED with retry_count reset (spec §4.E.2).
func (q *Queue) RetryDeadLetter(taskID string) (*types.Task, error) {
	var out *types.Task
	var opErr error
	q.call(func() {
		t, err := getTask(q.deadLetter, taskID)
		if err != nil {
			if err == apierr.ErrNotFound {
				opErr = apierr.ErrNotFound
				if _, aerr := getTask(q.active, taskID); aerr == nil {
					opErr = fmt.Errorf("%w: task %s is not DEAD_LETTER", apierr.ErrConflict, taskID)
				}
			} else {
				opErr = err
			}
			return
		}
		if t.Status != types.TaskDeadLetter {
			opErr = fmt.Errorf("%w: task %s is not DEAD_LETTER", apierr.ErrConflict, taskID)
			return
		}

		t.Status = types.TaskQueued
		t.RetryCount = 0
		t.Generation++
		t.UpdatedAt = time.Now().UnixMilli()
		t.AppendHistory(types.TaskQueued, "requeued from dead-letter", q.cfg.HistoryCap)

		if err := putTask(q.active, t); err != nil {
			opErr = err
			return
		}
		if err := q.deadLetter.Delete(taskID); err != nil {
			opErr = err
			return
		}
		q.index.insert(indexEntry{priority: int(t.Priority), createdAt: t.CreatedAt, taskID: t.ID})
		out = t
	})
	if opErr != nil {
		return nil, opErr
	}
	q.bus.Publish(events.New(events.TopicTasks, events.TaskRequeued, out))
	return out, nil
}
