package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/types"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	st, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store.NewStore: %v", err)
	}
	cfg := config.Default()
	q, err := NewQueue(st, events.NewBus(), cfg)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	t.Cleanup(func() {
		cancel()
		st.CloseAll()
	})
	return q, st
}

func TestSubmitCreatesQueuedTask(t *testing.T) {
	q, _ := newTestQueue(t)

	task, err := q.Submit(SubmitParams{Description: "do the thing", Priority: types.PriorityNormal})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != types.TaskQueued {
		t.Errorf("Status = %v, want QUEUED", task.Status)
	}
	if task.Generation != 0 {
		t.Errorf("Generation = %d, want 0", task.Generation)
	}
	if task.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", task.MaxRetries)
	}
	if len(task.History) != 1 || task.History[0].State != types.TaskQueued {
		t.Errorf("History = %+v, want one QUEUED entry", task.History)
	}
}

func TestSubmitRejectsEmptyDescription(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Submit(SubmitParams{Description: "   "}); err == nil {
		t.Error("expected blank description to be rejected")
	}
}

func TestGetFindsActiveTask(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task"})

	got, err := q.Get(submitted.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != submitted.ID {
		t.Errorf("Get returned %q, want %q", got.ID, submitted.ID)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Get("no-such-task"); err != apierr.ErrNotFound {
		t.Errorf("Get(unknown) = %v, want ErrNotFound", err)
	}
}

func TestDequeueHighestOrdersByPriorityThenAge(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Submit(SubmitParams{Description: "low", Priority: types.PriorityLow})
	q.Submit(SubmitParams{Description: "normal-first", Priority: types.PriorityNormal})
	time.Sleep(2 * time.Millisecond)
	q.Submit(SubmitParams{Description: "normal-second", Priority: types.PriorityNormal})
	urgent, _ := q.Submit(SubmitParams{Description: "urgent", Priority: types.PriorityUrgent})

	head, err := q.DequeueHighest(Filter{})
	if err != nil {
		t.Fatalf("DequeueHighest: %v", err)
	}
	if head == nil || head.ID != urgent.ID {
		t.Fatalf("DequeueHighest = %v, want the urgent task", head)
	}
}

func TestDequeueHighestDoesNotMutateState(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task"})

	first, _ := q.DequeueHighest(Filter{})
	second, _ := q.DequeueHighest(Filter{})
	if first.ID != submitted.ID || second.ID != submitted.ID {
		t.Fatal("expected DequeueHighest to be idempotent (a pure read)")
	}
	got, _ := q.Get(submitted.ID)
	if got.Status != types.TaskQueued {
		t.Errorf("Status after DequeueHighest = %v, want still QUEUED", got.Status)
	}
}

func TestDequeueHighestFiltersByCapability(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Submit(SubmitParams{Description: "needs-go", NeededCapabilities: []string{"go"}})

	head, err := q.DequeueHighest(Filter{Capabilities: []string{"python"}})
	if err != nil {
		t.Fatalf("DequeueHighest: %v", err)
	}
	if head != nil {
		t.Errorf("expected no match for a capability-less agent, got %v", head)
	}
}

func TestDequeueHighestFiltersByRepoAllowed(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Submit(SubmitParams{Description: "paused-repo-task", Repo: "repo-1"})

	head, err := q.DequeueHighest(Filter{RepoAllowed: func(repo string) bool { return repo != "repo-1" }})
	if err != nil {
		t.Fatalf("DequeueHighest: %v", err)
	}
	if head != nil {
		t.Error("expected a task in a disallowed repo to be skipped")
	}
}

func TestAssignTransitionsToAssignedAndBumpsGeneration(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task"})

	assigned, err := q.Assign(submitted.ID, "agent-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if assigned.Status != types.TaskAssigned {
		t.Errorf("Status = %v, want ASSIGNED", assigned.Status)
	}
	if assigned.AssignedTo != "agent-1" {
		t.Errorf("AssignedTo = %q, want agent-1", assigned.AssignedTo)
	}
	if assigned.Generation != 1 {
		t.Errorf("Generation = %d, want 1", assigned.Generation)
	}
	if assigned.CompleteBy == 0 {
		t.Error("expected CompleteBy to be set from the default deadline")
	}
}

func TestAssignRemovesFromDequeueOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task"})
	q.Assign(submitted.ID, "agent-1", 30*time.Minute)

	head, _ := q.DequeueHighest(Filter{})
	if head != nil {
		t.Errorf("expected assigned task to leave the dequeue order, got %v", head)
	}
}

func TestAssignRejectsNonQueuedTask(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task"})
	q.Assign(submitted.ID, "agent-1", 30*time.Minute)

	if _, err := q.Assign(submitted.ID, "agent-2", 30*time.Minute); err == nil {
		t.Error("expected assigning an already-ASSIGNED task to fail")
	}
}

func TestCompleteRequiresMatchingFence(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task"})
	assigned, _ := q.Assign(submitted.ID, "agent-1", 30*time.Minute)

	if _, err := q.Complete(submitted.ID, "agent-1", assigned.Generation+1, "done", 10); !errors.Is(err, apierr.ErrStaleGeneration) {
		t.Errorf("Complete with stale generation = %v, want ErrStaleGeneration", err)
	}
	if _, err := q.Complete(submitted.ID, "agent-2", assigned.Generation, "done", 10); !errors.Is(err, apierr.ErrStaleGeneration) {
		t.Errorf("Complete from wrong agent = %v, want ErrStaleGeneration", err)
	}
}

func TestCompleteSucceedsWithCorrectFence(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task"})
	assigned, _ := q.Assign(submitted.ID, "agent-1", 30*time.Minute)

	done, err := q.Complete(submitted.ID, "agent-1", assigned.Generation, "all good", 42)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != types.TaskCompleted {
		t.Errorf("Status = %v, want COMPLETED", done.Status)
	}
	if done.Result != "all good" || done.TokensUsed != 42 {
		t.Errorf("Result/TokensUsed = %q/%d, want \"all good\"/42", done.Result, done.TokensUsed)
	}
}

func TestFailRequeuesUnderRetryLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task", MaxRetries: 3})
	assigned, _ := q.Assign(submitted.ID, "agent-1", 30*time.Minute)

	out, outcome, err := q.Fail(submitted.ID, "agent-1", assigned.Generation, "boom")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if outcome != FailRetried {
		t.Errorf("outcome = %v, want FailRetried", outcome)
	}
	if out.Status != types.TaskQueued {
		t.Errorf("Status = %v, want QUEUED", out.Status)
	}
	if out.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", out.RetryCount)
	}
	if out.Generation != 2 {
		t.Errorf("Generation = %d, want 2 (bumped again on requeue)", out.Generation)
	}

	head, _ := q.DequeueHighest(Filter{})
	if head == nil || head.ID != submitted.ID {
		t.Error("expected the requeued task to reappear in dequeue order")
	}
}

func TestFailDeadLettersAtRetryLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task", MaxRetries: 1})
	assigned, _ := q.Assign(submitted.ID, "agent-1", 30*time.Minute)

	out, outcome, err := q.Fail(submitted.ID, "agent-1", assigned.Generation, "boom")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if outcome != FailDeadLettered {
		t.Errorf("outcome = %v, want FailDeadLettered", outcome)
	}
	if out.Status != types.TaskDeadLetter {
		t.Errorf("Status = %v, want DEAD_LETTER", out.Status)
	}

	if _, err := q.DequeueHighest(Filter{}); err != nil {
		t.Fatalf("DequeueHighest: %v", err)
	}
	got, err := q.Get(submitted.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.TaskDeadLetter {
		t.Errorf("Get after dead-letter = %v, want DEAD_LETTER", got.Status)
	}
}

func TestUpdateProgressRequiresFenceAndBumpsUpdatedAt(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task"})
	assigned, _ := q.Assign(submitted.ID, "agent-1", 30*time.Minute)

	if err := q.UpdateProgress(submitted.ID, "agent-2", assigned.Generation, "partial"); !errors.Is(err, apierr.ErrStaleGeneration) {
		t.Errorf("UpdateProgress from wrong agent = %v, want ErrStaleGeneration", err)
	}

	before := assigned.UpdatedAt
	time.Sleep(2 * time.Millisecond)
	if err := q.UpdateProgress(submitted.ID, "agent-1", assigned.Generation, "partial"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, _ := q.Get(submitted.ID)
	if got.UpdatedAt <= before {
		t.Error("expected UpdatedAt to advance")
	}
}

func TestReclaimReturnsTaskToQueueWithBumpedGeneration(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task"})
	assigned, _ := q.Assign(submitted.ID, "agent-1", 30*time.Minute)

	if err := q.Reclaim(submitted.ID, "acceptance_timeout"); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	got, _ := q.Get(submitted.ID)
	if got.Status != types.TaskQueued {
		t.Errorf("Status = %v, want QUEUED", got.Status)
	}
	if got.Generation != assigned.Generation+1 {
		t.Errorf("Generation = %d, want %d", got.Generation, assigned.Generation+1)
	}
	if got.AssignedTo != "" {
		t.Errorf("AssignedTo = %q, want empty", got.AssignedTo)
	}
}

func TestReclaimRejectsNonAssignedTask(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task"})

	if err := q.Reclaim(submitted.ID, "whatever"); err == nil {
		t.Error("expected Reclaim of a QUEUED (not ASSIGNED) task to fail")
	}
}

func TestRetryDeadLetterRequeuesAndResetsRetryCount(t *testing.T) {
	q, _ := newTestQueue(t)
	submitted, _ := q.Submit(SubmitParams{Description: "task", MaxRetries: 1})
	assigned, _ := q.Assign(submitted.ID, "agent-1", 30*time.Minute)
	q.Fail(submitted.ID, "agent-1", assigned.Generation, "boom")

	out, err := q.RetryDeadLetter(submitted.ID)
	if err != nil {
		t.Fatalf("RetryDeadLetter: %v", err)
	}
	if out.Status != types.TaskQueued {
		t.Errorf("Status = %v, want QUEUED", out.Status)
	}
	if out.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want reset to 0", out.RetryCount)
	}

	got, err := q.Get(submitted.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.TaskQueued {
		t.Error("expected the task to now live in the active table as QUEUED")
	}
}

func TestRetryDeadLetterUnknownTaskNotFound(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.RetryDeadLetter("ghost"); err != apierr.ErrNotFound {
		t.Errorf("RetryDeadLetter(ghost) = %v, want ErrNotFound", err)
	}
}

func TestListFiltersByStatusRepoAndCapability(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Submit(SubmitParams{Description: "a", Repo: "repo-1", NeededCapabilities: []string{"go"}})
	q.Submit(SubmitParams{Description: "b", Repo: "repo-2"})

	byRepo, err := q.List(Filter{Repo: "repo-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byRepo) != 1 || byRepo[0].Repo != "repo-1" {
		t.Errorf("List(repo-1) = %v, want one task in repo-1", byRepo)
	}

	byStatus, err := q.List(Filter{HasStatus: true, Status: types.TaskQueued})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byStatus) != 2 {
		t.Errorf("List(QUEUED) returned %d tasks, want 2", len(byStatus))
	}
}

func TestListFiltersByPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Submit(SubmitParams{Description: "a", Priority: types.PriorityHigh})
	q.Submit(SubmitParams{Description: "b", Priority: types.PriorityNormal})

	byPriority, err := q.List(Filter{HasPriority: true, Priority: types.PriorityHigh})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byPriority) != 1 || byPriority[0].Priority != types.PriorityHigh {
		t.Errorf("List(HIGH) = %v, want one high-priority task", byPriority)
	}
}

func TestQueueSurvivesRestartWithIndexRebuilt(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewStore(dir)
	if err != nil {
		t.Fatalf("store.NewStore: %v", err)
	}
	cfg := config.Default()
	q1, err := NewQueue(st, events.NewBus(), cfg)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	ctx1, cancel1 := context.WithCancel(context.Background())
	go q1.Run(ctx1)

	submitted, err := q1.Submit(SubmitParams{Description: "durable task"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel1()
	st.CloseAll()

	st2, err := store.NewStore(dir)
	if err != nil {
		t.Fatalf("store.NewStore (reopen): %v", err)
	}
	defer st2.CloseAll()
	q2, err := NewQueue(st2, events.NewBus(), cfg)
	if err != nil {
		t.Fatalf("NewQueue (reopen): %v", err)
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	go q2.Run(ctx2)
	defer cancel2()

	got, err := q2.Get(submitted.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.Status != types.TaskQueued {
		t.Errorf("Status after restart = %v, want QUEUED", got.Status)
	}

	head, err := q2.DequeueHighest(Filter{})
	if err != nil {
		t.Fatalf("DequeueHighest after restart: %v", err)
	}
	if head == nil || head.ID != submitted.ID {
		t.Error("expected the priority index to be rebuilt from the active table on restart")
	}
}
