package tasks

import "sort"

// indexEntry is one QUEUED task's position in the priority index (spec
// §4.E.1): ordered ascending by priority then created_at, giving FIFO
// within a priority lane. Grounded in the teacher's internal/tasks/queue.go
// Queue.sortLocked, generalized from a single in-memory queue into an
// accelerator index over the Durable Store's active table.
type indexEntry struct {
	priority  int
	createdAt int64
	taskID    string
}

// priorityIndex is touched only from within the Task Queue actor
// goroutine; it carries no locking of its own.
type priorityIndex struct {
	entries []indexEntry
}

func newPriorityIndex() *priorityIndex {
	return &priorityIndex{}
}

func (p *priorityIndex) insert(e indexEntry) {
	p.entries = append(p.entries, e)
	sort.Slice(p.entries, func(i, j int) bool {
		a, b := p.entries[i], p.entries[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.createdAt != b.createdAt {
			return a.createdAt < b.createdAt
		}
		return a.taskID < b.taskID
	})
}

func (p *priorityIndex) remove(taskID string) {
	for i, e := range p.entries {
		if e.taskID == taskID {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// headMatching returns the highest-priority entry satisfying match,
// without mutating the index (spec §4.E.2 dequeue_highest is a pure read).
func (p *priorityIndex) headMatching(match func(taskID string) bool) (string, bool) {
	for _, e := range p.entries {
		if match(e.taskID) {
			return e.taskID, true
		}
	}
	return "", false
}

func (p *priorityIndex) len() int { return len(p.entries) }
