// Package scheduler implements the Scheduler (spec §4.F): a stateless
// (modulo its tick timer) matcher that pairs queued tasks with idle,
// capable agents. Grounded in the teacher's internal/server/cleanup.go
// ticker-driven sweep pattern, generalized from a stale-agent sweep into
// a task/agent matching sweep triggered by both events and a tick.
package scheduler

import (
	"context"
	"time"

	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/tasks"
	"github.com/notno/agentcom/internal/types"
)

var log = logging.New("SCHED")

// TaskSource is the subset of *tasks.Queue the Scheduler depends on.
type TaskSource interface {
	DequeueHighest(filter tasks.Filter) (*types.Task, error)
	Assign(taskID, agentID string, defaultDeadline time.Duration) (*types.Task, error)
	Reclaim(taskID, reason string) error
}

// AgentDirectory is the subset of *presence.Registry the Scheduler depends
// on: the idle-agent snapshot, ordered by last_seen_at ascending.
type AgentDirectory interface {
	IdleAgents() []types.Agent
}

// RepoPolicy is the subset of *repos.Registry the Scheduler depends on.
type RepoPolicy interface {
	IsPaused(repoID string) bool
}

// Dispatcher hands an assigned task to a specific connected agent: it
// arms that agent's FSM acceptance timer and sends the task_assign frame
// over its live connection (spec §4.F step 2b). An error means the agent
// is no longer reachable (e.g. it disconnected between IdleAgents() and
// here); the caller must reclaim the task it just assigned.
type Dispatcher interface {
	Dispatch(agentID string, task *types.Task) error
}

// Scheduler is the tick + event driven matcher.
type Scheduler struct {
	cfg        *config.Config
	bus        *events.Bus
	tasks      TaskSource
	agents     AgentDirectory
	repoPolicy RepoPolicy
	dispatcher Dispatcher
}

// New constructs a Scheduler.
func New(cfg *config.Config, bus *events.Bus, taskSource TaskSource, agents AgentDirectory, repoPolicy RepoPolicy, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		bus:        bus,
		tasks:      taskSource,
		agents:     agents,
		repoPolicy: repoPolicy,
		dispatcher: dispatcher,
	}
}

// Run subscribes to the events that should trigger a re-evaluation and
// drives the periodic tick (spec §4.F inputs). Blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	taskEvents := s.bus.Subscribe(events.TopicTasks)
	agentEvents := s.bus.Subscribe(events.TopicAgents)
	defer s.bus.Unsubscribe(events.TopicTasks, taskEvents)
	defer s.bus.Unsubscribe(events.TopicAgents, agentEvents)

	ticker := time.NewTicker(s.cfg.SchedulerTick())
	defer ticker.Stop()

	log.Printf("scheduler starting (tick every %v)", s.cfg.SchedulerTick())

	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler stopping")
			return
		case <-taskEvents:
			s.evaluate()
		case <-agentEvents:
			s.evaluate()
		case <-ticker.C:
			s.evaluate()
		}
	}
}

// evaluate implements the matching algorithm (spec §4.F).
func (s *Scheduler) evaluate() {
	idle := s.agents.IdleAgents()

	for _, agent := range idle {
		for {
			filter := tasks.Filter{
				Capabilities: agent.Capabilities,
				RepoAllowed:  func(repo string) bool { return !s.repoPolicy.IsPaused(repo) },
			}
			task, err := s.tasks.DequeueHighest(filter)
			if err != nil {
				log.Printf("dequeue_highest failed for agent %s: %v", agent.AgentID, err)
				break
			}
			if task == nil {
				break
			}

			assigned, err := s.tasks.Assign(task.ID, agent.AgentID, s.cfg.DefaultDeadline())
			if err != nil {
				// Lost a race with another scheduling pass; retry dequeue
				// for this agent (spec §4.F step 2c).
				continue
			}

			if err := s.dispatcher.Dispatch(agent.AgentID, assigned); err != nil {
				log.Printf("dispatch to agent %s failed (%v), reclaiming task %s", agent.AgentID, err, assigned.ID)
				if rerr := s.tasks.Reclaim(assigned.ID, "dispatch_failed"); rerr != nil {
					log.Printf("reclaim after failed dispatch also failed: %v", rerr)
				}
			}
			break // at most one task per idle agent per pass (I2/I6 "at-most-one")
		}
	}
}
