package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/types"
)

// dispatch routes one decoded frame to its handler (spec §4.G.2). It is
// the single point where wire frames turn into calls against the Task
// Queue, Agent FSM, Presence Registry, and Event Bus. A returned error is
// reported back to the connection as a validation failure; it never
// panics on well-formed-but-semantically-wrong input (stale generation,
// unknown task, wrong FSM state) — those are expected runtime outcomes,
// not protocol violations.
func dispatch(c *Connection, frameType string, raw []byte) error {
	switch frameType {
	case "identify":
		return handleIdentify(c, raw)
	case "ping":
		return handlePing(c)
	case "status":
		return handleStatus(c, raw)
	case "task_accepted":
		return handleTaskAccepted(c, raw)
	case "task_progress":
		return handleTaskProgress(c, raw)
	case "task_complete":
		return handleTaskComplete(c, raw)
	case "task_failed":
		return handleTaskFailed(c, raw)
	case "task_recovering":
		return handleTaskRecovering(c, raw)
	case "task_rejected":
		return handleTaskRejected(c, raw)
	default:
		return fmt.Errorf("unknown frame type %q", frameType)
	}
}

func handleIdentify(c *Connection, raw []byte) error {
	var f identifyFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("malformed identify: %w", err)
	}
	if f.AgentID == "" || f.Token == "" {
		return fmt.Errorf("%w: identify requires agent_id and token", apierr.ErrValidation)
	}

	bound, err := c.manager.auth.Verify(f.Token)
	if err != nil {
		return err
	}
	if bound != f.AgentID {
		return apierr.ErrUnauthorized
	}

	// Install this connection as the live one before touching FSM/presence
	// so a concurrent identify for the same agent_id cannot race ahead of
	// the old connection's teardown (spec I6).
	c.manager.adopt(f.AgentID, c)

	c.mu.Lock()
	c.agentID = f.AgentID
	c.state = stateIdentified
	c.mu.Unlock()

	c.manager.presence.Register(f.AgentID, f.Capabilities)
	if f.Status != "" {
		c.manager.presence.UpdateStatus(f.AgentID, f.Status)
	}

	machine := c.manager.machineFor(f.AgentID)
	if err := machine.OnIdentify(); err != nil {
		return err
	}

	c.sendIdentified(f.AgentID)
	c.manager.bus.Publish(events.New(events.TopicPresence, events.AgentJoined, map[string]string{"agent_id": f.AgentID}))
	return nil
}

func handlePing(c *Connection) error {
	agentID := c.agentIDLocked()
	c.manager.presence.Touch(agentID)
	c.sendPong()
	return nil
}

func handleStatus(c *Connection, raw []byte) error {
	var f statusFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("malformed status: %w", err)
	}
	agentID := c.agentIDLocked()
	if err := c.manager.presence.UpdateStatus(agentID, f.Status); err != nil {
		return err
	}
	c.manager.bus.Publish(events.New(events.TopicPresence, events.StatusChanged, map[string]string{
		"agent_id": agentID,
		"status":   f.Status,
	}))
	return nil
}

func handleTaskAccepted(c *Connection, raw []byte) error {
	var f taskAcceptedFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("malformed task_accepted: %w", err)
	}
	agentID := c.agentIDLocked()
	machine := c.manager.machineFor(agentID)
	snap := machine.GetState()
	if err := machine.OnAssignAccepted(f.TaskID, snap.CurrentTaskGen); err != nil {
		return err
	}
	return nil
}

func handleTaskProgress(c *Connection, raw []byte) error {
	var f taskProgressFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("malformed task_progress: %w", err)
	}
	gen, err := requireGeneration(f.Generation)
	if err != nil {
		return err
	}
	agentID := c.agentIDLocked()

	machine := c.manager.machineFor(agentID)
	snap := machine.GetState()
	if snap.State == types.AgentAssigned {
		if err := machine.OnStartWork(f.TaskID); err != nil {
			return err
		}
	}

	if err := c.manager.tasks.UpdateProgress(f.TaskID, agentID, gen, f.Snippet); err != nil {
		return err
	}
	return nil
}

func handleTaskComplete(c *Connection, raw []byte) error {
	var f taskCompleteFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("malformed task_complete: %w", err)
	}
	gen, err := requireGeneration(f.Generation)
	if err != nil {
		return err
	}
	agentID := c.agentIDLocked()

	if _, err := c.manager.tasks.Complete(f.TaskID, agentID, gen, f.Result, f.TokensUsed); err != nil {
		return err
	}
	return c.manager.machineFor(agentID).OnCompleteOrFail()
}

func handleTaskFailed(c *Connection, raw []byte) error {
	var f taskFailedFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("malformed task_failed: %w", err)
	}
	gen, err := requireGeneration(f.Generation)
	if err != nil {
		return err
	}
	agentID := c.agentIDLocked()

	if _, _, err := c.manager.tasks.Fail(f.TaskID, agentID, gen, f.Reason); err != nil {
		return err
	}
	return c.manager.machineFor(agentID).OnCompleteOrFail()
}

// handleTaskRecovering answers a reconnecting agent's claim that it is
// still working a task: confirm with task_continue if its generation
// still matches the authoritative record, or supersede it with
// task_reassign if the task has since moved on (spec §4.G.2, §7 scenario
// "agent reconnects mid-task").
func handleTaskRecovering(c *Connection, raw []byte) error {
	var f taskRecoveringFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("malformed task_recovering: %w", err)
	}
	agentID := c.agentIDLocked()

	task, err := c.manager.tasks.Get(f.TaskID)
	if err != nil {
		if err == apierr.ErrNotFound {
			c.sendTaskReassign(f.TaskID)
			return nil
		}
		return err
	}

	if task.AssignedTo == agentID && task.Status == types.TaskAssigned {
		// The FSM came back up OFFLINE->IDLE on identify; resuming a task
		// it still holds in the Task Queue means walking it straight
		// through ASSIGNED into WORKING, which also cancels the
		// (already-irrelevant) acceptance timer.
		machine := c.manager.machineFor(agentID)
		if err := machine.ArmAcceptanceTimer(task.ID, task.Generation); err == nil {
			machine.OnStartWork(task.ID)
		}
		c.manager.presence.SetFSMState(agentID, machine.GetState().State, task.ID, task.Generation)
		c.sendTaskContinue(task.ID, task.Generation)
		return nil
	}

	c.sendTaskReassign(f.TaskID)
	return nil
}

func handleTaskRejected(c *Connection, raw []byte) error {
	var f taskRejectedFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("malformed task_rejected: %w", err)
	}
	agentID := c.agentIDLocked()

	reason := f.Reason
	if reason == "" {
		reason = "rejected_by_agent"
	}
	if err := c.manager.tasks.Reclaim(f.TaskID, reason); err != nil {
		return err
	}
	return c.manager.machineFor(agentID).OnCompleteOrFail()
}
