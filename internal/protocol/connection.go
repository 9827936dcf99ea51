package protocol

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/types"
)

var log = logging.New("PROTOCOL")

// connState is the per-connection state machine (spec §4.G.1).
type connState int

const (
	stateUnidentified connState = iota
	stateIdentified
	stateClosing
)

const (
	outboundQueueSize  = 256
	readTimeout        = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pingInterval       = 20 * time.Second
	validationWindow   = 60 * time.Second
)

// Connection binds one WebSocket to (once identified) a specific agent_id.
// It owns its outbound frame sink; the FSM and Scheduler only ever send it
// messages, never write frames directly (spec §5).
type Connection struct {
	ws      *websocket.Conn
	manager *Manager

	send chan []byte

	mu              sync.Mutex
	state           connState
	agentID         string
	validationLimit *rate.Limiter // approximates "threshold violations per 60s"
}

func newConnection(ws *websocket.Conn, manager *Manager) *Connection {
	threshold := manager.cfg.ValidationFailureThreshold
	if threshold <= 0 {
		threshold = 10
	}
	// Burst = threshold, refilling once every validationWindow/threshold —
	// approximates "threshold failures within validationWindow" without a
	// sliding-window allocation per frame.
	limiter := rate.NewLimiter(rate.Every(validationWindow/time.Duration(threshold)), threshold)

	return &Connection{
		ws:              ws,
		manager:         manager,
		send:            make(chan []byte, outboundQueueSize),
		state:           stateUnidentified,
		validationLimit: limiter,
	}
}

// Run drives the connection's read and write pumps until the socket
// closes. It must be called from its own goroutine per accepted
// connection.
func (c *Connection) Run() {
	done := make(chan struct{})
	go c.writePump(done)
	c.readPump()
	close(done)
	c.teardown()
}

func (c *Connection) readPump() {
	c.ws.SetReadLimit(1 << 20)
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleRaw(raw)

		c.mu.Lock()
		closing := c.state == stateClosing
		c.mu.Unlock()
		if closing {
			return
		}
	}
}

func (c *Connection) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				// Close the socket outright so readPump's blocking
				// ReadMessage unblocks even if the peer never reacts to
				// the close frame (e.g. it is the unresponsive agent a
				// heartbeat timeout is closing).
				c.ws.Close()
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// enqueue writes raw to the bounded outbound queue; overflow terminates
// the connection (spec §5: "Connection outbound queues are bounded;
// overflow terminates the connection").
func (c *Connection) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	default:
		log.Printf("agent %s outbound queue full, closing connection", c.agentIDLocked())
		c.requestClose("outbound_overflow")
	}
}

func (c *Connection) agentIDLocked() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *Connection) handleRaw(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.reject("validation_failed", "malformed frame")
		return
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == stateUnidentified && env.Type != "identify" {
		c.reject("not_identified", "must identify before sending "+env.Type)
		return
	}

	if err := dispatch(c, env.Type, raw); err != nil {
		c.reject("validation_failed", err.Error())
	}
}

// reject handles a validation failure: reply with an error frame, and if
// the connection has exceeded its validation-failure budget, close it and
// impose the exponential reconnect cooldown (spec §4.G.4).
func (c *Connection) reject(code, details string) {
	c.sendError(code, details)

	if !c.validationLimit.Allow() {
		agentID := c.agentIDLocked()
		cooldown := c.manager.cooldowns.Trip(agentID)
		log.Printf("connection for agent %q exceeded validation-failure threshold, closing; cooldown=%v", agentID, cooldown)
		c.requestClose("validation_abuse")
	}
}

func (c *Connection) sendError(code, message string) {
	c.enqueue(marshal(errorFrame{Type: "error", Code: code, Message: message}))
}

func (c *Connection) requestClose(reason string) {
	c.mu.Lock()
	if c.state == stateClosing {
		c.mu.Unlock()
		return
	}
	c.state = stateClosing
	c.mu.Unlock()

	close(c.send)
}

// teardown runs once the socket has fully closed: FSM disconnect,
// reclamation of any in-flight task, presence unregister, and the
// agent_left broadcast (spec §4.G.5).
func (c *Connection) teardown() {
	c.mu.Lock()
	agentID := c.agentID
	c.mu.Unlock()

	if agentID == "" {
		return
	}
	c.manager.handleDisconnect(agentID, c)
}

// sendIdentified, sendPong, etc. are thin wrappers used by the dispatch
// table in dispatch.go.

func (c *Connection) sendIdentified(agentID string) {
	c.enqueue(marshal(identifiedFrame{Type: "identified", AgentID: agentID}))
}

func (c *Connection) sendPong() {
	c.enqueue(marshal(pongFrame{Type: "pong", ServerTime: time.Now().UnixMilli()}))
}

func (c *Connection) sendTaskAssign(t *types.Task) {
	c.enqueue(marshal(taskAssignFrame{
		Type:        "task_assign",
		TaskID:      t.ID,
		Description: t.Description,
		Metadata:    t.Metadata,
		Generation:  t.Generation,
		CompleteBy:  t.CompleteBy,
	}))
}

func (c *Connection) sendTaskContinue(taskID string, generation int64) {
	c.enqueue(marshal(taskContinueFrame{Type: "task_continue", TaskID: taskID, Generation: generation}))
}

func (c *Connection) sendTaskReassign(taskID string) {
	c.enqueue(marshal(taskReassignFrame{Type: "task_reassign", TaskID: taskID}))
}

// broadcastRaw enqueues a pre-marshalled frame from the Manager's
// presence-event relay (Manager.broadcastAll), bypassing the per-frame
// sendXxx helpers since the same raw bytes go to every connection.
func (c *Connection) broadcastRaw(raw []byte) {
	c.enqueue(raw)
}

// requireGeneration extracts a generation field, treating a missing or
// non-numeric value as stale (spec §4.G.2: "Missing or non-string
// generation values are treated as stale and rejected" — generalized here
// to "missing numeric generation", since the wire type is a JSON number).
func requireGeneration(g *int64) (int64, error) {
	if g == nil {
		return 0, fmt.Errorf("%w: missing generation", apierr.ErrStaleGeneration)
	}
	return *g, nil
}
