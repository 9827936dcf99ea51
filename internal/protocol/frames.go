// Package protocol implements the Agent Protocol Machine (spec §4.G): the
// per-connection WebSocket frame state machine that translates JSON
// frames into Task Queue (§4.E), Agent FSM (§4.D), and Presence Registry
// (§4.C) calls. Grounded in the teacher's internal/server/hub.go Client
// readPump/writePump plumbing, generalized from a dashboard-only
// broadcast hub (which never parsed incoming frames) into a full
// bidirectional protocol, and in
// other_examples/28ce6476_leapmux-leapmux__internal-hub-service-worker_connector_service.go.go's
// idle-timeout-plus-typed-dispatch shape for the per-connection loop.
package protocol

import "encoding/json"

// envelope is used only to read the discriminating "type" tag before
// unmarshalling the rest of the frame into its typed payload.
type envelope struct {
	Type string `json:"type"`
}

// Inbound frame payloads (spec §4.G.2).

type identifyFrame struct {
	AgentID      string   `json:"agent_id"`
	Token        string   `json:"token"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status,omitempty"`
}

type statusFrame struct {
	Status string `json:"status"`
}

type taskAcceptedFrame struct {
	TaskID string `json:"task_id"`
}

type taskProgressFrame struct {
	TaskID     string `json:"task_id"`
	Generation *int64 `json:"generation"`
	Snippet    string `json:"snippet,omitempty"`
}

type taskCompleteFrame struct {
	TaskID     string `json:"task_id"`
	Generation *int64 `json:"generation"`
	Result     string `json:"result"`
	TokensUsed int64  `json:"tokens_used,omitempty"`
}

type taskFailedFrame struct {
	TaskID     string `json:"task_id"`
	Generation *int64 `json:"generation"`
	Reason     string `json:"reason"`
}

type taskRecoveringFrame struct {
	TaskID string `json:"task_id"`
}

type taskRejectedFrame struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// Outbound frame payloads (spec §4.G.3).

type identifiedFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

type pongFrame struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"server_time"`
}

type taskAssignFrame struct {
	Type        string            `json:"type"`
	TaskID      string            `json:"task_id"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Generation  int64             `json:"generation"`
	CompleteBy  int64             `json:"complete_by,omitempty"`
}

type taskContinueFrame struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Generation int64  `json:"generation"`
}

type taskReassignFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

type agentJoinedFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

type agentLeftFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

type statusChangedFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

func marshal(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Every outbound frame here is a fixed, marshalable struct; a
		// failure indicates a programming error, not a runtime condition.
		panic("protocol: marshal outbound frame: " + err.Error())
	}
	return raw
}
