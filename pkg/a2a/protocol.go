// Package a2a defines the canonical data model shared by every protocol
// runtime: agent cards, tasks, messages, artifacts and streaming updates.
// The shapes follow the open A2A protocol wire format; the proprietary
// AgentArea protocol reuses the same task model with additional operations.
package a2a

import (
	"time"
)

// ============================================================================
// PROTOCOL IDENTIFIERS
// ============================================================================

// Protocol tags a runtime implementation. Dispatch on this value, never on
// concrete types.
type Protocol string

const (
	ProtocolA2A       Protocol = "a2a"
	ProtocolAgentArea Protocol = "agentarea"
)

// ============================================================================
// RPC METHOD VOCABULARY
// Fixed method names used by the transports. The A2A set mirrors the open
// protocol; the AgentArea set is the proprietary extension surface.
// ============================================================================

const (
	MethodMessageSend     = "message.send"
	MethodMessageStream   = "message.stream"
	MethodTaskGet         = "task.get"
	MethodTaskCancel      = "task.cancel"
	MethodTaskResubscribe = "task.resubscribe"

	MethodAuthValidate = "auth.validate"
	MethodTaskSubmit   = "task.submit"
	MethodTaskBatch    = "task.batch"

	MethodTemplateList    = "template.list"
	MethodTemplateGet     = "template.get"
	MethodScheduleCreate  = "schedule.create"
	MethodScheduleList    = "schedule.list"
	MethodScheduleDelete  = "schedule.delete"
	MethodAnalyticsUsage  = "analytics.usage"
	MethodAnalyticsTasks  = "analytics.tasks"
	MethodAnalyticsAgents = "analytics.agents"
)

// WellKnownCardPath is the discovery path for agent capability manifests.
const WellKnownCardPath = "/.well-known/agent-card.json"

// LegacyCardPath is the pre-1.0 discovery path still served by older agents.
const LegacyCardPath = "/.well-known/agent.json"

// ============================================================================
// AGENT CARD - Discovery & Capability Advertisement
// ============================================================================

// AgentCard is the capability manifest discovered from a remote agent.
type AgentCard struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Version      string            `json:"version,omitempty"`
	URL          string            `json:"url,omitempty"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Endpoints    map[string]string `json:"endpoints,omitempty"`
	Features     CardFeatures      `json:"features"`
}

// CardFeatures advertises optional protocol features.
type CardFeatures struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// Capability is a named input/output-typed function an agent exposes.
type Capability struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	InputTypes  []string `json:"inputTypes,omitempty"`
	OutputTypes []string `json:"outputTypes,omitempty"`
}

// ============================================================================
// TASK - Unit of Work
// ============================================================================

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateRejected      TaskState = "rejected"
)

// Terminal reports whether a task in this state will never change again.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed, TaskStateRejected:
		return true
	}
	return false
}

// Valid reports whether s is a recognized task state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired,
		TaskStateCompleted, TaskStateCanceled, TaskStateFailed, TaskStateRejected:
		return true
	}
	return false
}

// Task is a unit of work submitted to an agent.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId,omitempty"`
	Status    TaskStatus     `json:"status"`
	Messages  []Message      `json:"messages,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Error     *TaskError     `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatus carries the current state plus progress information.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Progress  float64   `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// TaskError describes why a task failed or was rejected.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *TaskError) Error() string {
	return e.Code + ": " + e.Message
}

// TaskInput is the caller-supplied input for task submission.
type TaskInput struct {
	Message  Message        `json:"message"`
	TaskID   string         `json:"taskId,omitempty"` // continue an existing task
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ============================================================================
// MESSAGE / PART - Conversation Content
// ============================================================================

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	MessageRoleUser  MessageRole = "user"
	MessageRoleAgent MessageRole = "agent"
)

// Message is a single conversational turn.
type Message struct {
	Role  MessageRole `json:"role"`
	Parts []Part      `json:"parts"`
}

// PartType discriminates the Part union.
type PartType string

const (
	PartTypeText PartType = "text"
	PartTypeFile PartType = "file"
	PartTypeData PartType = "data"
)

// Part is one piece of message content (union on Type).
type Part struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	File *FilePart `json:"file,omitempty"`

	Data     any    `json:"data,omitempty"`
	DataType string `json:"dataType,omitempty"` // MIME type of Data
}

// FilePart references file content inline or by URI.
type FilePart struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Artifact is an output produced by a task.
type Artifact struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parts       []Part `json:"parts"`
}

// ============================================================================
// TASK UPDATES - Streaming / Polling Events
// ============================================================================

// UpdateKind discriminates task update events.
type UpdateKind string

const (
	UpdateKindStatus   UpdateKind = "task-status-update"
	UpdateKindArtifact UpdateKind = "artifact-update"
	UpdateKindMessage  UpdateKind = "message"
)

// TaskUpdate is one incremental update for a running task, delivered over a
// stream, a socket, or synthesized by the polling fallback.
type TaskUpdate struct {
	Kind      UpdateKind  `json:"kind"`
	TaskID    string      `json:"taskId"`
	Status    *TaskStatus `json:"status,omitempty"`
	Artifact  *Artifact   `json:"artifact,omitempty"`
	Message   *Message    `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ============================================================================
// RPC PARAMETER SHAPES
// ============================================================================

// SendParams is the parameter object for message.send / task.submit.
type SendParams struct {
	Message  Message        `json:"message"`
	TaskID   string         `json:"taskId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueryParams is the parameter object for task.get.
type QueryParams struct {
	TaskID string `json:"taskId"`
}

// CancelParams is the parameter object for task.cancel.
type CancelParams struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// BatchSubmitParams is the parameter object for task.batch (AgentArea).
type BatchSubmitParams struct {
	Tasks []SendParams `json:"tasks"`
}
