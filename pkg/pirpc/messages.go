// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pirpc is the message-level contract with a Pi worker process.
// The Client correlates request ids over any Transport; an in-memory pipe
// and a newline-delimited JSON stream transport are provided.
package pirpc

import (
	"encoding/json"
	"time"
)

// Worker RPC methods.
const (
	MethodSessionInit             = "session.init"
	MethodSessionClose            = "session.close"
	MethodSessionKill             = "session.kill"
	MethodSessionSend             = "session.send"
	MethodSessionSendStream       = "session.send_stream"
	MethodSessionSubmitToolResult = "session.submit_tool_result"
	MethodSessionStatus           = "session.status"
	MethodSessionSwitchModel      = "session.switch_model"
	MethodSessionSwitchProvider   = "session.switch_provider"
	MethodSessionRestore          = "session.restore"
	MethodSessionCheckpoint       = "session.checkpoint"
	MethodTreeGet                 = "tree.get"
	MethodTreeBranch              = "tree.branch"
	MethodTreeSwitchBranch        = "tree.switch_branch"
	MethodTreeFork                = "tree.fork"
	MethodTreeCompact             = "tree.compact"
)

// Frame envelope types.
const (
	FrameRequest      = "request"
	FrameResponse     = "response"
	FrameNotification = "notification"
	FrameStream       = "stream"
)

// Frame is the wire envelope. Request/response pairs correlate by ID;
// stream chunks correlate by RequestID.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Chunk     json.RawMessage `json:"chunk,omitempty"`
}

// WireError is a worker-reported failure.
type WireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ToolCall is a worker-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult reports a tool invocation's outcome back to the worker.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// InitRequest starts a worker-side session.
type InitRequest struct {
	Provider       string   `json:"provider"`
	Model          string   `json:"model"`
	Tools          []string `json:"tools"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	WorktreePath   string   `json:"worktree_path,omitempty"`
	InheritContext bool     `json:"inherit_context,omitempty"`
}

// InitResponse acknowledges session creation.
type InitResponse struct {
	SessionID    string    `json:"session_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Tools        []string  `json:"tools"`
	CreatedAt    time.Time `json:"created_at"`
	WorktreePath string    `json:"worktree_path,omitempty"`
}

// SendRequest delivers a user message, optionally with tool results.
type SendRequest struct {
	Content     string       `json:"content"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Checkpoint  bool         `json:"checkpoint,omitempty"`
}

// SendResponse is the worker's reply to a send.
type SendResponse struct {
	MessageID     string     `json:"message_id"`
	Content       string     `json:"content"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
	CheckpointRef string     `json:"checkpoint_ref,omitempty"`
}

// Stream chunk types for session.send_stream.
const (
	ChunkContent    = "content"
	ChunkToolCall   = "tool_call"
	ChunkToolResult = "tool_result"
	ChunkError      = "error"
	ChunkDone       = "done"
)

// StreamChunk is one element of a send_stream response. The sequence is
// finite and ends with a done or error chunk.
type StreamChunk struct {
	Type       string      `json:"type"`
	Content    string      `json:"content,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// SubmitToolResultRequest reports one tool result outside a send.
type SubmitToolResultRequest struct {
	ToolCallID string `json:"tool_call_id"`
	Result     any    `json:"result"`
}

// TokenUsage is the worker's token accounting.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// StatusResponse reports worker-side session state.
type StatusResponse struct {
	SessionID      string     `json:"session_id"`
	State          string     `json:"state"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	MessageCount   int        `json:"message_count"`
	TokenUsage     TokenUsage `json:"token_usage"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// SwitchModelRequest changes the worker's model in place.
type SwitchModelRequest struct {
	Model string `json:"model"`
}

// SwitchProviderRequest changes the worker's provider in place.
type SwitchProviderRequest struct {
	Provider string `json:"provider"`
}

// RestoreRequest rehydrates a worker session from serialized state.
type RestoreRequest struct {
	SessionID string         `json:"session_id"`
	State     map[string]any `json:"state"`
}

// TreeBranchRequest creates a branch from a node.
type TreeBranchRequest struct {
	FromNodeID string `json:"from_node_id"`
	Name       string `json:"name"`
}

// TreeSwitchBranchRequest switches the active branch.
type TreeSwitchBranchRequest struct {
	BranchID string `json:"branch_id"`
}

// TreeForkRequest forks the conversation at a node.
type TreeForkRequest struct {
	FromNodeID string `json:"from_node_id"`
}

// TreeCompactRequest compacts history above a token threshold.
type TreeCompactRequest struct {
	Threshold int `json:"threshold"`
}

// Notification event names.
const (
	EventStatusChange = "status_change"
	EventModelChange  = "model_change"
)

// Notification is a server-initiated event.
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ModelChangeData is the payload of a model_change notification.
type ModelChangeData struct {
	Model    string `json:"model"`
	Previous string `json:"previous"`
}
