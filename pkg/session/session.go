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

// Package session drives the worker session lifecycle: creation, pause and
// resume, checkpointing with an auto cadence, migration between instances,
// and the send/intercept/tree message pipeline.
package session

import (
	"fmt"
	"time"

	"github.com/kadirpekel/piplane/pkg/interceptor"
	"github.com/kadirpekel/piplane/pkg/pirpc"
	"github.com/kadirpekel/piplane/pkg/providers"
)

// State is a session lifecycle state.
type State string

const (
	StateCreating    State = "creating"
	StateActive      State = "active"
	StatePaused      State = "paused"
	StateResuming    State = "resuming"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
	StateFailed      State = "failed"
)

// transitions is the legal state machine. Terminal states have no
// successors.
var transitions = map[State][]State{
	StateCreating:    {StateActive, StateFailed},
	StateActive:      {StatePaused, StateTerminating, StateFailed},
	StatePaused:      {StateResuming, StateTerminating, StateFailed},
	StateResuming:    {StateActive, StateFailed},
	StateTerminating: {StateTerminated, StateFailed},
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal state transition.
type TransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.SessionID, e.From, e.To)
}

// Error codes for SessionError.
const (
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionInitFailed = "SESSION_INIT_FAILED"
	CodeNoInstance        = "NO_INSTANCE_AVAILABLE"
	CodeSessionNotActive  = "SESSION_NOT_ACTIVE"
	CodeMigrationFailed   = "MIGRATION_FAILED"
	CodeCheckpointFailed  = "CHECKPOINT_FAILED"
)

// SessionError wraps a session operation failure with a stable code.
type SessionError struct {
	Code      string
	SessionID string
	Message   string
	Err       error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("%s: session %s: %s", e.Code, e.SessionID, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() error { return e.Err }

// MigrationError reports a failed migration, including the rollback
// outcome.
type MigrationError struct {
	SessionID        string
	SourceInstanceID string
	TargetInstanceID string
	Reason           string
	RolledBack       bool
	Err              error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("MIGRATION_FAILED: session %s: %s -> %s: %s (rolled back: %t)",
		e.SessionID, e.SourceInstanceID, e.TargetInstanceID, e.Reason, e.RolledBack)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// PersistenceConfig controls checkpointing and compaction for a session.
// A nil AutoCheckpoint defaults to enabled.
type PersistenceConfig struct {
	AutoCheckpoint     *bool `json:"auto_checkpoint,omitempty"`
	CheckpointInterval int   `json:"checkpoint_interval,omitempty"`
	CompactThreshold   int   `json:"compact_threshold,omitempty"`
}

// Persistence defaults.
const (
	DefaultCheckpointInterval = 10
	DefaultCompactThreshold   = 4000
)

// Config is the caller-supplied session configuration.
type Config struct {
	AgentID              string            `json:"agent_id,omitempty"`
	Provider             providers.ID      `json:"provider"`
	Model                string            `json:"model,omitempty"`
	Tools                []string          `json:"tools,omitempty"`
	SystemPrompt         string            `json:"system_prompt,omitempty"`
	WorktreePath         string            `json:"worktree_path,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Region               string            `json:"region,omitempty"`
	Persistence          PersistenceConfig `json:"persistence"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
}

// normalize fills persistence defaults in place.
func (c *Config) normalize() {
	if c.Persistence.AutoCheckpoint == nil {
		enabled := true
		c.Persistence.AutoCheckpoint = &enabled
	}
	if c.Persistence.CheckpointInterval <= 0 {
		c.Persistence.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.Persistence.CompactThreshold <= 0 {
		c.Persistence.CompactThreshold = DefaultCompactThreshold
	}
}

func (c *Config) autoCheckpoint() bool {
	return c.Persistence.AutoCheckpoint == nil || *c.Persistence.AutoCheckpoint
}

// Session is the control-plane view of one worker session.
type Session struct {
	ID         string `json:"id"`
	AgentID    string `json:"agent_id,omitempty"`
	State      State  `json:"state"`
	InstanceID string `json:"instance_id"`
	Config     Config `json:"config"`

	RootNodeID    string `json:"root_node_id,omitempty"`
	CurrentNodeID string `json:"current_node_id,omitempty"`

	PendingToolCalls   map[string]pirpc.ToolCall      `json:"pending_tool_calls,omitempty"`
	CompletedToolCalls map[string]*interceptor.Result `json:"completed_tool_calls,omitempty"`
	CurrentToolCallID  string                         `json:"current_tool_call_id,omitempty"`

	MessageCount    int `json:"message_count"`
	CheckpointCount int `json:"checkpoint_count"`
	TokenCount      int `json:"token_count"`

	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	LastCheckpointAt time.Time `json:"last_checkpoint_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a snapshot copy safe to hand to callers.
func (s *Session) Clone() *Session {
	out := *s
	out.PendingToolCalls = make(map[string]pirpc.ToolCall, len(s.PendingToolCalls))
	for k, v := range s.PendingToolCalls {
		out.PendingToolCalls[k] = v
	}
	out.CompletedToolCalls = make(map[string]*interceptor.Result, len(s.CompletedToolCalls))
	for k, v := range s.CompletedToolCalls {
		out.CompletedToolCalls[k] = v
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Event is a session lifecycle notification.
type Event interface {
	Kind() string
}

// StateChanged is emitted on every legal transition.
type StateChanged struct {
	SessionID string
	Before    State
	After     State
}

func (StateChanged) Kind() string { return "session.state_changed" }

// Checkpointed is emitted after a successful checkpoint.
type Checkpointed struct {
	SessionID    string
	CheckpointID string
	Trigger      string
}

func (Checkpointed) Kind() string { return "session.checkpointed" }

// Failed is emitted when a background task moves a session to failed.
type Failed struct {
	SessionID string
	Err       error
}

func (Failed) Kind() string { return "session.failed" }

// EventHandler receives session events.
type EventHandler func(Event)
