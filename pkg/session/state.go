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

package session

import (
	"encoding/json"
	"time"

	"github.com/kadirpekel/piplane/pkg/interceptor"
	"github.com/kadirpekel/piplane/pkg/pirpc"
	"github.com/kadirpekel/piplane/pkg/statesync"
)

// serializeLocked produces the synchronizer state map for a session. Time
// fields stay time.Time so the codec's instant markers apply; the config
// is stored whole so Restore can rehydrate it.
func (m *Manager) serializeLocked(ls *liveSession) map[string]any {
	s := ls.session
	return map[string]any{
		"session_id":       s.ID,
		"agent_id":         s.AgentID,
		"state":            string(s.State),
		"instance_id":      s.InstanceID,
		"config":           configToMap(&s.Config),
		"root_node_id":     s.RootNodeID,
		"current_node_id":  s.CurrentNodeID,
		"message_count":    s.MessageCount,
		"checkpoint_count": s.CheckpointCount,
		"token_count":      s.TokenCount,
		"created_at":       s.CreatedAt,
		"last_activity_at": s.LastActivityAt,
		"metadata":         s.Metadata,
	}
}

// deserializeSession rebuilds a session from checkpoint state. The agent
// id and config come back from the stored record rather than requiring the
// caller to re-supply them.
func deserializeSession(data *statesync.CheckpointData) *Session {
	state := data.State
	s := &Session{
		ID:                 stringValue(state, "session_id"),
		AgentID:            stringValue(state, "agent_id"),
		State:              State(stringValue(state, "state")),
		InstanceID:         stringValue(state, "instance_id"),
		RootNodeID:         stringValue(state, "root_node_id"),
		CurrentNodeID:      stringValue(state, "current_node_id"),
		MessageCount:       intValue(state, "message_count"),
		CheckpointCount:    intValue(state, "checkpoint_count"),
		TokenCount:         intValue(state, "token_count"),
		CreatedAt:          timeValue(state, "created_at"),
		LastActivityAt:     timeValue(state, "last_activity_at"),
		PendingToolCalls:   make(map[string]pirpc.ToolCall),
		CompletedToolCalls: make(map[string]*interceptor.Result),
	}
	if s.ID == "" {
		s.ID = data.SessionID
	}
	if meta, ok := state["metadata"].(map[string]any); ok {
		s.Metadata = meta
	}
	if cfg, ok := state["config"].(map[string]any); ok {
		s.Config = configFromMap(cfg)
	}
	s.Config.normalize()
	return s
}

func configToMap(cfg *Config) map[string]any {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func configFromMap(in map[string]any) Config {
	raw, err := json.Marshal(in)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

func stringValue(state map[string]any, key string) string {
	value, _ := state[key].(string)
	return value
}

func intValue(state map[string]any, key string) int {
	switch v := state[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func timeValue(state map[string]any, key string) time.Time {
	value, _ := state[key].(time.Time)
	return value
}
