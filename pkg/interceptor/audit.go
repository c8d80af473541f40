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

package interceptor

import (
	"sync"
	"time"
)

// DefaultAuditCap bounds the in-memory audit ring.
const DefaultAuditCap = 10000

// Audit event kinds.
const (
	AuditStarted   = "started"
	AuditCompleted = "completed"
	AuditFailed    = "failed"
	AuditBlocked   = "blocked"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	Event           string         `json:"event"`
	Tool            string         `json:"tool"`
	SessionID       string         `json:"session_id,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	TenantID        string         `json:"tenant_id,omitempty"`
	Args            map[string]any `json:"args,omitempty"`
	Result          any            `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	BlockingPolicy  string         `json:"blocking_policy,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// AuditFilter selects entries from a sink query. Zero fields match all.
type AuditFilter struct {
	SessionID string
	Tool      string
	Event     string
	Since     time.Time
}

func (f *AuditFilter) matches(entry *AuditEntry) bool {
	if f == nil {
		return true
	}
	if f.SessionID != "" && entry.SessionID != f.SessionID {
		return false
	}
	if f.Tool != "" && entry.Tool != f.Tool {
		return false
	}
	if f.Event != "" && entry.Event != f.Event {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// AuditSink receives audit entries. Implementations must be safe for
// concurrent use.
type AuditSink interface {
	Record(entry AuditEntry)
}

// RingAudit is the default sink: a bounded in-memory ring supporting
// filter queries. The oldest entries are dropped at capacity.
type RingAudit struct {
	mu      sync.RWMutex
	entries []AuditEntry
	cap     int
}

// NewRingAudit creates a ring sink. cap <= 0 uses DefaultAuditCap.
func NewRingAudit(capacity int) *RingAudit {
	if capacity <= 0 {
		capacity = DefaultAuditCap
	}
	return &RingAudit{cap: capacity}
}

func (r *RingAudit) Record(entry AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

// Query returns entries matching the filter, oldest first.
func (r *RingAudit) Query(filter *AuditFilter) []AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AuditEntry
	for idx := range r.entries {
		if filter.matches(&r.entries[idx]) {
			out = append(out, r.entries[idx])
		}
	}
	return out
}

// Len reports the number of retained entries.
func (r *RingAudit) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
