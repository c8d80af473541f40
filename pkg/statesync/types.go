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

// Package statesync provides dual-tier checkpoint and state persistence.
//
// Every write goes to both a fast cache (redis) and a durable store (SQL).
// A write succeeds if either tier accepts it; the durable store is
// authoritative and the cache is repopulated from it on read misses. See
// Synchronizer for the tiering policy.
package statesync

import (
	"errors"
	"fmt"
	"time"
)

// Trigger records why a checkpoint was created.
type Trigger string

const (
	TriggerAuto         Trigger = "auto"
	TriggerManual       Trigger = "manual"
	TriggerPreTool      Trigger = "pre_tool"
	TriggerPostTool     Trigger = "post_tool"
	TriggerPreMigration Trigger = "pre_migration"
	TriggerStateChange  Trigger = "state_change"
	TriggerMessageCount Trigger = "message_count"
)

// Cache TTLs per key namespace.
const (
	CheckpointTTL   = 24 * time.Hour
	SessionStateTTL = time.Hour
	TreeStateTTL    = time.Hour
)

// ErrNotFound is returned by the durable store for missing records.
var ErrNotFound = errors.New("record not found")

// Error codes for StorageError.
const (
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeStorageDegraded    = "STORAGE_DEGRADED"
)

// StorageError is raised when persistence fails. Code is stable; Op names
// the failing operation.
type StorageError struct {
	Code     string
	Op       string
	CacheErr error
	StoreErr error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s (cache: %v, store: %v)", e.Code, e.Op, e.CacheErr, e.StoreErr)
}

// Unwrap exposes the durable-store error, which is the authoritative one.
func (e *StorageError) Unwrap() error { return e.StoreErr }

// CheckpointMetadata is the summary stored alongside a checkpoint.
type CheckpointMetadata struct {
	MessageCount int     `json:"message_count"`
	TokenCount   int     `json:"token_count"`
	Trigger      Trigger `json:"trigger"`

	// WorkerCheckpointRef is the worker-side checkpoint reference, when the
	// worker produced one.
	WorkerCheckpointRef string `json:"worker_checkpoint_ref,omitempty"`
}

// CheckpointData is a stored checkpoint. State is the decoded session state.
type CheckpointData struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	CreatedAt time.Time          `json:"created_at"`
	Trigger   Trigger            `json:"trigger"`
	State     map[string]any     `json:"state"`
	Metadata  CheckpointMetadata `json:"metadata"`
}
