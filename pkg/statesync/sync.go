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

package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/piplane/pkg/tree"
)

// Metrics receives storage-tier observations. Implementations must be safe
// for concurrent use.
type Metrics interface {
	CacheHit(kind string)
	CacheMiss(kind string)
	DegradedWrite(op string)
}

type noopMetrics struct{}

func (noopMetrics) CacheHit(string)      {}
func (noopMetrics) CacheMiss(string)     {}
func (noopMetrics) DegradedWrite(string) {}

// Synchronizer coordinates the cache and durable tiers.
//
// Writes go to both tiers and succeed if either tier accepts them; a single
// tier failure degrades the write and is logged, not surfaced. Reads try the
// cache first and repopulate it from the durable store on miss. The two
// tiers are not written atomically; the durable store is authoritative.
type Synchronizer struct {
	cache   Cache
	store   DurableStore
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SyncOption {
	return func(s *Synchronizer) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) SyncOption {
	return func(s *Synchronizer) { s.metrics = m }
}

func withClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer creates a Synchronizer over the two tiers.
func NewSynchronizer(cache Cache, store DurableStore, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		cache:   cache,
		store:   store,
		logger:  slog.Default(),
		metrics: noopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func checkpointKey(id string) string     { return "checkpoint:" + id }
func sessionStateKey(id string) string   { return "session:" + id + ":state" }
func treeStateKey(id string) string      { return "session:" + id + ":tree" }
func checkpointListKey(id string) string { return "session:" + id + ":checkpoints" }

// dualWrite applies the tiering policy to a paired write.
func (s *Synchronizer) dualWrite(op string, cacheFn, storeFn func() error) error {
	cacheErr := cacheFn()
	storeErr := storeFn()
	switch {
	case cacheErr == nil && storeErr == nil:
		return nil
	case cacheErr != nil && storeErr != nil:
		return &StorageError{Code: CodeStorageUnavailable, Op: op, CacheErr: cacheErr, StoreErr: storeErr}
	case cacheErr != nil:
		s.metrics.DegradedWrite(op)
		s.logger.Warn("Cache write failed, durable store accepted", "op", op, "error", cacheErr)
	default:
		s.metrics.DegradedWrite(op)
		s.logger.Warn("Durable write failed, cache accepted", "op", op, "error", storeErr)
	}
	return nil
}

// checkpointEnvelope is the cache payload for a checkpoint. State stays
// marker-encoded so the round trip is lossless.
type checkpointEnvelope struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	CreatedAt time.Time          `json:"created_at"`
	Trigger   Trigger            `json:"trigger"`
	State     json.RawMessage    `json:"state"`
	Metadata  CheckpointMetadata `json:"metadata"`
}

func (e *checkpointEnvelope) toData() (*CheckpointData, error) {
	state, err := UnmarshalState(e.State)
	if err != nil {
		return nil, err
	}
	return &CheckpointData{
		ID:        e.ID,
		SessionID: e.SessionID,
		CreatedAt: e.CreatedAt,
		Trigger:   e.Trigger,
		State:     state,
		Metadata:  e.Metadata,
	}, nil
}

func recordToEnvelope(rec *CheckpointRecord) (*checkpointEnvelope, error) {
	var meta CheckpointMetadata
	if err := json.Unmarshal(rec.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint metadata %s: %w", rec.ID, err)
	}
	return &checkpointEnvelope{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		CreatedAt: rec.CreatedAt,
		Trigger:   meta.Trigger,
		State:     json.RawMessage(rec.State),
		Metadata:  meta,
	}, nil
}

// newCheckpointID builds an id that sorts by creation time.
func (s *Synchronizer) newCheckpointID() string {
	return fmt.Sprintf("ckpt_%d_%s", s.now().UnixNano(), uuid.NewString()[:8])
}

// SaveCheckpoint persists a checkpoint of state and returns its descriptor.
func (s *Synchronizer) SaveCheckpoint(ctx context.Context, sessionID string, state map[string]any, trigger Trigger) (*CheckpointData, error) {
	encoded, err := MarshalState(state)
	if err != nil {
		return nil, err
	}

	meta := CheckpointMetadata{Trigger: trigger}
	if v, ok := state["message_count"].(int); ok {
		meta.MessageCount = v
	}
	if v, ok := state["token_count"].(int); ok {
		meta.TokenCount = v
	}
	if v, ok := state["worker_checkpoint_ref"].(string); ok {
		meta.WorkerCheckpointRef = v
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}

	env := &checkpointEnvelope{
		ID:        s.newCheckpointID(),
		SessionID: sessionID,
		CreatedAt: s.now().UTC(),
		Trigger:   trigger,
		State:     encoded,
		Metadata:  meta,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	err = s.dualWrite("save_checkpoint",
		func() error {
			if err := s.cache.Set(ctx, checkpointKey(env.ID), payload, CheckpointTTL); err != nil {
				return err
			}
			return s.cache.PushList(ctx, checkpointListKey(sessionID), env.ID, CheckpointTTL)
		},
		func() error {
			return s.store.SaveCheckpoint(ctx, &CheckpointRecord{
				ID:        env.ID,
				SessionID: sessionID,
				State:     encoded,
				Metadata:  metaJSON,
				CreatedAt: env.CreatedAt,
			})
		})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Saved checkpoint", "checkpoint_id", env.ID, "session_id", sessionID, "trigger", trigger)
	return env.toData()
}

// LoadCheckpoint returns a checkpoint, or nil when it does not exist.
func (s *Synchronizer) LoadCheckpoint(ctx context.Context, checkpointID string) (*CheckpointData, error) {
	if payload, found, err := s.cache.Get(ctx, checkpointKey(checkpointID)); err == nil && found {
		var env checkpointEnvelope
		if err := json.Unmarshal(payload, &env); err == nil {
			s.metrics.CacheHit("checkpoint")
			return env.toData()
		}
		s.logger.Warn("Discarding undecodable cached checkpoint", "checkpoint_id", checkpointID)
	} else if err != nil {
		s.logger.Warn("Cache read failed", "checkpoint_id", checkpointID, "error", err)
	}
	s.metrics.CacheMiss("checkpoint")

	rec, err := s.store.LoadCheckpoint(ctx, checkpointID)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	env, err := recordToEnvelope(rec)
	if err != nil {
		return nil, err
	}
	s.repopulateCheckpoint(ctx, env)
	return env.toData()
}

func (s *Synchronizer) repopulateCheckpoint(ctx context.Context, env *checkpointEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, checkpointKey(env.ID), payload, CheckpointTTL); err != nil {
		s.logger.Warn("Failed to repopulate checkpoint cache", "checkpoint_id", env.ID, "error", err)
	}
}

// ListCheckpoints returns a session's checkpoints newest first.
func (s *Synchronizer) ListCheckpoints(ctx context.Context, sessionID string) ([]*CheckpointData, error) {
	ids, err := s.cache.ListRange(ctx, checkpointListKey(sessionID), 0, -1)
	if err == nil && len(ids) > 0 {
		s.metrics.CacheHit("checkpoint_list")
		out := make([]*CheckpointData, 0, len(ids))
		for _, id := range ids {
			data, err := s.LoadCheckpoint(ctx, id)
			if err != nil {
				return nil, err
			}
			if data != nil {
				out = append(out, data)
			}
		}
		return out, nil
	}
	if err != nil {
		s.logger.Warn("Cache list read failed", "session_id", sessionID, "error", err)
	}
	s.metrics.CacheMiss("checkpoint_list")

	recs, err := s.store.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*CheckpointData, 0, len(recs))
	// Repopulate oldest first so the newest id ends up at the list head.
	for i := len(recs) - 1; i >= 0; i-- {
		env, err := recordToEnvelope(recs[i])
		if err != nil {
			return nil, err
		}
		s.repopulateCheckpoint(ctx, env)
		if err := s.cache.PushList(ctx, checkpointListKey(sessionID), env.ID, CheckpointTTL); err != nil {
			s.logger.Warn("Failed to repopulate checkpoint list", "session_id", sessionID, "error", err)
		}
	}
	for _, rec := range recs {
		env, err := recordToEnvelope(rec)
		if err != nil {
			return nil, err
		}
		data, err := env.toData()
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// DeleteCheckpoint removes a checkpoint from both tiers.
func (s *Synchronizer) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	// The session id is needed to trim the cache list; resolve it from
	// whichever tier still has the record.
	var sessionID string
	if data, err := s.LoadCheckpoint(ctx, checkpointID); err == nil && data != nil {
		sessionID = data.SessionID
	}

	return s.dualWrite("delete_checkpoint",
		func() error {
			if err := s.cache.Delete(ctx, checkpointKey(checkpointID)); err != nil {
				return err
			}
			if sessionID == "" {
				return nil
			}
			return s.cache.RemoveFromList(ctx, checkpointListKey(sessionID), checkpointID)
		},
		func() error {
			return s.store.DeleteCheckpoint(ctx, checkpointID)
		})
}

// SaveSessionState persists a session's live state.
func (s *Synchronizer) SaveSessionState(ctx context.Context, sessionID string, state map[string]any) error {
	encoded, err := MarshalState(state)
	if err != nil {
		return err
	}
	return s.dualWrite("save_session_state",
		func() error { return s.cache.Set(ctx, sessionStateKey(sessionID), encoded, SessionStateTTL) },
		func() error { return s.store.SaveSessionState(ctx, sessionID, encoded) })
}

// LoadSessionState returns a session's state, or nil when none is stored.
func (s *Synchronizer) LoadSessionState(ctx context.Context, sessionID string) (map[string]any, error) {
	if payload, found, err := s.cache.Get(ctx, sessionStateKey(sessionID)); err == nil && found {
		if state, err := UnmarshalState(payload); err == nil {
			s.metrics.CacheHit("session_state")
			return state, nil
		}
		s.logger.Warn("Discarding undecodable cached session state", "session_id", sessionID)
	} else if err != nil {
		s.logger.Warn("Cache read failed", "session_id", sessionID, "error", err)
	}
	s.metrics.CacheMiss("session_state")

	encoded, err := s.store.LoadSessionState(ctx, sessionID)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, sessionStateKey(sessionID), encoded, SessionStateTTL); err != nil {
		s.logger.Warn("Failed to repopulate session state cache", "session_id", sessionID, "error", err)
	}
	return UnmarshalState(encoded)
}

// treeEnvelope carries the tree fields that have no dedicated column.
type treeEnvelope struct {
	Branches        []*tree.Branch `json:"branches"`
	CurrentBranchID string         `json:"current_branch_id"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
}

func treeToRecord(sessionID string, t *tree.Tree, now time.Time) (*TreeRecord, error) {
	branches, err := json.Marshal(treeEnvelope{
		Branches:        t.Branches,
		CurrentBranchID: t.CurrentBranchID,
		SystemPrompt:    t.SystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree branches: %w", err)
	}
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree metadata: %w", err)
	}

	rec := &TreeRecord{
		SessionID:     sessionID,
		RootNodeID:    t.RootID,
		CurrentNodeID: t.CurrentNodeID,
		Branches:      branches,
		Metadata:      metadata,
		UpdatedAt:     now,
	}
	for _, node := range t.Nodes {
		message, err := json.Marshal(node)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tree node %s: %w", node.ID, err)
		}
		childIDs, err := json.Marshal(node.Children)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal node children %s: %w", node.ID, err)
		}
		rec.Nodes = append(rec.Nodes, NodeRecord{
			NodeID:     node.ID,
			ParentID:   node.ParentID,
			ChildIDs:   childIDs,
			Message:    message,
			TokenCount: node.TokenCount,
			CreatedAt:  node.CreatedAt,
		})
	}
	return rec, nil
}

func recordToTree(rec *TreeRecord) (*tree.Tree, error) {
	var env treeEnvelope
	if err := json.Unmarshal(rec.Branches, &env); err != nil {
		return nil, fmt.Errorf("failed to decode tree branches %s: %w", rec.SessionID, err)
	}
	var meta tree.Metadata
	if err := json.Unmarshal(rec.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode tree metadata %s: %w", rec.SessionID, err)
	}

	t := &tree.Tree{
		SessionID:       rec.SessionID,
		RootID:          rec.RootNodeID,
		CurrentBranchID: env.CurrentBranchID,
		CurrentNodeID:   rec.CurrentNodeID,
		Nodes:           make(map[string]*tree.Node, len(rec.Nodes)),
		Branches:        env.Branches,
		Metadata:        meta,
		SystemPrompt:    env.SystemPrompt,
	}
	for _, nodeRec := range rec.Nodes {
		var node tree.Node
		if err := json.Unmarshal(nodeRec.Message, &node); err != nil {
			return nil, fmt.Errorf("failed to decode tree node %s/%s: %w", rec.SessionID, nodeRec.NodeID, err)
		}
		t.Nodes[node.ID] = &node
	}
	return t, nil
}

// SaveTreeState persists a conversation tree.
func (s *Synchronizer) SaveTreeState(ctx context.Context, sessionID string, t *tree.Tree) error {
	rec, err := treeToRecord(sessionID, t, s.now().UTC())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal tree: %w", err)
	}
	return s.dualWrite("save_tree_state",
		func() error { return s.cache.Set(ctx, treeStateKey(sessionID), payload, TreeStateTTL) },
		func() error { return s.store.SaveTree(ctx, rec) })
}

// LoadTreeState returns a session's conversation tree, or nil when none is
// stored.
func (s *Synchronizer) LoadTreeState(ctx context.Context, sessionID string) (*tree.Tree, error) {
	if payload, found, err := s.cache.Get(ctx, treeStateKey(sessionID)); err == nil && found {
		var t tree.Tree
		if err := json.Unmarshal(payload, &t); err == nil {
			s.metrics.CacheHit("tree_state")
			return &t, nil
		}
		s.logger.Warn("Discarding undecodable cached tree", "session_id", sessionID)
	} else if err != nil {
		s.logger.Warn("Cache read failed", "session_id", sessionID, "error", err)
	}
	s.metrics.CacheMiss("tree_state")

	rec, err := s.store.LoadTree(ctx, sessionID)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := recordToTree(rec)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(t); err == nil {
		if err := s.cache.Set(ctx, treeStateKey(sessionID), payload, TreeStateTTL); err != nil {
			s.logger.Warn("Failed to repopulate tree cache", "session_id", sessionID, "error", err)
		}
	}
	return t, nil
}

// BatchSave groups per-session states and trees for a single SaveAll call.
type BatchSave struct {
	SessionStates map[string]map[string]any
	Trees         map[string]*tree.Tree
}

// SaveAll persists a batch of session states and trees. Cache writes go
// through one pipeline; durable upserts run per row.
func (s *Synchronizer) SaveAll(ctx context.Context, batch BatchSave) error {
	type durableWrite func() error

	var items []CacheItem
	var writes []durableWrite

	for sessionID, state := range batch.SessionStates {
		encoded, err := MarshalState(state)
		if err != nil {
			return err
		}
		items = append(items, CacheItem{Key: sessionStateKey(sessionID), Value: encoded, TTL: SessionStateTTL})
		id := sessionID
		writes = append(writes, func() error { return s.store.SaveSessionState(ctx, id, encoded) })
	}
	for sessionID, t := range batch.Trees {
		rec, err := treeToRecord(sessionID, t, s.now().UTC())
		if err != nil {
			return err
		}
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal tree: %w", err)
		}
		items = append(items, CacheItem{Key: treeStateKey(sessionID), Value: payload, TTL: TreeStateTTL})
		writes = append(writes, func() error { return s.store.SaveTree(ctx, rec) })
	}
	if len(items) == 0 {
		return nil
	}

	return s.dualWrite("save_all",
		func() error { return s.cache.SetBatch(ctx, items) },
		func() error {
			for _, write := range writes {
				if err := write(); err != nil {
					return err
				}
			}
			return nil
		})
}

// CleanupOldCheckpoints deletes all but the newest keepCount checkpoints of
// a session and returns the number removed.
func (s *Synchronizer) CleanupOldCheckpoints(ctx context.Context, sessionID string, keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}
	recs, err := s.store.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(recs) <= keepCount {
		return 0, nil
	}

	deleted := 0
	for _, rec := range recs[keepCount:] {
		if err := s.store.DeleteCheckpoint(ctx, rec.ID); err != nil {
			return deleted, err
		}
		if err := s.cache.Delete(ctx, checkpointKey(rec.ID)); err != nil {
			s.logger.Warn("Failed to evict checkpoint from cache", "checkpoint_id", rec.ID, "error", err)
		}
		if err := s.cache.RemoveFromList(ctx, checkpointListKey(sessionID), rec.ID); err != nil {
			s.logger.Warn("Failed to trim checkpoint list", "session_id", sessionID, "error", err)
		}
		deleted++
	}
	s.logger.Debug("Cleaned up old checkpoints", "session_id", sessionID, "deleted", deleted, "kept", keepCount)
	return deleted, nil
}

var _ tree.Store = (*Synchronizer)(nil)
