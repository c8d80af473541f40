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
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// CheckpointRecord is a checkpoint row as stored durably. State and Metadata
// are marker-encoded JSON.
type CheckpointRecord struct {
	ID        string
	SessionID string
	State     []byte
	Metadata  []byte
	CreatedAt time.Time
}

// NodeRecord is one conversation node row. Message holds the full serialized
// node; the remaining columns are denormalized for querying.
type NodeRecord struct {
	NodeID     string
	ParentID   string
	ChildIDs   []byte
	Message    []byte
	TokenCount int
	CreatedAt  time.Time
}

// TreeRecord is a conversation tree row plus its node rows.
type TreeRecord struct {
	SessionID     string
	RootNodeID    string
	CurrentNodeID string
	Branches      []byte
	Metadata      []byte
	UpdatedAt     time.Time
	Nodes         []NodeRecord
}

// DurableStore is the authoritative tier. Missing records return ErrNotFound.
type DurableStore interface {
	SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error
	LoadCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error)
	// ListCheckpoints returns a session's checkpoints newest first.
	ListCheckpoints(ctx context.Context, sessionID string) ([]*CheckpointRecord, error)
	DeleteCheckpoint(ctx context.Context, id string) error

	SaveSessionState(ctx context.Context, sessionID string, state []byte) error
	LoadSessionState(ctx context.Context, sessionID string) ([]byte, error)

	SaveTree(ctx context.Context, rec *TreeRecord) error
	LoadTree(ctx context.Context, sessionID string) (*TreeRecord, error)
}

// SQLStore is a DurableStore over database/sql. Supported drivers: sqlite3,
// postgres, mysql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps db. driver selects the SQL dialect for placeholders and
// upserts.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	dialect := normalizeDialect(driver)
	if dialect == "" {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func normalizeDialect(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	default:
		return ""
	}
}

// EnsureSchema creates the tables if they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == "postgres" {
		blob = "BYTEA"
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkpoints (
			id VARCHAR(128) PRIMARY KEY,
			session_id VARCHAR(128) NOT NULL,
			state %s NOT NULL,
			metadata %s NOT NULL,
			created_at BIGINT NOT NULL
		)`, blob, blob),
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints (session_id, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_states (
			session_id VARCHAR(128) PRIMARY KEY,
			state %s NOT NULL,
			updated_at BIGINT NOT NULL
		)`, blob),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversation_trees (
			session_id VARCHAR(128) PRIMARY KEY,
			root_node_id VARCHAR(128) NOT NULL,
			current_node_id VARCHAR(128) NOT NULL,
			branches %s NOT NULL,
			metadata %s NOT NULL,
			updated_at BIGINT NOT NULL
		)`, blob, blob),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversation_nodes (
			session_id VARCHAR(128) NOT NULL,
			node_id VARCHAR(128) NOT NULL,
			parent_id VARCHAR(128),
			child_ids %s,
			message %s NOT NULL,
			token_count INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (session_id, node_id)
		)`, blob, blob),
	}
	for _, stmt := range statements {
		// MySQL before 8.0.13 rejects IF NOT EXISTS on indexes; the
		// session index is best-effort there.
		if s.dialect == "mysql" && strings.HasPrefix(stmt, "CREATE INDEX") {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsert builds a dialect-appropriate upsert for the given table.
func (s *SQLStore) upsert(table string, pkCols, cols []string) string {
	all := append(append([]string{}, pkCols...), cols...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")
	base := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(all, ", "), placeholders)
	assignments := make([]string, len(cols))
	if s.dialect == "mysql" {
		for i, c := range cols {
			assignments[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return base + " ON DUPLICATE KEY UPDATE " + strings.Join(assignments, ", ")
	}
	for i, c := range cols {
		assignments[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		base, strings.Join(pkCols, ", "), strings.Join(assignments, ", "))
}

func (s *SQLStore) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	query := s.rebind(s.upsert("checkpoints",
		[]string{"id"},
		[]string{"session_id", "state", "metadata", "created_at"}))
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.State, rec.Metadata, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) LoadCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error) {
	query := s.rebind(`SELECT id, session_id, state, metadata, created_at FROM checkpoints WHERE id = ?`)
	rec, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*CheckpointRecord, error) {
	query := s.rebind(`SELECT id, session_id, state, metadata, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteCheckpoint(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM checkpoints WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) SaveSessionState(ctx context.Context, sessionID string, state []byte) error {
	query := s.rebind(s.upsert("session_states",
		[]string{"session_id"},
		[]string{"state", "updated_at"}))
	_, err := s.db.ExecContext(ctx, query, sessionID, state, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save session state %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLStore) LoadSessionState(ctx context.Context, sessionID string) ([]byte, error) {
	query := s.rebind(`SELECT state FROM session_states WHERE session_id = ?`)
	var state []byte
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session state %s: %w", sessionID, err)
	}
	return state, nil
}

func (s *SQLStore) SaveTree(ctx context.Context, rec *TreeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tree save: %w", err)
	}
	defer tx.Rollback()

	treeQuery := s.rebind(s.upsert("conversation_trees",
		[]string{"session_id"},
		[]string{"root_node_id", "current_node_id", "branches", "metadata", "updated_at"}))
	_, err = tx.ExecContext(ctx, treeQuery,
		rec.SessionID, rec.RootNodeID, rec.CurrentNodeID, rec.Branches, rec.Metadata,
		rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save tree %s: %w", rec.SessionID, err)
	}

	// Nodes deleted since the last save must not resurrect on load.
	deleteQuery := s.rebind(`DELETE FROM conversation_nodes WHERE session_id = ?`)
	if _, err := tx.ExecContext(ctx, deleteQuery, rec.SessionID); err != nil {
		return fmt.Errorf("failed to clear tree nodes %s: %w", rec.SessionID, err)
	}

	nodeQuery := s.rebind(s.upsert("conversation_nodes",
		[]string{"session_id", "node_id"},
		[]string{"parent_id", "child_ids", "message", "token_count", "created_at"}))
	for _, node := range rec.Nodes {
		_, err := tx.ExecContext(ctx, nodeQuery,
			rec.SessionID, node.NodeID, node.ParentID, node.ChildIDs, node.Message,
			node.TokenCount, node.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to save tree node %s/%s: %w", rec.SessionID, node.NodeID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) LoadTree(ctx context.Context, sessionID string) (*TreeRecord, error) {
	treeQuery := s.rebind(`SELECT root_node_id, current_node_id, branches, metadata, updated_at
		FROM conversation_trees WHERE session_id = ?`)
	rec := &TreeRecord{SessionID: sessionID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, treeQuery, sessionID).Scan(
		&rec.RootNodeID, &rec.CurrentNodeID, &rec.Branches, &rec.Metadata, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tree %s: %w", sessionID, err)
	}
	rec.UpdatedAt = time.Unix(0, updatedAt)

	nodeQuery := s.rebind(`SELECT node_id, parent_id, child_ids, message, token_count, created_at
		FROM conversation_nodes WHERE session_id = ?`)
	rows, err := s.db.QueryContext(ctx, nodeQuery, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tree nodes %s: %w", sessionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var node NodeRecord
		var parentID sql.NullString
		var createdAt int64
		if err := rows.Scan(&node.NodeID, &parentID, &node.ChildIDs, &node.Message,
			&node.TokenCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan tree node: %w", err)
		}
		node.ParentID = parentID.String
		node.CreatedAt = time.Unix(0, createdAt)
		rec.Nodes = append(rec.Nodes, node)
	}
	return rec, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*CheckpointRecord, error) {
	rec := &CheckpointRecord{}
	var createdAt int64
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.State, &rec.Metadata, &createdAt); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	return rec, nil
}

var _ DurableStore = (*SQLStore)(nil)

// MemoryStore is an in-process DurableStore used in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*CheckpointRecord
	states      map[string][]byte
	trees       map[string]*TreeRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*CheckpointRecord),
		states:      make(map[string][]byte),
		trees:       make(map[string]*TreeRecord),
	}
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.checkpoints[rec.ID] = &clone
	return nil
}

func (s *MemoryStore) LoadCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CheckpointRecord
	for _, rec := range s.checkpoints {
		if rec.SessionID == sessionID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteCheckpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, id)
	return nil
}

func (s *MemoryStore) SaveSessionState(ctx context.Context, sessionID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[sessionID] = append([]byte(nil), state...)
	return nil
}

func (s *MemoryStore) LoadSessionState(ctx context.Context, sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

func (s *MemoryStore) SaveTree(ctx context.Context, rec *TreeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	clone.Nodes = append([]NodeRecord(nil), rec.Nodes...)
	s.trees[rec.SessionID] = &clone
	return nil
}

func (s *MemoryStore) LoadTree(ctx context.Context, sessionID string) (*TreeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.trees[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	clone.Nodes = append([]NodeRecord(nil), rec.Nodes...)
	return &clone, nil
}

var _ DurableStore = (*MemoryStore)(nil)
