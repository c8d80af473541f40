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

package tree

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/piplane/pkg/tokenizer"
)

const (
	// DefaultCompactThreshold is the token total above which compaction
	// does real work.
	DefaultCompactThreshold = 100_000

	// DefaultContextBudget is the token budget for context materialization.
	DefaultContextBudget = 128_000

	// summaryPreviewLen bounds the compaction summary preview.
	summaryPreviewLen = 120
)

// Store persists trees. Implemented by the state synchronizer; a nil store
// keeps trees memory-only.
type Store interface {
	SaveTreeState(ctx context.Context, sessionID string, t *Tree) error
	LoadTreeState(ctx context.Context, sessionID string) (*Tree, error)
}

// Manager owns conversation trees keyed by session id.
//
// Callers must serialize operations per session (the session manager holds a
// per-session lock); the manager's own mutex only protects its tree map.
type Manager struct {
	mu     sync.RWMutex
	trees  map[string]*Tree
	store  Store
	est    tokenizer.Estimator
	logger *slog.Logger
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore attaches a persistence backend.
func WithStore(s Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithEstimator overrides the token estimator.
func WithEstimator(e tokenizer.Estimator) ManagerOption {
	return func(m *Manager) { m.est = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a tree manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		trees: make(map[string]*Tree),
		est:   tokenizer.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// CreateTree initializes a tree for a session with a root system node and a
// "main" branch.
func (m *Manager) CreateTree(ctx context.Context, sessionID, systemPrompt string) (*Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.trees[sessionID]; exists {
		return nil, fmt.Errorf("tree for session %s already exists", sessionID)
	}

	now := m.now()
	rootID := newNodeID()
	branchID := newBranchID()

	root := &Node{
		ID:        rootID,
		Role:      RoleSystem,
		Content:   systemPrompt,
		Children:  []string{},
		BranchID:  branchID,
		CreatedAt: now,
	}
	root.TokenCount = m.est.EstimateTokens(systemPrompt)
	root.CumulativeTokens = root.TokenCount

	t := &Tree{
		SessionID:       sessionID,
		RootID:          rootID,
		CurrentBranchID: branchID,
		CurrentNodeID:   rootID,
		Nodes:           map[string]*Node{rootID: root},
		Branches: []*Branch{{
			ID:         branchID,
			Name:       "main",
			BaseNodeID: rootID,
			HeadNodeID: rootID,
			CreatedAt:  now,
			Status:     BranchActive,
		}},
		Metadata: Metadata{
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
		SystemPrompt: systemPrompt,
	}
	t.recount()
	m.trees[sessionID] = t

	return t, m.persist(ctx, t)
}

// GetTree returns the tree for a session, loading it from the store on a
// memory miss.
func (m *Manager) GetTree(ctx context.Context, sessionID string) (*Tree, error) {
	m.mu.RLock()
	t, ok := m.trees[sessionID]
	m.mu.RUnlock()
	if ok {
		return t, nil
	}
	if m.store == nil {
		return nil, ErrTreeNotFound
	}
	loaded, err := m.store.LoadTreeState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		return nil, ErrTreeNotFound
	}
	m.mu.Lock()
	m.trees[sessionID] = loaded
	m.mu.Unlock()
	return loaded, nil
}

// SaveTree persists the tree through the configured store.
func (m *Manager) SaveTree(ctx context.Context, t *Tree) error {
	return m.persist(ctx, t)
}

// AddNodeOptions customizes node creation.
type AddNodeOptions struct {
	ToolCalls   []ToolCall
	ToolResults []ToolResult

	// TokenCount overrides the estimator when non-nil (copied-node forks,
	// caller-counted content).
	TokenCount *int

	// ParentID attaches the node somewhere other than the current node.
	ParentID string
}

// AddNode appends a node as a child of the current node (or opts.ParentID)
// and advances the current branch head.
func (m *Manager) AddNode(ctx context.Context, sessionID string, role Role, content string, opts AddNodeOptions) (*Node, error) {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parentID := opts.ParentID
	if parentID == "" {
		parentID = t.CurrentNodeID
	}
	parent, ok := t.Nodes[parentID]
	if !ok {
		return nil, ErrNodeNotFound
	}

	tokens := m.est.EstimateTokens(content)
	if opts.TokenCount != nil {
		tokens = *opts.TokenCount
	}

	n := &Node{
		ID:               newNodeID(),
		Role:             role,
		Content:          content,
		ParentID:         parent.ID,
		Children:         []string{},
		BranchID:         t.CurrentBranchID,
		ToolCalls:        opts.ToolCalls,
		ToolResults:      opts.ToolResults,
		TokenCount:       tokens,
		CumulativeTokens: parent.CumulativeTokens + tokens,
		CreatedAt:        m.now(),
	}

	parent.Children = append(parent.Children, n.ID)
	t.Nodes[n.ID] = n
	t.CurrentNodeID = n.ID
	if b, ok := t.BranchByID(t.CurrentBranchID); ok {
		b.HeadNodeID = n.ID
	}
	t.recount()
	t.touch(m.now())

	return n, m.persist(ctx, t)
}

// CreateBranch starts a new branch diverging from fromNodeID.
func (m *Manager) CreateBranch(ctx context.Context, sessionID, fromNodeID, name string) (*Branch, error) {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := t.BranchByName(name); exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBranch, name)
	}
	if _, ok := t.Nodes[fromNodeID]; !ok {
		return nil, ErrNodeNotFound
	}

	b := &Branch{
		ID:         newBranchID(),
		Name:       name,
		BaseNodeID: fromNodeID,
		HeadNodeID: fromNodeID,
		CreatedAt:  m.now(),
		Status:     BranchActive,
	}
	t.Branches = append(t.Branches, b)
	t.recount()
	t.touch(m.now())

	return b, m.persist(ctx, t)
}

// SwitchBranch makes branchID current and moves the cursor to its head.
func (m *Manager) SwitchBranch(ctx context.Context, sessionID, branchID string) error {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := t.BranchByID(branchID)
	if !ok {
		return ErrBranchNotFound
	}
	t.CurrentBranchID = b.ID
	t.CurrentNodeID = b.HeadNodeID
	t.touch(m.now())

	return m.persist(ctx, t)
}

// MergeBranch folds sourceBranchID into targetNodeID (the current node when
// empty) by inserting a merge marker node. The marker's primary parent is
// the target; its secondary parent references the source head.
func (m *Manager) MergeBranch(ctx context.Context, sessionID, sourceBranchID, targetNodeID string) (*Node, error) {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := t.BranchByID(sourceBranchID)
	if !ok {
		return nil, ErrBranchNotFound
	}
	if targetNodeID == "" {
		targetNodeID = t.CurrentNodeID
	}
	target, ok := t.Nodes[targetNodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	srcHead, ok := t.Nodes[src.HeadNodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}

	content := fmt.Sprintf("Merged branch %q at %s", src.Name, srcHead.ID)
	tokens := m.est.EstimateTokens(content)
	merge := &Node{
		ID:                newNodeID(),
		Role:              RoleSystem,
		Content:           content,
		ParentID:          target.ID,
		SecondaryParentID: srcHead.ID,
		Children:          []string{},
		BranchID:          target.BranchID,
		TokenCount:        tokens,
		CumulativeTokens:  target.CumulativeTokens + tokens,
		CreatedAt:         m.now(),
	}

	target.Children = append(target.Children, merge.ID)
	t.Nodes[merge.ID] = merge
	src.Status = BranchMerged

	if b, ok := t.BranchByID(target.BranchID); ok && b.HeadNodeID == target.ID {
		b.HeadNodeID = merge.ID
	}
	if t.CurrentNodeID == target.ID {
		t.CurrentNodeID = merge.ID
	}
	t.recount()
	t.touch(m.now())

	return merge, m.persist(ctx, t)
}

// AbandonBranch marks a branch abandoned. No nodes are removed.
func (m *Manager) AbandonBranch(ctx context.Context, sessionID, branchID string) error {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := t.BranchByID(branchID)
	if !ok {
		return ErrBranchNotFound
	}
	b.Status = BranchAbandoned
	t.touch(m.now())

	return m.persist(ctx, t)
}

// RenameBranch changes a branch's name, keeping names unique.
func (m *Manager) RenameBranch(ctx context.Context, sessionID, branchID, name string) error {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := t.BranchByName(name); ok && existing.ID != branchID {
		return fmt.Errorf("%w: %s", ErrDuplicateBranch, name)
	}
	b, ok := t.BranchByID(branchID)
	if !ok {
		return ErrBranchNotFound
	}
	b.Name = name
	t.touch(m.now())

	return m.persist(ctx, t)
}

// ListBranches returns the tree's branches.
func (m *Manager) ListBranches(ctx context.Context, sessionID string) ([]*Branch, error) {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Branch, len(t.Branches))
	copy(out, t.Branches)
	return out, nil
}

// ForkSession copies the path root→fromNodeID into a fresh tree for
// newSessionID. Node ids are reassigned; token counts are preserved and
// cumulative totals recomputed.
func (m *Manager) ForkSession(ctx context.Context, fromSessionID, fromNodeID, newSessionID string) (*Tree, error) {
	src, err := m.GetTree(ctx, fromSessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.trees[newSessionID]; exists {
		return nil, fmt.Errorf("tree for session %s already exists", newSessionID)
	}
	path, err := src.PathToRoot(fromNodeID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	branchID := newBranchID()
	forked := &Tree{
		SessionID:       newSessionID,
		CurrentBranchID: branchID,
		Nodes:           make(map[string]*Node, len(path)),
		Metadata: Metadata{
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
		SystemPrompt: src.SystemPrompt,
	}

	var prev *Node
	for _, orig := range path {
		copied := &Node{
			ID:          newNodeID(),
			Role:        orig.Role,
			Content:     orig.Content,
			Children:    []string{},
			BranchID:    branchID,
			ToolCalls:   append([]ToolCall(nil), orig.ToolCalls...),
			ToolResults: append([]ToolResult(nil), orig.ToolResults...),
			TokenCount:  orig.TokenCount,
			CreatedAt:   orig.CreatedAt,
			Compacted:   orig.Compacted,
			Summary:     orig.Summary,
		}
		if prev == nil {
			forked.RootID = copied.ID
			copied.CumulativeTokens = copied.TokenCount
		} else {
			copied.ParentID = prev.ID
			prev.Children = append(prev.Children, copied.ID)
			copied.CumulativeTokens = prev.CumulativeTokens + copied.TokenCount
		}
		forked.Nodes[copied.ID] = copied
		prev = copied
	}

	forked.CurrentNodeID = prev.ID
	forked.Branches = []*Branch{{
		ID:         branchID,
		Name:       "main",
		BaseNodeID: forked.RootID,
		HeadNodeID: prev.ID,
		CreatedAt:  now,
		Status:     BranchActive,
	}}
	forked.recount()
	m.trees[newSessionID] = forked

	return forked, m.persist(ctx, forked)
}

// CompactionReport summarizes a CompactHistory run.
type CompactionReport struct {
	SessionID      string `json:"session_id"`
	CompactedNodes int    `json:"compacted_nodes"`
	TokensBefore   int    `json:"tokens_before"`
	TokensAfter    int    `json:"tokens_after"`
	TokensSaved    int    `json:"tokens_saved"`
}

// CompactHistory summarizes the oldest half of the current path when the
// tree's token total exceeds threshold. Root-with-empty-content, the final
// two nodes of the path, system nodes, and already-compacted nodes are left
// alone. Compacted nodes keep the estimated size of their summary so the
// cumulative-token invariants stay true.
func (m *Manager) CompactHistory(ctx context.Context, sessionID string, threshold int) (*CompactionReport, error) {
	if threshold <= 0 {
		threshold = DefaultCompactThreshold
	}
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	report := &CompactionReport{SessionID: sessionID, TokensBefore: t.Metadata.TotalTokens}
	if t.Metadata.TotalTokens < threshold {
		report.TokensAfter = report.TokensBefore
		return report, nil
	}

	path, err := t.PathToRoot(t.CurrentNodeID)
	if err != nil {
		return nil, err
	}

	half := len(path) / 2
	for i := 0; i < half; i++ {
		n := path[i]
		if i >= len(path)-2 {
			break
		}
		if n.ID == t.RootID && n.Content == "" {
			continue
		}
		if n.Role == RoleSystem || n.Compacted {
			continue
		}
		n.Compacted = true
		n.Summary = summarize(n.Content)
		n.TokenCount = m.est.EstimateTokens(n.Summary)
		report.CompactedNodes++
	}

	if report.CompactedNodes == 0 {
		report.TokensAfter = report.TokensBefore
		return report, nil
	}

	t.recomputeCumulative(t.RootID)
	t.recount()
	t.Metadata.CompactionCount++
	t.touch(m.now())

	report.TokensAfter = t.Metadata.TotalTokens
	report.TokensSaved = report.TokensBefore - report.TokensAfter

	m.logger.Info("compacted conversation history",
		"session_id", sessionID,
		"nodes", report.CompactedNodes,
		"tokens_saved", report.TokensSaved)

	return report, m.persist(ctx, t)
}

// Message is a node materialized into the worker wire shape.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// GetMessagesForContext returns the longest suffix of the root→nodeID path
// whose effective token total fits maxTokens. Compacted nodes contribute
// their summary.
func (m *Manager) GetMessagesForContext(t *Tree, nodeID string, maxTokens int) ([]Message, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultContextBudget
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	path, err := t.PathToRoot(nodeID)
	if err != nil {
		return nil, err
	}

	// Walk backwards from the tail so the most recent turns always win.
	budget := maxTokens
	start := len(path)
	for i := len(path) - 1; i >= 0; i-- {
		cost := path[i].EffectiveTokens(m.est.EstimateTokens)
		if cost > budget {
			break
		}
		budget -= cost
		start = i
	}

	msgs := make([]Message, 0, len(path)-start)
	for _, n := range path[start:] {
		msg := Message{
			Role:      n.Role,
			Content:   n.EffectiveContent(),
			ToolCalls: n.ToolCalls,
		}
		if n.Role == RoleTool {
			msg.ToolResults = n.ToolResults
			if len(n.ToolResults) > 0 {
				msg.ToolCallID = n.ToolResults[0].ToolCallID
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// UpdateNodeContent replaces a node's content and recomputes token totals
// for the node and all descendants.
func (m *Manager) UpdateNodeContent(ctx context.Context, sessionID, nodeID, content string) error {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := t.Nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	n.Content = content
	n.TokenCount = m.est.EstimateTokens(content)
	t.recomputeCumulative(n.ID)
	t.recount()
	t.touch(m.now())

	return m.persist(ctx, t)
}

// DeleteNode removes a non-root node and all of its descendants.
func (m *Manager) DeleteNode(ctx context.Context, sessionID, nodeID string) error {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := t.Nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	if n.ID == t.RootID {
		return ErrRootImmutable
	}

	doomed, err := t.DescendantsOf(nodeID)
	if err != nil {
		return err
	}
	for _, d := range doomed {
		delete(t.Nodes, d.ID)
	}
	delete(t.Nodes, n.ID)

	if parent, ok := t.Nodes[n.ParentID]; ok {
		kept := parent.Children[:0]
		for _, id := range parent.Children {
			if id != n.ID {
				kept = append(kept, id)
			}
		}
		parent.Children = kept
		if t.CurrentNodeID == n.ID || isGone(t, t.CurrentNodeID) {
			t.CurrentNodeID = parent.ID
		}
		for _, b := range t.Branches {
			if isGone(t, b.HeadNodeID) {
				b.HeadNodeID = parent.ID
			}
		}
	}

	t.recount()
	t.touch(m.now())

	return m.persist(ctx, t)
}

// NavigateToNode moves the cursor to nodeID and adopts its branch.
func (m *Manager) NavigateToNode(ctx context.Context, sessionID, nodeID string) error {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := t.Nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	t.CurrentNodeID = n.ID
	if _, ok := t.BranchByID(n.BranchID); ok {
		t.CurrentBranchID = n.BranchID
	}
	t.touch(m.now())

	return m.persist(ctx, t)
}

// SearchNodes returns nodes whose content or summary contains the query,
// case-insensitive.
func (m *Manager) SearchNodes(ctx context.Context, sessionID, query string) ([]*Node, error) {
	t, err := m.GetTree(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(query)
	var out []*Node
	for _, n := range t.Nodes {
		if strings.Contains(strings.ToLower(n.Content), q) ||
			strings.Contains(strings.ToLower(n.Summary), q) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Evict drops a session's tree from memory (terminated sessions).
func (m *Manager) Evict(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trees, sessionID)
}

func (m *Manager) persist(ctx context.Context, t *Tree) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveTreeState(ctx, t.SessionID, t); err != nil {
		m.logger.Warn("failed to persist conversation tree",
			"session_id", t.SessionID, "error", err)
		return err
	}
	return nil
}

func isGone(t *Tree, id string) bool {
	_, ok := t.Nodes[id]
	return !ok
}

func summarize(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= summaryPreviewLen {
		return "[compacted] " + content
	}
	return "[compacted] " + content[:summaryPreviewLen] + "..."
}

func newNodeID() string   { return "node_" + uuid.NewString() }
func newBranchID() string { return "branch_" + uuid.NewString() }
