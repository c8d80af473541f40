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

// Package tree implements the per-session branching conversation DAG.
//
// Nodes are kept in an arena-style map and reference each other by id, so
// the merge node's second parent is representable without cycles of
// ownership. Every non-root node has exactly one primary parent; the
// secondary parent exists only on merge nodes and is never followed by
// traversals.
package tree

import (
	"errors"
	"time"
)

// Role is the conversational role of a node.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BranchStatus is the lifecycle status of a branch.
type BranchStatus string

const (
	BranchActive    BranchStatus = "active"
	BranchMerged    BranchStatus = "merged"
	BranchAbandoned BranchStatus = "abandoned"
)

var (
	ErrTreeNotFound    = errors.New("conversation tree not found")
	ErrNodeNotFound    = errors.New("node not found")
	ErrBranchNotFound  = errors.New("branch not found")
	ErrDuplicateBranch = errors.New("branch name already exists")
	ErrRootImmutable   = errors.New("root node cannot be deleted")
)

// ToolCall is a model-issued tool invocation attached to an assistant node.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of a tool call, attached to a tool node.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    any    `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Node is one message in the conversation DAG.
type Node struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ParentID is empty only for the root node.
	ParentID string `json:"parent_id,omitempty"`

	// SecondaryParentID links a merge node back to the merged branch's head.
	// Traversals never follow it.
	SecondaryParentID string `json:"secondary_parent_id,omitempty"`

	// Children is the ordered list of child node ids.
	Children []string `json:"children"`

	BranchID string `json:"branch_id"`

	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	TokenCount       int `json:"token_count"`
	CumulativeTokens int `json:"cumulative_tokens"`

	CreatedAt time.Time `json:"created_at"`

	Compacted bool   `json:"compacted,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// Branch is a named path through the DAG.
type Branch struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	BaseNodeID string       `json:"base_node_id"`
	HeadNodeID string       `json:"head_node_id"`
	CreatedAt  time.Time    `json:"created_at"`
	Status     BranchStatus `json:"status"`
}

// Metadata carries derived counters for a tree.
type Metadata struct {
	TotalNodes      int       `json:"total_nodes"`
	TotalBranches   int       `json:"total_branches"`
	TotalTokens     int       `json:"total_tokens"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int64     `json:"version"`
	CompactionCount int       `json:"compaction_count"`
}

// Tree is the full conversation DAG for one session.
type Tree struct {
	SessionID       string           `json:"session_id"`
	RootID          string           `json:"root_id"`
	CurrentBranchID string           `json:"current_branch_id"`
	CurrentNodeID   string           `json:"current_node_id"`
	Nodes           map[string]*Node `json:"nodes"`
	Branches        []*Branch        `json:"branches"`
	Metadata        Metadata         `json:"metadata"`
	SystemPrompt    string           `json:"system_prompt,omitempty"`
}

// Node returns a node by id.
func (t *Tree) Node(id string) (*Node, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

// BranchByID returns a branch by id.
func (t *Tree) BranchByID(id string) (*Branch, bool) {
	for _, b := range t.Branches {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// BranchByName returns a branch by its unique name.
func (t *Tree) BranchByName(name string) (*Branch, bool) {
	for _, b := range t.Branches {
		if b.Name == name {
			return b, true
		}
	}
	return nil, false
}

// PathToRoot returns node ids from the root down to (and including) the
// given node, following primary parents only.
func (t *Tree) PathToRoot(nodeID string) ([]*Node, error) {
	n, ok := t.Nodes[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	var reversed []*Node
	for n != nil {
		reversed = append(reversed, n)
		if n.ParentID == "" {
			break
		}
		parent, ok := t.Nodes[n.ParentID]
		if !ok {
			return nil, ErrNodeNotFound
		}
		n = parent
	}
	path := make([]*Node, len(reversed))
	for i, node := range reversed {
		path[len(reversed)-1-i] = node
	}
	return path, nil
}

// ChildrenOf returns the direct children of a node in order.
func (t *Tree) ChildrenOf(nodeID string) ([]*Node, error) {
	n, ok := t.Nodes[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	out := make([]*Node, 0, len(n.Children))
	for _, id := range n.Children {
		if c, ok := t.Nodes[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// DescendantsOf returns every node reachable from nodeID through primary
// children, depth-first, excluding the node itself.
func (t *Tree) DescendantsOf(nodeID string) ([]*Node, error) {
	n, ok := t.Nodes[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	var out []*Node
	var walk func(*Node)
	walk = func(cur *Node) {
		for _, id := range cur.Children {
			if c, ok := t.Nodes[id]; ok {
				out = append(out, c)
				walk(c)
			}
		}
	}
	walk(n)
	return out, nil
}

// EffectiveTokens is the token footprint a node contributes to a context
// window: the summary estimate when compacted, the full count otherwise.
// The estimate function is supplied by the caller so the tree stays free of
// tokenizer wiring.
func (n *Node) EffectiveTokens(estimate func(string) int) int {
	if n.Compacted {
		return estimate(n.Summary)
	}
	return n.TokenCount
}

// EffectiveContent is the content used when materializing context.
func (n *Node) EffectiveContent() string {
	if n.Compacted {
		return n.Summary
	}
	return n.Content
}

func (t *Tree) touch(now time.Time) {
	t.Metadata.UpdatedAt = now
	t.Metadata.Version++
}

func (t *Tree) recount() {
	total := 0
	for _, n := range t.Nodes {
		total += n.TokenCount
	}
	t.Metadata.TotalTokens = total
	t.Metadata.TotalNodes = len(t.Nodes)
	t.Metadata.TotalBranches = len(t.Branches)
}

// recomputeCumulative refreshes CumulativeTokens for nodeID and all of its
// descendants from the primary-parent chain.
func (t *Tree) recomputeCumulative(nodeID string) {
	n, ok := t.Nodes[nodeID]
	if !ok {
		return
	}
	base := 0
	if n.ParentID != "" {
		if p, ok := t.Nodes[n.ParentID]; ok {
			base = p.CumulativeTokens
		}
	}
	n.CumulativeTokens = base + n.TokenCount
	for _, id := range n.Children {
		t.recomputeCumulative(id)
	}
}
