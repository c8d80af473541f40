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
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kadirpekel/piplane/pkg/tree"
)

// resolveInWorktree resolves a relative path inside the worktree root and
// rejects any result that escapes it. Detection is lexical: the cleaned
// joined path must stay under the cleaned root.
func resolveInWorktree(root, relative string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no worktree root configured")
	}
	if filepath.IsAbs(relative) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", relative)
	}
	cleanRoot := filepath.Clean(root)
	resolved := filepath.Clean(filepath.Join(cleanRoot, relative))
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes worktree: %s", relative)
	}
	return resolved, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%s parameter is required", key)
	}
	return value, nil
}

// NewReadTool reads a file from the session worktree.
func NewReadTool() *Tool {
	return &Tool{
		Name:        "read",
		Description: "Read a file from the session worktree",
		Parameters: map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the worktree root"},
		},
		Tags: []string{"file"},
		Execute: func(_ context.Context, args map[string]any, tctx *Context) (any, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			resolved, err := resolveInWorktree(tctx.WorktreeRoot, path)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		},
	}
}

// NewWriteTool writes a file inside the session worktree, creating parent
// directories as needed.
func NewWriteTool() *Tool {
	return &Tool{
		Name:        "write",
		Description: "Write a file inside the session worktree",
		Parameters: map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path relative to the worktree root"},
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		Tags: []string{"file"},
		Execute: func(_ context.Context, args map[string]any, tctx *Context) (any, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			content, ok := args["content"].(string)
			if !ok {
				return nil, fmt.Errorf("content parameter is required")
			}
			resolved, err := resolveInWorktree(tctx.WorktreeRoot, path)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "bytes": len(content)}, nil
		},
	}
}

// NewEditTool replaces the first occurrence of old_text in a worktree
// file with new_text.
func NewEditTool() *Tool {
	return &Tool{
		Name:        "edit",
		Description: "Replace text in a worktree file",
		Parameters: map[string]any{
			"path":     map[string]any{"type": "string", "description": "Path relative to the worktree root"},
			"old_text": map[string]any{"type": "string", "description": "Text to replace"},
			"new_text": map[string]any{"type": "string", "description": "Replacement text"},
		},
		Tags: []string{"file"},
		Execute: func(_ context.Context, args map[string]any, tctx *Context) (any, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			oldText, err := stringArg(args, "old_text")
			if err != nil {
				return nil, err
			}
			newText, _ := args["new_text"].(string)
			resolved, err := resolveInWorktree(tctx.WorktreeRoot, path)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return nil, err
			}
			content := string(data)
			if !strings.Contains(content, oldText) {
				return nil, fmt.Errorf("old_text not found in %s", path)
			}
			content = strings.Replace(content, oldText, newText, 1)
			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "replaced": true}, nil
		},
	}
}

// bashDenylist rejects plainly destructive command shapes before
// spawning.
var bashDenylist = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+/(\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`(curl|wget)\s[^|;&]*\|\s*(sudo\s+)?(ba)?sh`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`mkfs(\.[a-z0-9]+)?\s`),
}

func validateBashCommand(command string) error {
	for _, pattern := range bashDenylist {
		if pattern.MatchString(command) {
			return fmt.Errorf("command rejected by safety rules")
		}
	}
	return nil
}

// NewBashTool runs a shell command in the session worktree. The process
// is signalled on timeout and hard-killed after a short grace.
func NewBashTool(timeout time.Duration) *Tool {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Tool{
		Name:        "bash",
		Description: "Run a shell command in the session worktree",
		Parameters: map[string]any{
			"command": map[string]any{"type": "string", "description": "Shell command to run"},
		},
		Tags:                 []string{"shell"},
		RequiresConfirmation: false,
		Timeout:              timeout,
		Execute: func(ctx context.Context, args map[string]any, tctx *Context) (any, error) {
			command, err := stringArg(args, "command")
			if err != nil {
				return nil, err
			}
			if err := validateBashCommand(command); err != nil {
				return nil, err
			}
			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			if tctx.WorktreeRoot != "" {
				cmd.Dir = tctx.WorktreeRoot
			}
			cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
			cmd.WaitDelay = 2 * time.Second

			output, err := cmd.CombinedOutput()
			result := map[string]any{
				"output":    string(output),
				"exit_code": 0,
			}
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					result["exit_code"] = exitErr.ExitCode()
					return result, nil
				}
				return nil, err
			}
			return result, nil
		},
	}
}

// NewTodoWriteTool keeps a per-session structured task list on the
// interceptor.
func NewTodoWriteTool(i *Interceptor) *Tool {
	return &Tool{
		Name:        "todo_write",
		Description: "Create and manage a structured task list for the session",
		Parameters: map[string]any{
			"merge": map[string]any{"type": "boolean", "description": "Merge with existing todos instead of replacing"},
			"todos": map[string]any{"type": "array", "description": "Todo items: id, content, status"},
		},
		Tags: []string{"planning"},
		Execute: func(_ context.Context, args map[string]any, tctx *Context) (any, error) {
			merge, _ := args["merge"].(bool)
			rawItems, ok := args["todos"].([]any)
			if !ok {
				return nil, fmt.Errorf("todos parameter is required")
			}
			items := make([]TodoItem, 0, len(rawItems))
			for _, raw := range rawItems {
				entry, ok := raw.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("todo items must be objects")
				}
				item := TodoItem{}
				item.ID, _ = entry["id"].(string)
				item.Content, _ = entry["content"].(string)
				item.Status, _ = entry["status"].(string)
				if item.ID == "" || item.Content == "" {
					return nil, fmt.Errorf("todo items require id and content")
				}
				items = append(items, item)
			}
			stored := i.setSessionTodos(tctx.SessionID, items, merge)
			return map[string]any{"count": len(stored)}, nil
		},
	}
}

// NewTreeNavigateTool bridges tool calls to the conversation tree
// manager: branch listing, branch switch and node navigation.
func NewTreeNavigateTool(trees *tree.Manager) *Tool {
	return &Tool{
		Name:        "tree_navigate",
		Description: "Inspect and navigate the session conversation tree",
		Parameters: map[string]any{
			"action":    map[string]any{"type": "string", "enum": []string{"list_branches", "switch_branch", "navigate"}},
			"branch_id": map[string]any{"type": "string", "description": "Target branch for switch_branch"},
			"node_id":   map[string]any{"type": "string", "description": "Target node for navigate"},
		},
		Tags: []string{"conversation"},
		Execute: func(ctx context.Context, args map[string]any, tctx *Context) (any, error) {
			action, err := stringArg(args, "action")
			if err != nil {
				return nil, err
			}
			switch action {
			case "list_branches":
				branches, err := trees.ListBranches(ctx, tctx.SessionID)
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, 0, len(branches))
				for _, branch := range branches {
					out = append(out, map[string]any{
						"id":     branch.ID,
						"name":   branch.Name,
						"status": string(branch.Status),
					})
				}
				return out, nil
			case "switch_branch":
				branchID, err := stringArg(args, "branch_id")
				if err != nil {
					return nil, err
				}
				if err := trees.SwitchBranch(ctx, tctx.SessionID, branchID); err != nil {
					return nil, err
				}
				return map[string]any{"switched": branchID}, nil
			case "navigate":
				nodeID, err := stringArg(args, "node_id")
				if err != nil {
					return nil, err
				}
				if err := trees.NavigateToNode(ctx, tctx.SessionID, nodeID); err != nil {
					return nil, err
				}
				return map[string]any{"current_node": nodeID}, nil
			default:
				return nil, fmt.Errorf("unknown action: %s", action)
			}
		},
	}
}

// RegisterBuiltins installs the standard tool set.
func (i *Interceptor) RegisterBuiltins(trees *tree.Manager) error {
	builtins := []*Tool{
		NewReadTool(),
		NewWriteTool(),
		NewEditTool(),
		NewBashTool(0),
		NewTodoWriteTool(i),
	}
	if trees != nil {
		builtins = append(builtins, NewTreeNavigateTool(trees))
	}
	for _, tool := range builtins {
		if err := i.RegisterTool(tool); err != nil {
			return err
		}
	}
	return nil
}
