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

// Package interceptor mediates model-issued tool invocations: local and
// remote dispatch, priority-ordered policy evaluation, audit logging,
// per-call timeouts and worktree containment.
package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultToolTimeout bounds a tool execution when the definition carries
// no timeout of its own.
const DefaultToolTimeout = 60 * time.Second

// Context carries the caller identity and sandbox scope of a tool call.
type Context struct {
	SessionID    string
	AgentID      string
	TenantID     string
	WorktreeRoot string
	Metadata     map[string]any
}

// Call is one model-issued tool invocation.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Result is the outcome of an intercepted call.
type Result struct {
	ToolCallID       string        `json:"tool_call_id"`
	ToolName         string        `json:"tool_name"`
	Success          bool          `json:"success"`
	Result           any           `json:"result,omitempty"`
	Error            string        `json:"error,omitempty"`
	RequiresApproval bool          `json:"requires_approval,omitempty"`
	ExecutionTime    time.Duration `json:"execution_time"`
}

// ExecuteFunc runs a tool. Implementations must honor ctx cancellation.
type ExecuteFunc func(ctx context.Context, args map[string]any, tctx *Context) (any, error)

// Tool is a locally executable tool definition.
type Tool struct {
	Name                 string
	Description          string
	Parameters           map[string]any
	Execute              ExecuteFunc
	Tags                 []string
	RequiresConfirmation bool
	Timeout              time.Duration
}

// Decision is a policy verdict.
type Decision struct {
	Allowed         bool
	Reason          string
	SanitizedArgs   map[string]any
	RequireApproval bool
}

// Allow is the default-allow decision.
var Allow = Decision{Allowed: true}

// Policy gates tool calls. Condition selects which calls the policy
// applies to; Decide produces the verdict. A nil Decide uses Static.
type Policy struct {
	Name      string
	Priority  int
	Condition func(tool string, tctx *Context, args map[string]any) bool
	Decide    func(tool string, tctx *Context, args map[string]any) Decision
	Static    *Decision
}

// PolicyDenialError reports a call blocked by a policy.
type PolicyDenialError struct {
	Policy string
	Tool   string
	Reason string
}

func (e *PolicyDenialError) Error() string {
	return fmt.Sprintf("tool %q blocked by policy %q: %s", e.Tool, e.Policy, e.Reason)
}

// RemoteExecutor routes calls to an external tool backend. The first
// executor whose CanHandle returns true wins.
type RemoteExecutor interface {
	Name() string
	CanHandle(tool string, tctx *Context) bool
	Execute(ctx context.Context, call *Call, tctx *Context) (any, error)
}

// Interceptor is the tool mediation pipeline.
type Interceptor struct {
	mu            sync.RWMutex
	tools         map[string]*Tool
	policies      []*Policy
	policySeq     int
	policyOrder   map[string]int
	defaultPolicy Decision
	executors     []RemoteExecutor

	todos map[string][]TodoItem

	audit  AuditSink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithAuditSink replaces the default in-memory ring sink.
func WithAuditSink(sink AuditSink) Option {
	return func(i *Interceptor) {
		if sink != nil {
			i.audit = sink
		}
	}
}

// WithLogger sets the interceptor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

// New creates an interceptor with a default-allow policy and an in-memory
// audit ring.
func New(opts ...Option) *Interceptor {
	i := &Interceptor{
		tools:         make(map[string]*Tool),
		policyOrder:   make(map[string]int),
		defaultPolicy: Allow,
		todos:         make(map[string][]TodoItem),
		audit:         NewRingAudit(DefaultAuditCap),
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// RegisterTool adds or replaces a local tool definition.
func (i *Interceptor) RegisterTool(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %q has no execute function", tool.Name)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tools[tool.Name] = tool
	return nil
}

// UnregisterTool removes a local tool.
func (i *Interceptor) UnregisterTool(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.tools, name)
}

// RegisterRemoteExecutor appends a remote executor. Order matters: the
// first CanHandle match wins at dispatch.
func (i *Interceptor) RegisterRemoteExecutor(executor RemoteExecutor) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.executors = append(i.executors, executor)
}

// UnregisterRemoteExecutor removes a remote executor by name.
func (i *Interceptor) UnregisterRemoteExecutor(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, executor := range i.executors {
		if executor.Name() == name {
			i.executors = append(i.executors[:idx], i.executors[idx+1:]...)
			return
		}
	}
}

// AddPolicy registers a policy. Evaluation order is priority desc,
// registration order on ties.
func (i *Interceptor) AddPolicy(policy *Policy) error {
	if policy == nil || policy.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.policySeq++
	i.policyOrder[policy.Name] = i.policySeq
	i.policies = append(i.policies, policy)
	sort.SliceStable(i.policies, func(a, b int) bool {
		if i.policies[a].Priority != i.policies[b].Priority {
			return i.policies[a].Priority > i.policies[b].Priority
		}
		return i.policyOrder[i.policies[a].Name] < i.policyOrder[i.policies[b].Name]
	})
	return nil
}

// RemovePolicy removes a policy by name.
func (i *Interceptor) RemovePolicy(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, policy := range i.policies {
		if policy.Name == name {
			i.policies = append(i.policies[:idx], i.policies[idx+1:]...)
			delete(i.policyOrder, name)
			return
		}
	}
}

// SetDefaultPolicy sets the verdict applied when no policy decides.
func (i *Interceptor) SetDefaultPolicy(decision Decision) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.defaultPolicy = decision
}

// Policies returns the current evaluation order.
func (i *Interceptor) Policies() []*Policy {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*Policy, len(i.policies))
	copy(out, i.policies)
	return out
}

// ListAvailableTools returns the tools the given context may invoke,
// sorted by name. Tools denied outright by policy are filtered out.
func (i *Interceptor) ListAvailableTools(tctx *Context) []*Tool {
	i.mu.RLock()
	names := make([]string, 0, len(i.tools))
	for name := range i.tools {
		names = append(names, name)
	}
	i.mu.RUnlock()
	sort.Strings(names)

	var out []*Tool
	for _, name := range names {
		decision := i.evaluatePolicies(name, tctx, nil)
		if !decision.Allowed {
			continue
		}
		i.mu.RLock()
		tool := i.tools[name]
		i.mu.RUnlock()
		out = append(out, tool)
	}
	return out
}

// Intercept runs one tool call through policy evaluation, dispatch, and
// audit. Exactly one started audit event is emitted, then exactly one of
// completed, failed or blocked.
func (i *Interceptor) Intercept(ctx context.Context, call *Call, tctx *Context) (*Result, error) {
	if tctx == nil {
		tctx = &Context{}
	}
	started := i.now()
	i.record(AuditEntry{
		Event:     AuditStarted,
		Tool:      call.Name,
		SessionID: tctx.SessionID,
		AgentID:   tctx.AgentID,
		TenantID:  tctx.TenantID,
		Args:      call.Arguments,
		Timestamp: started,
	})

	decision, blockingPolicy := i.evaluate(call.Name, tctx, call.Arguments)
	if !decision.Allowed {
		err := &PolicyDenialError{Policy: blockingPolicy, Tool: call.Name, Reason: decision.Reason}
		i.record(AuditEntry{
			Event:          AuditBlocked,
			Tool:           call.Name,
			SessionID:      tctx.SessionID,
			AgentID:        tctx.AgentID,
			TenantID:       tctx.TenantID,
			Args:           call.Arguments,
			Error:          err.Error(),
			BlockingPolicy: blockingPolicy,
			Timestamp:      i.now(),
		})
		return &Result{
			ToolCallID:    call.ID,
			ToolName:      call.Name,
			Success:       false,
			Error:         err.Error(),
			ExecutionTime: i.now().Sub(started),
		}, err
	}

	args := call.Arguments
	if decision.SanitizedArgs != nil {
		args = decision.SanitizedArgs
	}

	if decision.RequireApproval {
		i.record(AuditEntry{
			Event:          AuditBlocked,
			Tool:           call.Name,
			SessionID:      tctx.SessionID,
			AgentID:        tctx.AgentID,
			TenantID:       tctx.TenantID,
			Args:           args,
			Error:          "approval required",
			BlockingPolicy: blockingPolicy,
			Timestamp:      i.now(),
		})
		return &Result{
			ToolCallID:       call.ID,
			ToolName:         call.Name,
			Success:          false,
			Error:            "approval required",
			RequiresApproval: true,
			ExecutionTime:    i.now().Sub(started),
		}, nil
	}

	value, err := i.dispatch(ctx, call, args, tctx)
	elapsed := i.now().Sub(started)
	if err != nil {
		i.record(AuditEntry{
			Event:           AuditFailed,
			Tool:            call.Name,
			SessionID:       tctx.SessionID,
			AgentID:         tctx.AgentID,
			TenantID:        tctx.TenantID,
			Args:            args,
			Error:           err.Error(),
			ExecutionTimeMs: elapsed.Milliseconds(),
			Timestamp:       i.now(),
		})
		return &Result{
			ToolCallID:    call.ID,
			ToolName:      call.Name,
			Success:       false,
			Error:         err.Error(),
			ExecutionTime: elapsed,
		}, nil
	}

	i.record(AuditEntry{
		Event:           AuditCompleted,
		Tool:            call.Name,
		SessionID:       tctx.SessionID,
		AgentID:         tctx.AgentID,
		TenantID:        tctx.TenantID,
		Args:            args,
		Result:          value,
		ExecutionTimeMs: elapsed.Milliseconds(),
		Timestamp:       i.now(),
	})
	return &Result{
		ToolCallID:    call.ID,
		ToolName:      call.Name,
		Success:       true,
		Result:        value,
		ExecutionTime: elapsed,
	}, nil
}

// evaluate runs the policy chain. A denial short-circuits; an
// approval-required verdict is remembered and returned after the pass.
func (i *Interceptor) evaluate(tool string, tctx *Context, args map[string]any) (Decision, string) {
	i.mu.RLock()
	policies := make([]*Policy, len(i.policies))
	copy(policies, i.policies)
	fallback := i.defaultPolicy
	i.mu.RUnlock()

	var pendingApproval *Decision
	var approvalPolicy string
	for _, policy := range policies {
		if policy.Condition != nil && !policy.Condition(tool, tctx, args) {
			continue
		}
		decision := fallback
		switch {
		case policy.Decide != nil:
			decision = policy.Decide(tool, tctx, args)
		case policy.Static != nil:
			decision = *policy.Static
		default:
			continue
		}
		if !decision.Allowed {
			return decision, policy.Name
		}
		if decision.RequireApproval && pendingApproval == nil {
			d := decision
			pendingApproval = &d
			approvalPolicy = policy.Name
		}
	}
	if pendingApproval != nil {
		return *pendingApproval, approvalPolicy
	}
	return fallback, ""
}

// evaluatePolicies exposes the verdict without the policy name.
func (i *Interceptor) evaluatePolicies(tool string, tctx *Context, args map[string]any) Decision {
	decision, _ := i.evaluate(tool, tctx, args)
	return decision
}

// dispatch routes to the first matching remote executor or the local
// tool, bounded by the tool timeout.
func (i *Interceptor) dispatch(ctx context.Context, call *Call, args map[string]any, tctx *Context) (any, error) {
	i.mu.RLock()
	executors := make([]RemoteExecutor, len(i.executors))
	copy(executors, i.executors)
	tool := i.tools[call.Name]
	i.mu.RUnlock()

	for _, executor := range executors {
		if executor.CanHandle(call.Name, tctx) {
			return i.runBounded(ctx, DefaultToolTimeout, func(ctx context.Context) (any, error) {
				return executor.Execute(ctx, &Call{ID: call.ID, Name: call.Name, Arguments: args}, tctx)
			})
		}
	}

	if tool == nil {
		return nil, fmt.Errorf("unknown tool: %s", call.Name)
	}
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return i.runBounded(ctx, timeout, func(ctx context.Context) (any, error) {
		return tool.Execute(ctx, args, tctx)
	})
}

// runBounded executes fn under a deadline. On expiry the call's context
// is cancelled and a timeout error is returned; the runner goroutine is
// left to observe the cancellation.
func (i *Interceptor) runBounded(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(ctx)
		done <- outcome{value, err}
	}()
	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tool execution timed out after %s: %w", timeout, ctx.Err())
	}
}

func (i *Interceptor) record(entry AuditEntry) {
	i.audit.Record(entry)
}

// TodoItem is one entry of a per-session todo list.
type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// GetSessionTodos returns a copy of a session's todo list.
func (i *Interceptor) GetSessionTodos(sessionID string) []TodoItem {
	i.mu.RLock()
	defer i.mu.RUnlock()
	items := i.todos[sessionID]
	out := make([]TodoItem, len(items))
	copy(out, items)
	return out
}

func (i *Interceptor) setSessionTodos(sessionID string, items []TodoItem, merge bool) []TodoItem {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !merge {
		i.todos[sessionID] = items
		return items
	}
	existing := i.todos[sessionID]
	byID := make(map[string]int, len(existing))
	for idx, item := range existing {
		byID[item.ID] = idx
	}
	for _, item := range items {
		if idx, ok := byID[item.ID]; ok {
			existing[idx] = item
		} else {
			existing = append(existing, item)
		}
	}
	i.todos[sessionID] = existing
	return existing
}
