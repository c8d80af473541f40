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
	"context"

	"github.com/kadirpekel/piplane/pkg/interceptor"
	"github.com/kadirpekel/piplane/pkg/pirpc"
	"github.com/kadirpekel/piplane/pkg/tree"
)

// MessageResult is the outcome of one send pipeline run.
type MessageResult struct {
	MessageID     string                `json:"message_id"`
	Content       string                `json:"content"`
	ToolResults   []*interceptor.Result `json:"tool_results,omitempty"`
	CheckpointRef string                `json:"checkpoint_ref,omitempty"`
}

// SendMessage runs the full pipeline: deliver the message, intercept any
// tool calls, feed results back, and append the exchange to the
// conversation tree. Operations on one session serialize.
func (m *Manager) SendMessage(ctx context.Context, id, content string) (*MessageResult, error) {
	ls := m.live(id)
	if ls == nil {
		return nil, &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	s := ls.session

	if s.State != StateActive {
		return nil, &SessionError{Code: CodeSessionNotActive, SessionID: id, Message: "session is " + string(s.State)}
	}

	m.appendNodeLocked(ctx, s, tree.RoleUser, content, tree.AddNodeOptions{})
	s.MessageCount++

	result := &MessageResult{}
	req := &pirpc.SendRequest{Content: content}
	for round := 0; ; round++ {
		if round >= maxToolRounds {
			return nil, &SessionError{Code: CodeSessionNotActive, SessionID: id, Message: "tool-call loop exceeded limit"}
		}
		resp, err := ls.worker.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		s.MessageCount++
		s.LastActivityAt = m.now()
		result.MessageID = resp.MessageID
		result.Content = resp.Content
		if resp.CheckpointRef != "" {
			result.CheckpointRef = resp.CheckpointRef
		}

		m.appendNodeLocked(ctx, s, tree.RoleAssistant, resp.Content, tree.AddNodeOptions{
			ToolCalls: toTreeCalls(resp.ToolCalls),
		})

		if len(resp.ToolCalls) == 0 {
			break
		}

		toolResults := make([]pirpc.ToolResult, 0, len(resp.ToolCalls))
		treeResults := make([]tree.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			s.PendingToolCalls[call.ID] = call
			s.CurrentToolCallID = call.ID
			outcome := m.runTool(ctx, s, call)
			delete(s.PendingToolCalls, call.ID)
			s.CurrentToolCallID = ""
			s.CompletedToolCalls[call.ID] = outcome
			result.ToolResults = append(result.ToolResults, outcome)
			toolResults = append(toolResults, pirpc.ToolResult{
				ToolCallID: call.ID,
				Result:     outcome.Result,
				Error:      outcome.Error,
			})
			treeResults = append(treeResults, tree.ToolResult{
				ToolCallID: call.ID,
				Content:    outcome.Result,
				Error:      outcome.Error,
			})
		}
		m.appendNodeLocked(ctx, s, tree.RoleTool, "", tree.AddNodeOptions{
			ToolResults: treeResults,
		})
		req = &pirpc.SendRequest{ToolResults: toolResults}
	}

	m.compactIfNeededLocked(ctx, s)
	return result, nil
}

// SendMessageStream delivers a message and returns the worker's chunk
// stream. Tool-call chunks are intercepted inline and their results
// submitted back; the full exchange is appended to the tree when the
// stream completes.
func (m *Manager) SendMessageStream(ctx context.Context, id, content string) (<-chan pirpc.StreamChunk, error) {
	ls := m.live(id)
	if ls == nil {
		return nil, &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	s := ls.session
	if s.State != StateActive {
		ls.mu.Unlock()
		return nil, &SessionError{Code: CodeSessionNotActive, SessionID: id, Message: "session is " + string(s.State)}
	}
	worker := ls.worker
	m.appendNodeLocked(ctx, s, tree.RoleUser, content, tree.AddNodeOptions{})
	s.MessageCount++
	ls.mu.Unlock()

	chunks, err := worker.SendStream(ctx, &pirpc.SendRequest{Content: content})
	if err != nil {
		return nil, err
	}

	out := make(chan pirpc.StreamChunk, pirpc.DefaultStreamBuffer)
	go func() {
		defer close(out)
		assistant := ""
		var calls []tree.ToolCall
		var results []tree.ToolResult
		for chunk := range chunks {
			switch chunk.Type {
			case pirpc.ChunkContent:
				assistant += chunk.Content
			case pirpc.ChunkToolCall:
				if chunk.ToolCall != nil {
					calls = append(calls, tree.ToolCall{
						ID:        chunk.ToolCall.ID,
						Name:      chunk.ToolCall.Name,
						Arguments: chunk.ToolCall.Arguments,
					})
					ls.mu.Lock()
					outcome := m.runTool(ctx, s, *chunk.ToolCall)
					s.CompletedToolCalls[chunk.ToolCall.ID] = outcome
					ls.mu.Unlock()
					results = append(results, tree.ToolResult{
						ToolCallID: chunk.ToolCall.ID,
						Content:    outcome.Result,
						Error:      outcome.Error,
					})
					if err := worker.SubmitToolResult(ctx, &pirpc.SubmitToolResultRequest{
						ToolCallID: chunk.ToolCall.ID,
						Result:     outcome.Result,
					}); err != nil {
						m.logger.Warn("tool result submission failed",
							"session", id, "tool_call", chunk.ToolCall.ID, "error", err)
					}
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}

		ls.mu.Lock()
		m.appendNodeLocked(ctx, s, tree.RoleAssistant, assistant, tree.AddNodeOptions{ToolCalls: calls})
		if len(results) > 0 {
			m.appendNodeLocked(ctx, s, tree.RoleTool, "", tree.AddNodeOptions{ToolResults: results})
		}
		s.MessageCount++
		s.LastActivityAt = m.now()
		m.compactIfNeededLocked(ctx, s)
		ls.mu.Unlock()
	}()
	return out, nil
}

// runTool dispatches one tool call through the interceptor.
func (m *Manager) runTool(ctx context.Context, s *Session, call pirpc.ToolCall) *interceptor.Result {
	if m.tools == nil {
		return &interceptor.Result{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Success:    false,
			Error:      "no tool interceptor configured",
		}
	}
	outcome, err := m.tools.Intercept(ctx, &interceptor.Call{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
	}, &interceptor.Context{
		SessionID:    s.ID,
		AgentID:      s.AgentID,
		WorktreeRoot: s.Config.WorktreePath,
	})
	if err != nil && outcome == nil {
		outcome = &interceptor.Result{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Success:    false,
			Error:      err.Error(),
		}
	}
	return outcome
}

// appendNodeLocked records one message in the conversation tree.
func (m *Manager) appendNodeLocked(ctx context.Context, s *Session, role tree.Role, content string, opts tree.AddNodeOptions) {
	if m.trees == nil {
		return
	}
	node, err := m.trees.AddNode(ctx, s.ID, role, content, opts)
	if err != nil {
		m.logger.Warn("conversation tree append failed", "session", s.ID, "role", role, "error", err)
		return
	}
	s.CurrentNodeID = node.ID
	s.TokenCount = node.CumulativeTokens
}

// compactIfNeededLocked compacts the tree once it crosses the configured
// token threshold.
func (m *Manager) compactIfNeededLocked(ctx context.Context, s *Session) {
	if m.trees == nil {
		return
	}
	t, err := m.trees.GetTree(ctx, s.ID)
	if err != nil {
		return
	}
	if t.Metadata.TotalTokens <= s.Config.Persistence.CompactThreshold {
		return
	}
	report, err := m.trees.CompactHistory(ctx, s.ID, s.Config.Persistence.CompactThreshold)
	if err != nil {
		m.logger.Warn("compaction failed", "session", s.ID, "error", err)
		return
	}
	m.logger.Info("conversation compacted", "session", s.ID,
		"nodes", report.CompactedNodes, "saved_tokens", report.TokensSaved)
}

// SubmitToolResult forwards an externally produced tool result (e.g. an
// approved call) to the worker.
func (m *Manager) SubmitToolResult(ctx context.Context, id, toolCallID string, result any) error {
	ls := m.live(id)
	if ls == nil {
		return &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.session.State != StateActive {
		return &SessionError{Code: CodeSessionNotActive, SessionID: id, Message: "session is " + string(ls.session.State)}
	}
	delete(ls.session.PendingToolCalls, toolCallID)
	return ls.worker.SubmitToolResult(ctx, &pirpc.SubmitToolResultRequest{
		ToolCallID: toolCallID,
		Result:     result,
	})
}

// SwitchModel changes the session's model in place.
func (m *Manager) SwitchModel(ctx context.Context, id, model string) error {
	ls := m.live(id)
	if ls == nil {
		return &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.session.State != StateActive {
		return &SessionError{Code: CodeSessionNotActive, SessionID: id, Message: "session is " + string(ls.session.State)}
	}
	if err := ls.worker.SwitchModel(ctx, model); err != nil {
		return err
	}
	ls.session.Config.Model = model
	ls.session.LastActivityAt = m.now()
	return nil
}

// SwitchProvider changes the session's provider in place. The worker must
// support the target provider on the same instance.
func (m *Manager) SwitchProvider(ctx context.Context, id, provider string) error {
	ls := m.live(id)
	if ls == nil {
		return &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.session.State != StateActive {
		return &SessionError{Code: CodeSessionNotActive, SessionID: id, Message: "session is " + string(ls.session.State)}
	}
	if err := ls.worker.SwitchProvider(ctx, provider); err != nil {
		return err
	}
	ls.session.LastActivityAt = m.now()
	return nil
}

// WorkerStatus fetches the worker-side view of the session.
func (m *Manager) WorkerStatus(ctx context.Context, id string) (*pirpc.StatusResponse, error) {
	ls := m.live(id)
	if ls == nil {
		return nil, &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.worker == nil {
		return nil, &SessionError{Code: CodeSessionNotActive, SessionID: id, Message: "no worker attached"}
	}
	return ls.worker.Status(ctx)
}

// toTreeCalls maps wire tool calls to tree records.
func toTreeCalls(calls []pirpc.ToolCall) []tree.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]tree.ToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, tree.ToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
	}
	return out
}
