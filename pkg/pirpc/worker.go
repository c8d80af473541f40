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

package pirpc

import (
	"context"
	"encoding/json"
)

// Typed wrappers over Call/Stream for every worker operation.

// Init starts a worker-side session.
func (c *Client) Init(ctx context.Context, req *InitRequest) (*InitResponse, error) {
	var resp InitResponse
	if err := c.Call(ctx, MethodSessionInit, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CloseSession ends the worker session gracefully.
func (c *Client) CloseSession(ctx context.Context) error {
	return c.Call(ctx, MethodSessionClose, nil, nil)
}

// Kill terminates the worker session immediately.
func (c *Client) Kill(ctx context.Context) error {
	return c.Call(ctx, MethodSessionKill, nil, nil)
}

// Send delivers a message and waits for the full reply.
func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	var resp SendResponse
	if err := c.Call(ctx, MethodSessionSend, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendStream delivers a message and returns the reply as a chunk stream.
func (c *Client) SendStream(ctx context.Context, req *SendRequest) (<-chan StreamChunk, error) {
	return c.Stream(ctx, MethodSessionSendStream, req)
}

// SubmitToolResult reports one tool invocation's outcome.
func (c *Client) SubmitToolResult(ctx context.Context, req *SubmitToolResultRequest) error {
	return c.Call(ctx, MethodSessionSubmitToolResult, req, nil)
}

// Status fetches the worker-side session status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.Call(ctx, MethodSessionStatus, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SwitchModel changes the model in place.
func (c *Client) SwitchModel(ctx context.Context, model string) error {
	return c.Call(ctx, MethodSessionSwitchModel, &SwitchModelRequest{Model: model}, nil)
}

// SwitchProvider changes the provider in place.
func (c *Client) SwitchProvider(ctx context.Context, provider string) error {
	return c.Call(ctx, MethodSessionSwitchProvider, &SwitchProviderRequest{Provider: provider}, nil)
}

// Restore rehydrates the worker session from serialized state.
func (c *Client) Restore(ctx context.Context, req *RestoreRequest) error {
	return c.Call(ctx, MethodSessionRestore, req, nil)
}

// Checkpoint asks the worker to serialize its current state. The result is
// the worker's opaque state map.
func (c *Client) Checkpoint(ctx context.Context) (map[string]any, error) {
	var state map[string]any
	if err := c.Call(ctx, MethodSessionCheckpoint, nil, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// TreeGet fetches the worker's conversation tree as raw JSON.
func (c *Client) TreeGet(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, MethodTreeGet, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// TreeBranch creates a named branch from a node.
func (c *Client) TreeBranch(ctx context.Context, fromNodeID, name string) error {
	return c.Call(ctx, MethodTreeBranch, &TreeBranchRequest{FromNodeID: fromNodeID, Name: name}, nil)
}

// TreeSwitchBranch switches the worker's active branch.
func (c *Client) TreeSwitchBranch(ctx context.Context, branchID string) error {
	return c.Call(ctx, MethodTreeSwitchBranch, &TreeSwitchBranchRequest{BranchID: branchID}, nil)
}

// TreeFork forks the conversation at a node.
func (c *Client) TreeFork(ctx context.Context, fromNodeID string) error {
	return c.Call(ctx, MethodTreeFork, &TreeForkRequest{FromNodeID: fromNodeID}, nil)
}

// TreeCompact compacts history above a token threshold.
func (c *Client) TreeCompact(ctx context.Context, threshold int) error {
	return c.Call(ctx, MethodTreeCompact, &TreeCompactRequest{Threshold: threshold}, nil)
}
