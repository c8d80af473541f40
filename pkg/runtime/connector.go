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

package runtime

import (
	"context"

	"github.com/kadirpekel/piplane/pkg/pirpc"
	"github.com/kadirpekel/piplane/pkg/registry"
	"github.com/kadirpekel/piplane/pkg/session"
)

// ConnectorFunc adapts a function to session.Connector.
type ConnectorFunc func(ctx context.Context, inst *registry.Instance) (session.Worker, error)

func (f ConnectorFunc) Connect(ctx context.Context, inst *registry.Instance) (session.Worker, error) {
	return f(ctx, inst)
}

// DialConnector opens worker RPC channels by dialing the instance endpoint
// and speaking newline-delimited JSON frames.
type DialConnector struct {
	clientOpts []pirpc.ClientOption
}

// NewDialConnector creates a connector. Options are passed to every client
// it opens.
func NewDialConnector(opts ...pirpc.ClientOption) *DialConnector {
	return &DialConnector{clientOpts: opts}
}

func (c *DialConnector) Connect(ctx context.Context, inst *registry.Instance) (session.Worker, error) {
	transport, err := pirpc.Dial(ctx, inst.Endpoint)
	if err != nil {
		return nil, err
	}
	return pirpc.NewClient(transport, c.clientOpts...), nil
}
