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

package registry

import "time"

// Event is a registry notification. The catalog is closed; new event kinds
// require a new concrete type here.
type Event interface {
	Kind() string
}

// InstanceRegistered is emitted when an instance joins the registry.
type InstanceRegistered struct {
	Instance *Instance
}

func (InstanceRegistered) Kind() string { return "instance.registered" }

// InstanceUnregistered is emitted when an instance leaves the registry.
// Reason is "replaced" when a register call overwrote the same id.
type InstanceUnregistered struct {
	InstanceID string
	Reason     string
}

func (InstanceUnregistered) Kind() string { return "instance.unregistered" }

// InstanceHealthChanged is emitted on a health transition.
type InstanceHealthChanged struct {
	InstanceID string
	Before     HealthStatus
	After      HealthStatus
}

func (InstanceHealthChanged) Kind() string { return "instance.health_changed" }

// InstanceFailed is emitted when an instance becomes unhealthy.
type InstanceFailed struct {
	InstanceID string
	Err        error
}

func (InstanceFailed) Kind() string { return "instance.failed" }

// CapacityChanged is emitted when aggregate capacity moved significantly
// (more than 10% of the previous available total) or the healthy-instance
// count changed.
type CapacityChanged struct {
	PreviousAvailable int
	Available         int
	HealthyInstances  int
}

func (CapacityChanged) Kind() string { return "capacity.changed" }

// DiscoveryCompleted is emitted after a discovery pass.
type DiscoveryCompleted struct {
	Strategy   string
	Discovered int
	Duration   time.Duration
}

func (DiscoveryCompleted) Kind() string { return "discovery.completed" }

// DiscoveryFailed is emitted when a discovery strategy errors.
type DiscoveryFailed struct {
	Strategy string
	Err      error
}

func (DiscoveryFailed) Kind() string { return "discovery.failed" }

// EventHandler receives registry events. Handlers run synchronously on the
// emitting goroutine and must not block.
type EventHandler func(Event)
