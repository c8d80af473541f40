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

import (
	"context"
	"time"

	"github.com/kadirpekel/piplane/internal/httpclient"
)

// Health monitoring defaults.
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	DefaultRemovalGrace   = 5 * time.Minute
)

// HealthChecker probes a single instance. An error or a context deadline
// means unhealthy.
type HealthChecker interface {
	Check(ctx context.Context, inst *Instance) error
}

// HTTPHealthChecker probes the worker's /health endpoint.
type HTTPHealthChecker struct {
	client *httpclient.Client
}

// NewHTTPHealthChecker creates an HTTP health probe. A nil client uses
// defaults.
func NewHTTPHealthChecker(client *httpclient.Client) *HTTPHealthChecker {
	if client == nil {
		client = httpclient.New()
	}
	return &HTTPHealthChecker{client: client}
}

func (c *HTTPHealthChecker) Check(ctx context.Context, inst *Instance) error {
	return c.client.GetJSON(ctx, inst.Endpoint+"/health", nil)
}

// StartHealthMonitoring begins the periodic health check loop. Calling it
// while a monitor is running is a no-op.
func (r *Registry) StartHealthMonitoring(ctx context.Context) {
	r.mu.Lock()
	if r.monitorCancel != nil {
		r.mu.Unlock()
		return
	}
	monitorCtx, cancel := context.WithCancel(ctx)
	r.monitorCancel = cancel
	done := make(chan struct{})
	r.monitorDone = done
	interval := r.healthInterval
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				r.CheckAllInstances(monitorCtx)
			}
		}
	}()
	r.logger.Info("Health monitoring started", "interval", interval)
}

// StopHealthMonitoring stops the loop and waits for it to exit.
func (r *Registry) StopHealthMonitoring() {
	r.mu.Lock()
	cancel := r.monitorCancel
	done := r.monitorDone
	r.monitorCancel = nil
	r.monitorDone = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CheckAllInstances performs one health check pass. A single check's failure
// never aborts the remaining checks.
func (r *Registry) CheckAllInstances(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		r.checkInstance(ctx, id)
	}
}

func (r *Registry) checkInstance(ctx context.Context, id string) {
	inst := r.GetInstance(id)
	if inst == nil {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	start := r.now()
	err := r.checker.Check(checkCtx, inst)
	elapsed := r.now().Sub(start)
	cancel()

	status := classifyHealth(elapsed, r.healthTimeout, err)
	r.setInstanceHealth(id, status, err)
}

// classifyHealth maps probe latency to a status. Success within 80% of the
// timeout is healthy, between 80% and 100% degraded, failure unhealthy.
func classifyHealth(elapsed, timeout time.Duration, err error) HealthStatus {
	if err != nil || elapsed >= timeout {
		return HealthUnhealthy
	}
	if elapsed < time.Duration(float64(timeout)*0.8) {
		return HealthHealthy
	}
	return HealthDegraded
}

// setInstanceHealth applies a health verdict, emitting transition events and
// managing the removal grace timer.
func (r *Registry) setInstanceHealth(id string, status HealthStatus, cause error) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	before := inst.Health
	inst.Health = status
	if status != HealthUnhealthy {
		inst.LastHeartbeat = r.now()
	}
	r.mu.Unlock()

	if before == status {
		return
	}

	r.emit(InstanceHealthChanged{InstanceID: id, Before: before, After: status})
	r.logger.Info("Instance health changed", "instance_id", id, "before", before, "after", status)

	if status == HealthUnhealthy {
		r.emit(InstanceFailed{InstanceID: id, Err: cause})
		r.scheduleRemoval(id)
	} else {
		r.cancelRemoval(id)
	}
	r.evaluateCapacityChange()
}

// scheduleRemoval arms the grace-period timer that unregisters an instance
// that stays unhealthy.
func (r *Registry) scheduleRemoval(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, armed := r.removalTimers[id]; armed {
		return
	}
	r.removalTimers[id] = time.AfterFunc(r.removalGrace, func() {
		r.mu.Lock()
		delete(r.removalTimers, id)
		inst, ok := r.instances[id]
		stillUnhealthy := ok && inst.Health == HealthUnhealthy
		r.mu.Unlock()
		if stillUnhealthy {
			if err := r.Unregister(id, "unhealthy"); err != nil {
				r.logger.Warn("Failed to remove unhealthy instance", "instance_id", id, "error", err)
			}
		}
	})
}

func (r *Registry) cancelRemoval(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.removalTimers[id]; ok {
		timer.Stop()
		delete(r.removalTimers, id)
	}
}
