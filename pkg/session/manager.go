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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/piplane/pkg/interceptor"
	"github.com/kadirpekel/piplane/pkg/pirpc"
	"github.com/kadirpekel/piplane/pkg/registry"
	"github.com/kadirpekel/piplane/pkg/statesync"
	"github.com/kadirpekel/piplane/pkg/tree"
)

const (
	// MinAutoCheckpointInterval is the per-session floor between auto
	// checkpoints. Other triggers bypass it.
	MinAutoCheckpointInterval = 5 * time.Second
	// DefaultCadenceInterval is the auto-checkpoint supervisor tick.
	DefaultCadenceInterval = 5 * time.Second
	// maxToolRounds bounds the send pipeline's tool-call loop.
	maxToolRounds = 10
)

// Worker is the per-session RPC surface the manager drives. pirpc.Client
// implements it.
type Worker interface {
	Init(ctx context.Context, req *pirpc.InitRequest) (*pirpc.InitResponse, error)
	CloseSession(ctx context.Context) error
	Kill(ctx context.Context) error
	Send(ctx context.Context, req *pirpc.SendRequest) (*pirpc.SendResponse, error)
	SendStream(ctx context.Context, req *pirpc.SendRequest) (<-chan pirpc.StreamChunk, error)
	SubmitToolResult(ctx context.Context, req *pirpc.SubmitToolResultRequest) error
	Status(ctx context.Context) (*pirpc.StatusResponse, error)
	SwitchModel(ctx context.Context, model string) error
	SwitchProvider(ctx context.Context, provider string) error
	Restore(ctx context.Context, req *pirpc.RestoreRequest) error
	Checkpoint(ctx context.Context) (map[string]any, error)
	Close() error
}

var _ Worker = (*pirpc.Client)(nil)

// Connector opens a worker connection for an instance.
type Connector interface {
	Connect(ctx context.Context, inst *registry.Instance) (Worker, error)
}

// Instances is the registry surface the manager needs.
type Instances interface {
	GetInstance(id string) *registry.Instance
	SelectInstance(criteria registry.SelectionCriteria) *registry.Instance
}

// RouteFunc picks an instance for a session, excluding the given instance
// ids. The default implementation selects least-loaded from the registry;
// the runtime wires the router here.
type RouteFunc func(ctx context.Context, cfg *Config, exclude []string) (*registry.Instance, error)

// liveSession pairs the session record with its runtime attachments. Ops
// on one session serialize on mu.
type liveSession struct {
	mu      sync.Mutex
	session *Session
	worker  Worker

	checkpoints []*statesync.CheckpointData

	cadenceCancel context.CancelFunc
	cadenceDone   chan struct{}
}

// Manager owns all sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession

	instances Instances
	connector Connector
	sync      *statesync.Synchronizer
	trees     *tree.Manager
	tools     *interceptor.Interceptor
	route     RouteFunc

	handlers []EventHandler

	cadenceInterval time.Duration
	minAutoInterval time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRouteFunc overrides instance selection, typically with the router.
func WithRouteFunc(route RouteFunc) Option {
	return func(m *Manager) {
		if route != nil {
			m.route = route
		}
	}
}

// WithInterceptor wires the tool interceptor into the send pipeline.
func WithInterceptor(tools *interceptor.Interceptor) Option {
	return func(m *Manager) { m.tools = tools }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func withCadenceInterval(interval time.Duration) Option {
	return func(m *Manager) { m.cadenceInterval = interval }
}

func withMinAutoInterval(interval time.Duration) Option {
	return func(m *Manager) { m.minAutoInterval = interval }
}

// NewManager creates a session manager.
func NewManager(instances Instances, connector Connector, synchronizer *statesync.Synchronizer, trees *tree.Manager, opts ...Option) *Manager {
	m := &Manager{
		sessions:        make(map[string]*liveSession),
		instances:       instances,
		connector:       connector,
		sync:            synchronizer,
		trees:           trees,
		cadenceInterval: DefaultCadenceInterval,
		minAutoInterval: MinAutoCheckpointInterval,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.route == nil {
		m.route = m.defaultRoute
	}
	return m
}

// Subscribe registers an event handler.
func (m *Manager) Subscribe(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) emit(event Event) {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()
	for _, handler := range handlers {
		handler(event)
	}
}

// defaultRoute selects least-loaded from the registry.
func (m *Manager) defaultRoute(_ context.Context, cfg *Config, exclude []string) (*registry.Instance, error) {
	inst := m.instances.SelectInstance(registry.SelectionCriteria{
		PreferredProvider:    cfg.Provider,
		RequiredCapabilities: cfg.RequiredCapabilities,
		Region:               cfg.Region,
		Exclude:              exclude,
		Strategy:             registry.SelectLeastLoaded,
	})
	if inst == nil {
		return nil, &SessionError{Code: CodeNoInstance, Message: "no instance available"}
	}
	return inst, nil
}

// transition applies one state-machine step on a locked live session and
// emits session.state_changed. Terminal states are immutable.
func (m *Manager) transition(ls *liveSession, to State) error {
	s := ls.session
	if s.State.Terminal() || !CanTransition(s.State, to) {
		return &TransitionError{SessionID: s.ID, From: s.State, To: to}
	}
	before := s.State
	s.State = to
	s.LastActivityAt = m.now()
	m.emit(StateChanged{SessionID: s.ID, Before: before, After: to})
	return nil
}

// Create provisions a session: instance selection, worker init, and the
// auto-checkpoint cadence.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	cfg.normalize()
	id := "sess_" + uuid.NewString()

	s := &Session{
		ID:                 id,
		AgentID:            cfg.AgentID,
		State:              StateCreating,
		Config:             cfg,
		PendingToolCalls:   make(map[string]pirpc.ToolCall),
		CompletedToolCalls: make(map[string]*interceptor.Result),
		CreatedAt:          m.now(),
		LastActivityAt:     m.now(),
		Metadata:           cfg.Metadata,
	}
	ls := &liveSession{session: s}

	m.mu.Lock()
	m.sessions[id] = ls
	m.mu.Unlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()

	inst, err := m.route(ctx, &cfg, nil)
	if err != nil {
		m.failLocked(ls, err)
		return nil, err
	}
	s.InstanceID = inst.ID

	worker, err := m.connector.Connect(ctx, inst)
	if err != nil {
		m.failLocked(ls, err)
		return nil, &SessionError{Code: CodeSessionInitFailed, SessionID: id, Message: "worker connect failed", Err: err}
	}
	initResp, err := worker.Init(ctx, &pirpc.InitRequest{
		Provider:     string(cfg.Provider),
		Model:        cfg.Model,
		Tools:        cfg.Tools,
		SystemPrompt: cfg.SystemPrompt,
		WorktreePath: cfg.WorktreePath,
	})
	if err != nil {
		_ = worker.Close()
		m.failLocked(ls, err)
		return nil, &SessionError{Code: CodeSessionInitFailed, SessionID: id, Message: "worker init failed", Err: err}
	}
	ls.worker = worker
	if initResp.Model != "" {
		s.Config.Model = initResp.Model
	}

	if m.trees != nil {
		created, err := m.trees.CreateTree(ctx, id, cfg.SystemPrompt)
		if err != nil {
			m.logger.Warn("conversation tree creation failed", "session", id, "error", err)
		} else {
			s.RootNodeID = created.RootID
			s.CurrentNodeID = created.CurrentNodeID
		}
	}

	if err := m.transition(ls, StateActive); err != nil {
		return nil, err
	}
	if cfg.autoCheckpoint() {
		m.startCadenceLocked(ls)
	}
	m.logger.Info("session created", "session", id, "instance", inst.ID, "provider", cfg.Provider)
	return s.Clone(), nil
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (*Session, error) {
	ls := m.live(id)
	if ls == nil {
		return nil, &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.session.Clone(), nil
}

// List returns snapshots of all sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	live := make([]*liveSession, 0, len(m.sessions))
	for _, ls := range m.sessions {
		live = append(live, ls)
	}
	m.mu.RUnlock()

	out := make([]*Session, 0, len(live))
	for _, ls := range live {
		ls.mu.Lock()
		out = append(out, ls.session.Clone())
		ls.mu.Unlock()
	}
	return out
}

// Stats aggregates session counts by state.
type Stats struct {
	Total   int           `json:"total"`
	ByState map[State]int `json:"by_state"`
}

// GetStats returns session counts.
func (m *Manager) GetStats() Stats {
	stats := Stats{ByState: make(map[State]int)}
	for _, s := range m.List() {
		stats.Total++
		stats.ByState[s.State]++
	}
	return stats
}

// Pause checkpoints best-effort, stops the cadence, and parks the
// session.
func (m *Manager) Pause(ctx context.Context, id string) error {
	ls := m.live(id)
	if ls == nil {
		return &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, err := m.checkpointLocked(ctx, ls, statesync.TriggerStateChange); err != nil {
		m.logger.Warn("pre-pause checkpoint failed", "session", id, "error", err)
	}
	m.stopCadenceLocked(ls)
	if err := m.transition(ls, StatePaused); err != nil {
		return err
	}
	if err := m.sync.SaveSessionState(ctx, id, m.serializeLocked(ls)); err != nil {
		m.logger.Warn("session state persist failed", "session", id, "error", err)
	}
	return nil
}

// Resume reactivates a paused session, migrating when the original
// instance is gone or unhealthy.
func (m *Manager) Resume(ctx context.Context, id string) error {
	ls := m.live(id)
	if ls == nil {
		return &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if err := m.transition(ls, StateResuming); err != nil {
		return err
	}
	s := ls.session

	inst := m.instances.GetInstance(s.InstanceID)
	if inst == nil || inst.Health != registry.HealthHealthy {
		replacement, err := m.route(ctx, &s.Config, []string{s.InstanceID})
		if err != nil {
			m.failLocked(ls, err)
			return err
		}
		s.InstanceID = replacement.ID
		inst = replacement
	}

	if err := m.restoreOnInstanceLocked(ctx, ls, inst); err != nil {
		m.failLocked(ls, err)
		return &SessionError{Code: CodeSessionInitFailed, SessionID: id, Message: "resume restore failed", Err: err}
	}
	if err := m.transition(ls, StateActive); err != nil {
		return err
	}
	if s.Config.autoCheckpoint() {
		m.startCadenceLocked(ls)
	}
	return nil
}

// TerminateOptions controls shutdown behavior.
type TerminateOptions struct {
	// FinalCheckpoint creates a last manual checkpoint before release.
	FinalCheckpoint bool
	// Force kills the worker instead of closing gracefully.
	Force bool
}

// Terminate shuts a session down. Idempotent for already-terminated
// sessions: a warning is logged and no state change is emitted.
func (m *Manager) Terminate(ctx context.Context, id string, opts TerminateOptions) error {
	ls := m.live(id)
	if ls == nil {
		return &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	s := ls.session

	if s.State.Terminal() {
		m.logger.Warn("terminate on terminal session", "session", id, "state", s.State)
		return nil
	}

	if err := m.transition(ls, StateTerminating); err != nil {
		return err
	}
	if opts.FinalCheckpoint {
		if _, err := m.checkpointLocked(ctx, ls, statesync.TriggerManual); err != nil {
			m.logger.Warn("final checkpoint failed", "session", id, "error", err)
		}
	}
	m.stopCadenceLocked(ls)

	if ls.worker != nil {
		var err error
		if opts.Force {
			err = ls.worker.Kill(ctx)
		} else {
			err = ls.worker.CloseSession(ctx)
		}
		if err != nil {
			m.logger.Warn("worker shutdown failed", "session", id, "error", err)
		}
		_ = ls.worker.Close()
		ls.worker = nil
	}
	if m.trees != nil {
		m.trees.Evict(id)
	}
	return m.transition(ls, StateTerminated)
}

// Checkpoint creates a checkpoint for the session. Auto-triggered
// checkpoints respect the 5 s minimum interval and return nil data when
// skipped.
func (m *Manager) Checkpoint(ctx context.Context, id string, trigger statesync.Trigger) (*statesync.CheckpointData, error) {
	ls := m.live(id)
	if ls == nil {
		return nil, &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return m.checkpointLocked(ctx, ls, trigger)
}

func (m *Manager) checkpointLocked(ctx context.Context, ls *liveSession, trigger statesync.Trigger) (*statesync.CheckpointData, error) {
	s := ls.session
	if trigger == statesync.TriggerAuto && !s.LastCheckpointAt.IsZero() &&
		m.now().Sub(s.LastCheckpointAt) < m.minAutoInterval {
		return nil, nil
	}

	state := m.serializeLocked(ls)
	if ls.worker != nil {
		workerState, err := ls.worker.Checkpoint(ctx)
		if err != nil {
			m.logger.Warn("worker-side checkpoint failed", "session", s.ID, "error", err)
		} else if workerState != nil {
			state["worker_state"] = workerState
			if ref, ok := workerState["checkpoint_ref"].(string); ok {
				state["worker_checkpoint_ref"] = ref
			}
		}
	}

	data, err := m.sync.SaveCheckpoint(ctx, s.ID, state, trigger)
	if err != nil {
		return nil, &SessionError{Code: CodeCheckpointFailed, SessionID: s.ID, Message: "checkpoint save failed", Err: err}
	}
	ls.checkpoints = append(ls.checkpoints, data)
	s.LastCheckpointAt = m.now()
	s.CheckpointCount++
	m.emit(Checkpointed{SessionID: s.ID, CheckpointID: data.ID, Trigger: string(trigger)})
	return data, nil
}

// Checkpoints returns the in-memory checkpoint list for a session.
func (m *Manager) Checkpoints(id string) []*statesync.CheckpointData {
	ls := m.live(id)
	if ls == nil {
		return nil
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]*statesync.CheckpointData, len(ls.checkpoints))
	copy(out, ls.checkpoints)
	return out
}

// Restore rebuilds a session from a checkpoint: deserialize, select an
// instance (preferring the recorded one), restore worker-side, and
// reactivate.
func (m *Manager) Restore(ctx context.Context, checkpointID string) (*Session, error) {
	data, err := m.sync.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, &SessionError{Code: CodeSessionNotFound, SessionID: checkpointID, Message: "checkpoint not found"}
	}

	s := deserializeSession(data)
	ls := &liveSession{session: s}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	inst := m.instances.GetInstance(s.InstanceID)
	if inst == nil || inst.Health != registry.HealthHealthy {
		inst, err = m.route(ctx, &s.Config, []string{s.InstanceID})
		if err != nil {
			return nil, err
		}
		s.InstanceID = inst.ID
	}

	s.State = StateResuming
	if err := m.restoreOnInstanceLocked(ctx, ls, inst); err != nil {
		return nil, &SessionError{Code: CodeSessionInitFailed, SessionID: s.ID, Message: "restore failed", Err: err}
	}

	m.mu.Lock()
	m.sessions[s.ID] = ls
	m.mu.Unlock()

	if err := m.transition(ls, StateActive); err != nil {
		return nil, err
	}
	if s.Config.autoCheckpoint() {
		m.startCadenceLocked(ls)
	}
	m.logger.Info("session restored", "session", s.ID, "checkpoint", checkpointID, "instance", inst.ID)
	return s.Clone(), nil
}

// restoreOnInstanceLocked connects to inst and rehydrates the worker.
func (m *Manager) restoreOnInstanceLocked(ctx context.Context, ls *liveSession, inst *registry.Instance) error {
	if ls.worker != nil {
		_ = ls.worker.Close()
		ls.worker = nil
	}
	worker, err := m.connector.Connect(ctx, inst)
	if err != nil {
		return err
	}
	if err := worker.Restore(ctx, &pirpc.RestoreRequest{
		SessionID: ls.session.ID,
		State:     m.serializeLocked(ls),
	}); err != nil {
		_ = worker.Close()
		return err
	}
	ls.worker = worker
	return nil
}

// Migrate moves a session to a target instance with verification and
// rollback. The cadence is restarted only on success.
func (m *Manager) Migrate(ctx context.Context, id, targetInstanceID string) error {
	ls := m.live(id)
	if ls == nil {
		return &SessionError{Code: CodeSessionNotFound, SessionID: id, Message: "unknown session"}
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	s := ls.session

	target := m.instances.GetInstance(targetInstanceID)
	if target == nil || target.Health != registry.HealthHealthy {
		return &MigrationError{
			SessionID:        id,
			SourceInstanceID: s.InstanceID,
			TargetInstanceID: targetInstanceID,
			Reason:           "target instance unknown or unhealthy",
		}
	}
	source := m.instances.GetInstance(s.InstanceID)

	if _, err := m.checkpointLocked(ctx, ls, statesync.TriggerPreMigration); err != nil {
		return &MigrationError{
			SessionID:        id,
			SourceInstanceID: s.InstanceID,
			TargetInstanceID: targetInstanceID,
			Reason:           "pre-migration checkpoint failed",
			Err:              err,
		}
	}

	m.stopCadenceLocked(ls)
	if s.State == StateActive {
		if err := m.transition(ls, StatePaused); err != nil {
			return err
		}
	}
	if err := m.transition(ls, StateResuming); err != nil {
		return err
	}

	sourceID := s.InstanceID
	s.InstanceID = target.ID
	restoreErr := m.restoreOnInstanceLocked(ctx, ls, target)
	verifyErr := restoreErr
	if restoreErr == nil {
		verifyErr = m.verifyLocked(ctx, ls)
	}

	if verifyErr != nil {
		// Roll back to the source instance. The cadence stays stopped.
		s.InstanceID = sourceID
		rolledBack := false
		if source != nil {
			if err := m.restoreOnInstanceLocked(ctx, ls, source); err != nil {
				m.logger.Error("rollback restore failed", "session", id, "error", err)
			} else {
				rolledBack = true
			}
		}
		if rolledBack {
			if err := m.transition(ls, StateActive); err != nil {
				m.logger.Warn("post-rollback activation failed", "session", id, "error", err)
			}
		}
		return &MigrationError{
			SessionID:        id,
			SourceInstanceID: sourceID,
			TargetInstanceID: targetInstanceID,
			Reason:           "verification failed",
			RolledBack:       rolledBack,
			Err:              verifyErr,
		}
	}

	if err := m.transition(ls, StateActive); err != nil {
		return err
	}
	if s.Config.autoCheckpoint() {
		m.startCadenceLocked(ls)
	}
	m.logger.Info("session migrated", "session", id, "from", sourceID, "to", target.ID)
	return nil
}

// verifyLocked confirms the worker-side state matches the control plane.
func (m *Manager) verifyLocked(ctx context.Context, ls *liveSession) error {
	status, err := ls.worker.Status(ctx)
	if err != nil {
		return err
	}
	if status.SessionID != ls.session.ID {
		return &SessionError{
			Code:      CodeMigrationFailed,
			SessionID: ls.session.ID,
			Message:   "worker reports different session id " + status.SessionID,
		}
	}
	if status.MessageCount != ls.session.MessageCount {
		return &SessionError{
			Code:      CodeMigrationFailed,
			SessionID: ls.session.ID,
			Message:   "worker message count mismatch",
		}
	}
	return nil
}

// failLocked moves a session to failed (when legal) and emits
// session.failed.
func (m *Manager) failLocked(ls *liveSession, cause error) {
	m.stopCadenceLocked(ls)
	s := ls.session
	if !s.State.Terminal() && CanTransition(s.State, StateFailed) {
		_ = m.transition(ls, StateFailed)
	}
	m.emit(Failed{SessionID: s.ID, Err: cause})
}

func (m *Manager) live(id string) *liveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// startCadenceLocked launches the auto-checkpoint supervisor for one
// session.
func (m *Manager) startCadenceLocked(ls *liveSession) {
	if ls.cadenceCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ls.cadenceCancel = cancel
	done := make(chan struct{})
	ls.cadenceDone = done
	go m.runCadence(ctx, ls, done)
}

func (m *Manager) stopCadenceLocked(ls *liveSession) {
	if ls.cadenceCancel == nil {
		return
	}
	ls.cadenceCancel()
	ls.cadenceCancel = nil
	ls.cadenceDone = nil
}

// runCadence schedules auto checkpoints: every tick, if the session is
// active and messageCount is a nonzero multiple of the checkpoint
// interval, an auto checkpoint is attempted.
func (m *Manager) runCadence(ctx context.Context, ls *liveSession, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cadenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ls.mu.Lock()
			s := ls.session
			due := s.State == StateActive && s.MessageCount > 0 &&
				s.MessageCount%s.Config.Persistence.CheckpointInterval == 0
			if due {
				if _, err := m.checkpointLocked(ctx, ls, statesync.TriggerAuto); err != nil {
					m.logger.Warn("auto checkpoint failed", "session", s.ID, "error", err)
				}
			}
			ls.mu.Unlock()
		}
	}
}

// Dispose stops all cadences. Sessions are left as-is.
func (m *Manager) Dispose() {
	m.mu.Lock()
	live := make([]*liveSession, 0, len(m.sessions))
	for _, ls := range m.sessions {
		live = append(live, ls)
	}
	m.mu.Unlock()
	for _, ls := range live {
		ls.mu.Lock()
		m.stopCadenceLocked(ls)
		ls.mu.Unlock()
	}
}
