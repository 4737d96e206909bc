// Package convstate implements the Conversation agent's state machine:
// a closed transition table, a pending sub-agent slot with suspend and
// resume, and a feedback inbox fed from failure events.
package convstate

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/eventbus"
	"github.com/loomworks/loom/internal/events"
)

// State is the Conversation agent's lifecycle state.
type State string

const (
	StateIdle               State = "IDLE"
	StateProcessing         State = "PROCESSING"
	StateWaitingForSubagent State = "WAITING_FOR_SUBAGENT"
	StateCompleted          State = "COMPLETED"
	StateError              State = "ERROR"
)

var validTransitions = map[State]map[State]bool{
	StateIdle:               {StateProcessing: true, StateError: true},
	StateProcessing:         {StateWaitingForSubagent: true, StateCompleted: true, StateError: true, StateIdle: true},
	StateWaitingForSubagent: {StateProcessing: true, StateError: true},
	StateCompleted:          {StateIdle: true},
	StateError:              {StateIdle: true},
}

// InvalidTransition reports a transition outside the closed table. It is
// a programming error and always propagates to the caller.
type InvalidTransition struct {
	From State
	To   State
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

const source = "conversation-agent"

// Machine is one Conversation agent's state machine.
//
// Lock ordering: stateMu is never held while taking criticalMu or while
// publishing on the bus. Publishes happen after stateMu is released.
type Machine struct {
	sessionID string
	bus       *eventbus.Bus
	logger    *zap.Logger

	stateMu    sync.Mutex
	criticalMu sync.Mutex

	state                 State
	pendingSubagentID     string
	pendingTaskID         string
	suspendedContext      map[string]any
	lastSubagentResult    any
	subagentResultHistory []any

	feedbackMu       sync.Mutex
	pendingFeedbacks []events.Event

	tasksMu sync.Mutex
	tasks   map[uint64]struct{}
	taskSeq uint64
	wg      sync.WaitGroup
}

// NewMachine builds a machine in the IDLE state.
func NewMachine(sessionID string, bus *eventbus.Bus, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		sessionID: sessionID,
		bus:       bus,
		logger:    logger,
		state:     StateIdle,
		tasks:     make(map[uint64]struct{}),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// SessionID returns the machine's session identifier.
func (m *Machine) SessionID() string { return m.sessionID }

// transitionLocked swaps the state. Caller holds stateMu.
func (m *Machine) transitionLocked(to State) (State, error) {
	from := m.state
	if !validTransitions[from][to] {
		return from, &InvalidTransition{From: from, To: to}
	}
	m.state = to
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	return from, nil
}

// TransitionTo swaps the state and schedules a best-effort background
// publish of StateChanged.
func (m *Machine) TransitionTo(ctx context.Context, to State) error {
	m.stateMu.Lock()
	from, err := m.transitionLocked(to)
	m.stateMu.Unlock()
	if err != nil {
		return err
	}

	m.spawn(func() {
		m.publishStateChanged(ctx, from, to)
	})
	return nil
}

// TransitionToAsync swaps the state and publishes StateChanged under the
// critical event lock, guaranteeing ordered at-most-once-per-transition
// delivery.
func (m *Machine) TransitionToAsync(ctx context.Context, to State) error {
	m.stateMu.Lock()
	from, err := m.transitionLocked(to)
	m.stateMu.Unlock()
	if err != nil {
		return err
	}

	m.publishStateChanged(ctx, from, to)
	return nil
}

func (m *Machine) publishStateChanged(ctx context.Context, from, to State) {
	if m.bus == nil {
		return
	}
	m.criticalMu.Lock()
	defer m.criticalMu.Unlock()
	m.bus.Publish(ctx, &events.StateChanged{
		Envelope:  events.NewEnvelope(source, ""),
		FromState: string(from),
		ToState:   string(to),
		SessionID: m.sessionID,
	})
}

// RequestSubAgent publishes a SpawnSubAgent event under the critical
// event lock so spawn requests stay ordered with state changes.
func (m *Machine) RequestSubAgent(ctx context.Context, subAgentType string, taskPayload map[string]any, priority int) {
	if m.bus == nil {
		return
	}
	m.criticalMu.Lock()
	defer m.criticalMu.Unlock()
	m.bus.Publish(ctx, &events.SpawnSubAgent{
		Envelope:     events.NewEnvelope(source, ""),
		SubAgentType: subAgentType,
		TaskPayload:  taskPayload,
		Priority:     priority,
		SessionID:    m.sessionID,
	})
}

// WaitForSubagent atomically stores the pending sub-agent slot with a
// deep copy of the reasoning context and transitions PROCESSING ->
// WAITING_FOR_SUBAGENT. The StateChanged publish happens after the state
// lock is released.
func (m *Machine) WaitForSubagent(ctx context.Context, subagentID, taskID string, contextData map[string]any) error {
	m.stateMu.Lock()
	from, err := m.transitionLocked(StateWaitingForSubagent)
	if err != nil {
		m.stateMu.Unlock()
		return err
	}
	m.pendingSubagentID = subagentID
	m.pendingTaskID = taskID
	m.suspendedContext = deepCopyMap(contextData)
	m.stateMu.Unlock()

	m.publishStateChanged(ctx, from, StateWaitingForSubagent)
	return nil
}

// ResumeFromSubagent restores the suspended context with the sub-agent
// result injected under "subagent_result", clears the pending slot, and
// transitions back to PROCESSING. Returns the restored context.
func (m *Machine) ResumeFromSubagent(ctx context.Context, result any) (map[string]any, error) {
	m.stateMu.Lock()
	from, err := m.transitionLocked(StateProcessing)
	if err != nil {
		m.stateMu.Unlock()
		return nil, err
	}
	restored := deepCopyMap(m.suspendedContext)
	if restored == nil {
		restored = make(map[string]any)
	}
	restored["subagent_result"] = result
	m.pendingSubagentID = ""
	m.pendingTaskID = ""
	m.suspendedContext = nil
	m.stateMu.Unlock()

	m.publishStateChanged(ctx, from, StateProcessing)
	return restored, nil
}

// RegisterEventHandlers subscribes the machine to sub-agent completions
// and the feedback events the reasoning loop consumes.
func (m *Machine) RegisterEventHandlers(bus *eventbus.Bus) {
	bus.Subscribe(events.TypeSubAgentCompleted, m.onSubAgentCompleted)
	bus.Subscribe(events.TypeWorkflowAdjustmentRequested, m.onFeedback)
	bus.Subscribe(events.TypeNodeFailureHandled, m.onFeedback)
}

func (m *Machine) onSubAgentCompleted(ctx context.Context, ev events.Event) {
	done, ok := ev.(*events.SubAgentCompleted)
	if !ok {
		return
	}

	m.stateMu.Lock()
	if done.SubAgentID != m.pendingSubagentID || m.state != StateWaitingForSubagent {
		m.stateMu.Unlock()
		m.logger.Debug("Ignoring sub-agent completion",
			zap.String("subagent_id", done.SubAgentID),
			zap.String("pending", m.pendingSubagentID),
		)
		return
	}
	m.subagentResultHistory = append(m.subagentResultHistory, done.Result)
	m.lastSubagentResult = done.Result
	m.stateMu.Unlock()

	if _, err := m.ResumeFromSubagent(ctx, done.Result); err != nil {
		m.logger.Warn("Resume after sub-agent completion failed",
			zap.String("subagent_id", done.SubAgentID),
			zap.Error(err),
		)
	}
}

func (m *Machine) onFeedback(ctx context.Context, ev events.Event) {
	m.feedbackMu.Lock()
	m.pendingFeedbacks = append(m.pendingFeedbacks, ev)
	m.feedbackMu.Unlock()
	feedbacksPending.Inc()
}

// GetPendingFeedbacks returns a copy of the feedback inbox.
func (m *Machine) GetPendingFeedbacks() []events.Event {
	m.feedbackMu.Lock()
	defer m.feedbackMu.Unlock()
	return append([]events.Event(nil), m.pendingFeedbacks...)
}

// ClearFeedbacks empties the feedback inbox.
func (m *Machine) ClearFeedbacks() {
	m.feedbackMu.Lock()
	n := len(m.pendingFeedbacks)
	m.pendingFeedbacks = nil
	m.feedbackMu.Unlock()
	feedbacksPending.Sub(float64(n))
}

// PendingSubagentID returns the currently awaited sub-agent id, if any.
func (m *Machine) PendingSubagentID() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.pendingSubagentID
}

// LastSubagentResult returns the most recent sub-agent result.
func (m *Machine) LastSubagentResult() any {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.lastSubagentResult
}

// SubagentResultHistory returns all recorded sub-agent results in order.
func (m *Machine) SubagentResultHistory() []any {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return append([]any(nil), m.subagentResultHistory...)
}

// spawn runs fn as a tracked background task. Tasks auto-remove from the
// set on completion.
func (m *Machine) spawn(fn func()) {
	m.tasksMu.Lock()
	m.taskSeq++
	id := m.taskSeq
	m.tasks[id] = struct{}{}
	m.tasksMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer func() {
			m.tasksMu.Lock()
			delete(m.tasks, id)
			m.tasksMu.Unlock()
			m.wg.Done()
		}()
		fn()
	}()
}

// TrackedTaskCount returns the number of in-flight background tasks.
func (m *Machine) TrackedTaskCount() int {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	return len(m.tasks)
}

// WaitForBackgroundTasks blocks until all tracked tasks finish.
func (m *Machine) WaitForBackgroundTasks() {
	m.wg.Wait()
}

// deepCopyMap copies nested maps and slices; other values are shared.
func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
