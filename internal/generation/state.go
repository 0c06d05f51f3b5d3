package generation

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type State string

const (
	StateReceived      State = "RECEIVED"
	StateQuotaChecked  State = "QUOTA_CHECKED"
	StateCacheChecked  State = "CACHE_CHECKED"
	StateCacheHit      State = "CACHE_HIT"
	StateRendering     State = "RENDERING"
	StateCalling       State = "CALLING"
	StatePostProcessed State = "POST_PROCESSED"
	StatePersisted     State = "PERSISTED"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

var transitions = map[State][]State{
	StateReceived:      {StateQuotaChecked, StateFailed},
	StateQuotaChecked:  {StateCacheChecked, StateFailed},
	StateCacheChecked:  {StateCacheHit, StateRendering, StateCalling, StateFailed},
	StateCacheHit:      {StatePersisted},
	StateRendering:     {StatePostProcessed, StateFailed},
	StateCalling:       {StatePostProcessed, StateFailed},
	StatePostProcessed: {StatePersisted},
	StatePersisted:     {StateDone},
}

// machine tracks the lifecycle of a single request.
type machine struct {
	state  State
	trail  []State
	span   trace.Span
	logger *zap.Logger
}

func newMachine(span trace.Span, logger *zap.Logger) *machine {
	m := &machine{state: StateReceived, trail: []State{StateReceived}, span: span, logger: logger}
	span.AddEvent("state", trace.WithAttributes(attribute.String("state", string(StateReceived))))
	return m
}

func (m *machine) to(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.logger.Debug("generation state", zap.String("from", string(m.state)), zap.String("to", string(next)))
			m.span.AddEvent("state", trace.WithAttributes(attribute.String("state", string(next))))
			m.state = next
			m.trail = append(m.trail, next)
			return nil
		}
	}
	m.logger.Error("illegal generation state transition", zap.String("from", string(m.state)), zap.String("to", string(next)))
	return fmt.Errorf("illegal state transition %s -> %s", m.state, next)
}

// fail moves to FAILED when the current state allows it. Terminal errors
// raised elsewhere are left as they are.
func (m *machine) fail() {
	for _, allowed := range transitions[m.state] {
		if allowed == StateFailed {
			_ = m.to(StateFailed)
			return
		}
	}
}
