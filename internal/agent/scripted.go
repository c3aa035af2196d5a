package agent

import (
	"context"
	"sync"
)

// ScriptStep is one scripted behavior: either emit an event or consult
// the gate for a tool call.
type ScriptStep struct {
	Emit *Event

	// ToolName set means this step asks the gate before continuing. When
	// the gate denies, DeniedEvents replace the remaining steps up to the
	// next result event.
	ToolName     string
	ToolInput    map[string]interface{}
	DeniedEvents []Event
}

// ScriptedRuntime replays a fixed sequence of turns. Each Start call
// consumes the next script. Used in tests in place of the CLI process.
type ScriptedRuntime struct {
	mu      sync.Mutex
	scripts [][]ScriptStep
	started []Options
}

// NewScriptedRuntime creates a runtime replaying scripts in order.
func NewScriptedRuntime(scripts ...[]ScriptStep) *ScriptedRuntime {
	return &ScriptedRuntime{scripts: scripts}
}

// AddScript appends a turn script.
func (r *ScriptedRuntime) AddScript(steps []ScriptStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, steps)
}

// StartedOptions returns the options of every Start call, in order.
func (r *ScriptedRuntime) StartedOptions() []Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Options, len(r.started))
	copy(out, r.started)
	return out
}

func (r *ScriptedRuntime) Start(ctx context.Context, opts Options) (Handle, error) {
	r.mu.Lock()
	r.started = append(r.started, opts)
	var steps []ScriptStep
	if len(r.scripts) > 0 {
		steps = r.scripts[0]
		r.scripts = r.scripts[1:]
	}
	r.mu.Unlock()

	h := &scriptedHandle{
		events:      make(chan Event, 64),
		interrupted: make(chan struct{}),
		done:        make(chan struct{}),
	}
	go h.run(ctx, opts, steps)
	return h, nil
}

type scriptedHandle struct {
	events        chan Event
	interrupted   chan struct{}
	interruptOnce sync.Once
	done          chan struct{}
}

func (h *scriptedHandle) Events() <-chan Event { return h.events }

func (h *scriptedHandle) Interrupt(context.Context) error {
	h.interruptOnce.Do(func() { close(h.interrupted) })
	return nil
}

func (h *scriptedHandle) Wait() error {
	<-h.done
	return nil
}

func (h *scriptedHandle) run(ctx context.Context, opts Options, steps []ScriptStep) {
	defer close(h.done)
	defer close(h.events)

	denied := false
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return
		case <-h.interrupted:
			h.events <- Event{Type: EventResult, Subtype: "interrupted"}
			return
		default:
		}

		if step.ToolName != "" {
			decision := ToolDecision{Allow: true}
			if opts.Gate != nil {
				decision = opts.Gate(ctx, step.ToolName, step.ToolInput)
			}
			if !decision.Allow {
				denied = true
				for i := range step.DeniedEvents {
					h.events <- step.DeniedEvents[i]
				}
			}
			continue
		}

		if step.Emit == nil {
			continue
		}
		// After a denial, skip scripted events until the terminal result.
		if denied && step.Emit.Type != EventResult {
			continue
		}
		h.events <- *step.Emit
	}
}
