package launch

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-launcher/pkg/errors"
)

// InputGate admits at most one holder at a time. The synthetic-input
// collaborator enters it for the phase in which a client window receives
// generated input; the bulk launcher's serialization keeps waiters short.
type InputGate struct {
	slot chan struct{}
}

func NewInputGate() *InputGate {
	return &InputGate{slot: make(chan struct{}, 1)}
}

// Enter blocks until the gate is free or ctx ends. Calling the returned
// release function more than once is harmless.
func (g *InputGate) Enter(ctx context.Context) (func(), error) {
	select {
	case g.slot <- struct{}{}:
		return g.releaser(), nil
	case <-ctx.Done():
		return nil, errors.NewCancelledError("input gate wait cancelled", ctx.Err())
	}
}

// TryEnter takes the gate only if it is free.
func (g *InputGate) TryEnter() (func(), bool) {
	select {
	case g.slot <- struct{}{}:
		return g.releaser(), true
	default:
		return nil, false
	}
}

func (g *InputGate) Busy() bool {
	return len(g.slot) > 0
}

func (g *InputGate) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-g.slot })
	}
}
