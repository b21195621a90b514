package evp

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/evp/pkg/common"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Operation tracks one background pack or unpack call. It moves from idle
// to running and then to exactly one of completed, cancelled or failed.
type Operation struct {
	id     string
	kind   string
	state  atomic.Int32
	done   chan struct{}
	result common.Result
	cancel context.CancelFunc

	onFinish func(result common.Result)
}

func newOperation(kind string) *Operation {
	return &Operation{
		id:   uuid.New().String(),
		kind: kind,
		done: make(chan struct{}),
	}
}

func (o *Operation) ID() string {
	return o.id
}

func (o *Operation) State() State {
	return State(o.state.Load())
}

// Done is closed once the operation reached a terminal state.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Result returns the final result. ok is false while the operation is
// still idle or running. The result is already visible from OnFinish.
func (o *Operation) Result() (result common.Result, ok bool) {
	switch o.State() {
	case StateIdle, StateRunning:
		return common.Result{}, false
	default:
		return o.result, true
	}
}

// Wait blocks until the operation finishes or ctx is done.
func (o *Operation) Wait(ctx context.Context) (common.Result, error) {
	select {
	case <-o.done:
		return o.result, nil
	case <-ctx.Done():
		return common.Result{}, ctx.Err()
	}
}

// Cancel asks the operation to stop at the next file boundary.
func (o *Operation) Cancel() {
	if o.cancel != nil {
		o.cancel()
	}
}

// adoptFinish takes over the OnFinish hook so it fires after the terminal
// state is set. The returned hooks are what fn must run with.
func (o *Operation) adoptFinish(hooks *Hooks) *Hooks {
	if hooks == nil || hooks.OnFinish == nil {
		return hooks
	}
	o.onFinish = hooks.OnFinish
	wrapped := *hooks
	wrapped.OnFinish = nil
	return &wrapped
}

// start runs fn on a new goroutine with a context the operation can cancel.
func (o *Operation) start(ctx context.Context, fn func(ctx context.Context) common.Result) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.state.Store(int32(StateRunning))

	go func() {
		defer o.cancel()

		result := fn(ctx)
		o.result = result

		switch result.Status {
		case common.StatusOK:
			o.state.Store(int32(StateCompleted))
		case common.StatusCancelled:
			o.state.Store(int32(StateCancelled))
		default:
			o.state.Store(int32(StateFailed))
		}

		log.Debug().Str("operation_id", o.id).Str("kind", o.kind).Str("state", o.State().String()).Msg("operation finished")
		if o.onFinish != nil {
			o.onFinish(result)
		}
		close(o.done)
	}()
}
