package evp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/beam-cloud/evp/pkg/common"
)

// Hooks observe a single pack or unpack call. Every field is optional.
// Callbacks run on the goroutine doing the work and must do their own
// synchronization if they touch shared state.
type Hooks struct {
	OnStart    func()
	OnProgress func(delta float32)
	OnFinish   func(result common.Result)

	// Cancel is polled once per file. The caller keeps it alive until
	// OnFinish fires.
	Cancel *atomic.Bool
}

// hookRunner dispatches to optional hooks and guarantees OnFinish fires at
// most once.
type hookRunner struct {
	hooks    *Hooks
	finished sync.Once
}

func newHookRunner(hooks *Hooks) *hookRunner {
	return &hookRunner{hooks: hooks}
}

func (h *hookRunner) start() {
	if h.hooks != nil && h.hooks.OnStart != nil {
		h.hooks.OnStart()
	}
}

func (h *hookRunner) progress(delta float32) {
	if h.hooks != nil && h.hooks.OnProgress != nil {
		h.hooks.OnProgress(delta)
	}
}

func (h *hookRunner) finish(result common.Result) {
	h.finished.Do(func() {
		if h.hooks != nil && h.hooks.OnFinish != nil {
			h.hooks.OnFinish(result)
		}
	})
}

func (h *hookRunner) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return h.hooks != nil && h.hooks.Cancel != nil && h.hooks.Cancel.Load()
}
