package testutil

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"mlc-go/internal/mlc"
)

// FakeEngine is a CompressionEngine driven by the test: progress is set with
// SetProgress and completion is triggered with Finish or Fail.
type FakeEngine struct {
	progress  atomic.Uint64
	cancelled atomic.Bool
	started   chan string

	mu         sync.Mutex
	out        io.WriteCloser
	onFinished func()
	onError    func(error)
}

var _ mlc.CompressionEngine = (*FakeEngine)(nil)

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{started: make(chan string, 16)}
}

func (e *FakeEngine) StartCompress(source string, out io.WriteCloser, onFinished func(), onError func(error)) {
	e.mu.Lock()
	e.out = out
	e.onFinished = onFinished
	e.onError = onError
	e.mu.Unlock()
	e.started <- source
}

// Started receives the source of every StartCompress call.
func (e *FakeEngine) Started() <-chan string {
	return e.started
}

func (e *FakeEngine) CurrentProgress() uint64 {
	return e.progress.Load()
}

// SetProgress sets the counter CurrentProgress reports.
func (e *FakeEngine) SetProgress(n uint64) {
	e.progress.Store(n)
}

// CancelCompression records the request and fails the run with context.Canceled.
func (e *FakeEngine) CancelCompression() {
	e.cancelled.Store(true)
	e.Fail(context.Canceled)
}

// Cancelled reports whether CancelCompression was called.
func (e *FakeEngine) Cancelled() bool {
	return e.cancelled.Load()
}

// Finish closes the output and reports success.
func (e *FakeEngine) Finish() {
	e.mu.Lock()
	out, cb := e.out, e.onFinished
	e.mu.Unlock()
	if out != nil {
		out.Close()
	}
	if cb != nil {
		cb()
	}
}

// Fail closes the output and reports err.
func (e *FakeEngine) Fail(err error) {
	e.mu.Lock()
	out, cb := e.out, e.onError
	e.mu.Unlock()
	if out != nil {
		out.Close()
	}
	if cb != nil {
		cb(err)
	}
}

// NopWriteCloser is an output handle that discards everything.
type NopWriteCloser struct {
	closed atomic.Bool
}

func (w *NopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }

func (w *NopWriteCloser) Close() error {
	w.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (w *NopWriteCloser) Closed() bool {
	return w.closed.Load()
}
