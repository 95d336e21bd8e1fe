package mlc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is how often compression progress is polled.
const DefaultPollInterval = 500 * time.Millisecond

// CompressionEngine builds archives of installed packages. It runs on its own
// and reports completion through callbacks; progress is only available by
// polling CurrentProgress.
type CompressionEngine interface {
	// StartCompress begins archiving source into out and returns immediately.
	// Exactly one of onFinished or onError is called when the work ends.
	// The engine closes out.
	StartCompress(source string, out io.WriteCloser, onFinished func(), onError func(error))

	// CurrentProgress returns the bytes written so far by the running compression.
	CurrentProgress() uint64

	// CancelCompression asks the running compression to stop.
	CancelCompression()
}

// CompressResult is the result reported to a compress callback.
type CompressResult int

const (
	CompressFinished CompressResult = iota
	CompressError
)

func (r CompressResult) String() string {
	if r == CompressFinished {
		return "finished"
	}
	return "error"
}

// CompressCallback receives the result of a compression and its cause on error.
type CompressCallback func(result CompressResult, err error)

// future settles once with the outcome of an engine run.
type future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Compressor drives a CompressionEngine and republishes its progress.
type Compressor struct {
	engine   CompressionEngine
	interval time.Duration
	journal  Journal
	logger   Logger
	progress *Publisher[uint64]

	mu         sync.Mutex
	inProgress bool
	cancel     context.CancelFunc
	last       *job
}

// NewCompressor creates a Compressor polling engine every interval.
// interval <= 0 means DefaultPollInterval.
func NewCompressor(engine CompressionEngine, interval time.Duration, journal Journal, logger Logger) *Compressor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Compressor{
		engine:   engine,
		interval: interval,
		journal:  journal,
		logger:   logger,
		progress: NewPublisher[uint64](),
	}
}

// Progress returns the publisher of polled compression progress in bytes.
func (c *Compressor) Progress() *Publisher[uint64] {
	return c.progress
}

// InProgress reports whether a compression is running.
func (c *Compressor) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// Compress starts archiving source into out and returns true. While another
// compression is running it does nothing and returns false.
// cb is called once when the engine reports completion, unless the
// compression was cancelled. It must not call Wait.
func (c *Compressor) Compress(source string, out io.WriteCloser, cb CompressCallback) bool {
	c.mu.Lock()
	if c.inProgress {
		c.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.inProgress = true
	c.cancel = cancel
	j := newJob()
	c.last = j
	c.mu.Unlock()

	go c.run(ctx, cancel, j, source, out, cb)
	return true
}

// Cancel asks the engine to abort the running compression and clears progress.
// The request reaches the engine before another compression can start.
func (c *Compressor) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.engine.CancelCompression()
	c.progress.Clear()
}

// Wait blocks until the most recent compression settled.
func (c *Compressor) Wait() {
	c.mu.Lock()
	j := c.last
	c.mu.Unlock()
	j.wait()
}

func (c *Compressor) run(ctx context.Context, cancel context.CancelFunc, j *job, source string, out io.WriteCloser, cb CompressCallback) {
	defer j.finish()
	defer cancel()

	id := journalStart(c.journal, c.logger, OpCompress, source, "")

	f := newFuture()
	c.engine.StartCompress(source, out,
		func() { f.resolve(nil) },
		func(err error) {
			if err == nil {
				err = errors.New("compression failed")
			}
			f.resolve(err)
		})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.poll(gctx, f)
		return nil
	})
	g.Go(func() error {
		select {
		case <-f.done:
			return f.err
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	err := g.Wait()
	cancelled := ctx.Err() != nil
	if cancelled {
		// The engine owns out until it reports.
		<-f.done
	}

	c.mu.Lock()
	c.progress.Clear()
	c.inProgress = false
	c.cancel = nil
	c.mu.Unlock()

	switch {
	case cancelled:
		c.logger.Info("compression cancelled", "source", source)
		journalFinish(c.journal, c.logger, id, StatusCancelled, nil)
	case err != nil:
		c.logger.Error("compression failed", "source", source, "error", err)
		journalFinish(c.journal, c.logger, id, StatusError, err)
		if cb != nil {
			cb(CompressError, err)
		}
	default:
		c.logger.Info("compression finished", "source", source)
		journalFinish(c.journal, c.logger, id, StatusFinished, nil)
		if cb != nil {
			cb(CompressFinished, nil)
		}
	}
}

// poll publishes the engine's counter every interval until f settles or ctx
// is done.
func (c *Compressor) poll(ctx context.Context, f *future) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-f.done:
				return
			default:
			}
			c.progress.Publish(c.engine.CurrentProgress())
		}
	}
}
