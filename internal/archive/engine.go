package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pierrec/lz4/v4"

	"mlc-go/internal/mlc"
)

// ErrBusy is reported when StartCompress is called while a run is active.
var ErrBusy = errors.New("compression already running")

// Engine archives an installed package from a Storage into a tar stream
// compressed with LZ4 and optionally encrypted. It runs one compression at
// a time and counts archive bytes written for progress polling.
type Engine struct {
	storage   mlc.Storage
	encryptor mlc.Encryptor // nil disables encryption
	clock     mlc.Clock

	written atomic.Uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

var _ mlc.CompressionEngine = (*Engine)(nil)

// NewEngine creates an engine reading packages from storage.
// encryptor may be nil.
func NewEngine(storage mlc.Storage, encryptor mlc.Encryptor, clock mlc.Clock) *Engine {
	return &Engine{storage: storage, encryptor: encryptor, clock: clock}
}

// StartCompress archives the directory source into out on a new goroutine.
func (e *Engine) StartCompress(source string, out io.WriteCloser, onFinished func(), onError func(error)) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		out.Close()
		onError(ErrBusy)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	e.written.Store(0)
	e.mu.Unlock()

	go func() {
		err := e.compress(ctx, source, out)

		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
		cancel()

		if err != nil {
			onError(err)
			return
		}
		onFinished()
	}()
}

// CurrentProgress returns the archive bytes written by the current or last run.
func (e *Engine) CurrentProgress() uint64 {
	return e.written.Load()
}

// CancelCompression stops the running compression, if any. The run reports
// context.Canceled through onError.
func (e *Engine) CancelCompression() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) compress(ctx context.Context, source string, out io.WriteCloser) (err error) {
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing archive: %w", cerr)
		}
	}()

	counted := &countingWriter{w: out, n: &e.written}

	h := Header{Version: Version}
	if e.encryptor != nil {
		h.Flags |= FlagEncrypted
	}
	if err := writeHeader(counted, h); err != nil {
		return err
	}

	var body io.Writer = counted
	var enc io.WriteCloser
	if e.encryptor != nil {
		if enc, err = e.encryptor.EncryptWriter(counted); err != nil {
			return fmt.Errorf("starting encryption: %w", err)
		}
		body = enc
	}

	zw := lz4.NewWriter(body)
	tw := tar.NewWriter(zw)

	if err := e.walk(ctx, tw, source); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close LZ4 writer: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("finalizing encryption: %w", err)
		}
	}
	return nil
}

type pendingDir struct {
	handle string
	name   string
}

// walk writes every directory and file beneath root, parents first, children
// in name order. Member names are relative to root.
func (e *Engine) walk(ctx context.Context, tw *tar.Writer, root string) error {
	now := e.clock.Now()
	stack := []pendingDir{{handle: root}}

	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := ctx.Err(); err != nil {
			return err
		}
		if d.name != "" {
			hdr := &tar.Header{Typeflag: tar.TypeDir, Name: d.name + "/", Mode: 0755, ModTime: now}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("write header %s: %w", d.name, err)
			}
		}

		children, err := e.storage.List(ctx, d.handle)
		if err != nil {
			return fmt.Errorf("listing %s: %w", d.handle, err)
		}

		var dirs []pendingDir
		for _, c := range children {
			name := path.Join(d.name, c.Name)
			if c.IsDir {
				dirs = append(dirs, pendingDir{handle: c.Handle, name: name})
				continue
			}
			if err := e.writeFile(ctx, tw, c, name, now); err != nil {
				return err
			}
		}
		for i := len(dirs) - 1; i >= 0; i-- {
			stack = append(stack, dirs[i])
		}
	}
	return nil
}

func (e *Engine) writeFile(ctx context.Context, tw *tar.Writer, n mlc.Node, name string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hdr := &tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0644, Size: n.Size, ModTime: now}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}

	rc, err := e.storage.Open(ctx, n.Handle)
	if err != nil {
		return fmt.Errorf("open %s: %w", n.Handle, err)
	}
	defer rc.Close()

	// A size mismatch with the listing surfaces as a tar write error.
	if _, err := io.Copy(tw, &ctxReader{ctx: ctx, r: rc}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// countingWriter adds every byte written to n.
type countingWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(uint64(n))
	return n, err
}

// ctxReader fails reads once ctx is done so large files stop promptly.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
