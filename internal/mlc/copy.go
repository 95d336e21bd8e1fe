package mlc

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// DefaultBufferSize is the size of the buffer files are streamed through.
const DefaultBufferSize = 8 * 1024

// Copier materializes an InstallPlan into a ContentStore.
type Copier struct {
	store ContentStore
	buf   []byte
}

// NewCopier creates a Copier writing into dest. bufferSize <= 0 means
// DefaultBufferSize. A Copier reuses one buffer and must not be shared
// between concurrent copies.
func NewCopier(dest ContentStore, bufferSize int) *Copier {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Copier{store: dest, buf: make([]byte, bufferSize)}
}

// Copy runs every entry of plan in order. After each file it adds the file's
// declared size to the running total and passes (written, total) to publish,
// so published values never decrease.
//
// ctx is checked between entries only; a single large file is not interrupted
// once its copy started. Cancellation returns ctx.Err(); any I/O failure
// returns an error matching ErrCopy.
func (c *Copier) Copy(ctx context.Context, plan *InstallPlan, publish func(InstallProgress)) error {
	var written uint64
	total := plan.TotalBytes()
	src := plan.Source()

	for _, entry := range plan.entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch entry.Kind {
		case EntryDir:
			if err := c.store.MkdirAll(ctx, entry.Destination); err != nil {
				return phaseError(ErrCopy, fmt.Errorf("creating directory %s: %w", entry.Destination, err))
			}
		case EntryFile:
			if err := c.copyFile(ctx, src, entry); err != nil {
				return phaseError(ErrCopy, err)
			}
			if entry.Size > 0 {
				written += uint64(entry.Size)
			}
			if publish != nil {
				publish(InstallProgress{BytesWritten: written, TotalBytes: total})
			}
		default:
			return phaseError(ErrCopy, fmt.Errorf("unknown entry kind %d", entry.Kind))
		}
	}
	return nil
}

func (c *Copier) copyFile(ctx context.Context, src Storage, entry DirEntry) (err error) {
	r, err := src.Open(ctx, entry.Source)
	if err != nil {
		return fmt.Errorf("opening source %s: %w", entry.Source, err)
	}
	defer r.Close()

	w, err := c.store.Create(ctx, entry.Destination)
	if err != nil {
		return fmt.Errorf("creating %s: %w", entry.Destination, err)
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("closing %s: %w", entry.Destination, closeErr))
		}
	}()

	if _, err := io.CopyBuffer(onlyWriter{w}, onlyReader{r}, c.buf); err != nil {
		return fmt.Errorf("copying %s: %w", entry.Destination, err)
	}
	return nil
}

// onlyReader and onlyWriter hide ReaderFrom/WriterTo so io.CopyBuffer always
// goes through the supplied buffer.
type onlyReader struct{ io.Reader }
type onlyWriter struct{ io.Writer }
