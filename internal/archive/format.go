package archive

import (
	"archive/tar"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"

	"mlc-go/internal/mlc"
)

// Archive layout: Magic, Version (uint8), Flags (uint8), then an LZ4 frame
// holding a tar stream. With FlagEncrypted the LZ4 frame is wrapped in age.
const (
	Magic   = "MLCA"
	Version = 1

	FlagEncrypted uint8 = 1 << 0
)

// ErrNotArchive is returned when the input does not start with Magic.
var ErrNotArchive = errors.New("not an mlc archive")

// ErrLocked is returned when an encrypted archive is read without a decryption context.
var ErrLocked = errors.New("archive is encrypted")

// Header is the plaintext preamble of an archive.
type Header struct {
	Version uint8
	Flags   uint8
}

// Encrypted reports whether the archive body is age-encrypted.
func (h Header) Encrypted() bool { return h.Flags&FlagEncrypted != 0 }

func writeHeader(w io.Writer, h Header) error {
	if _, err := io.WriteString(w, Magic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, h.Version); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, h.Flags); err != nil {
		return fmt.Errorf("write flags: %w", err)
	}
	return nil
}

// ReadHeader reads and validates the archive preamble.
func ReadHeader(r io.Reader) (Header, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return Header{}, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != Magic {
		return Header{}, ErrNotArchive
	}

	var h Header
	if err := binary.Read(r, binary.BigEndian, &h.Version); err != nil {
		return Header{}, fmt.Errorf("read version: %w", err)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("unsupported archive version %d", h.Version)
	}
	if err := binary.Read(r, binary.BigEndian, &h.Flags); err != nil {
		return Header{}, fmt.Errorf("read flags: %w", err)
	}
	return h, nil
}

// Entry describes one member of an archive.
type Entry struct {
	Name  string
	Size  int64
	IsDir bool
}

// List reads a whole archive and returns its entries in archive order.
// dc is only needed for encrypted archives.
func List(r io.Reader, dc mlc.DecryptionContext) ([]Entry, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	if h.Encrypted() {
		if dc == nil {
			return nil, ErrLocked
		}
		if r, err = dc.DecryptReader(r); err != nil {
			return nil, fmt.Errorf("decrypting archive: %w", err)
		}
	}

	tr := tar.NewReader(lz4.NewReader(r))
	var entries []Entry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive entry: %w", err)
		}
		entries = append(entries, Entry{
			Name:  strings.TrimSuffix(hdr.Name, "/"),
			Size:  hdr.Size,
			IsDir: hdr.Typeflag == tar.TypeDir,
		})
	}
}
