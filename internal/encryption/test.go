package encryption

import (
	"bytes"
	"fmt"
	"io"

	"mlc-go/internal/mlc"
)

// testHeader is prepended to data by TestEncryptor to make encrypted output
// clearly different from plaintext while remaining deterministic and reversible.
var testHeader = []byte("MLCENC\x00\x00")

// TestEncryptor is a simple, deterministic encryptor for testing.
// It prepends a fixed 8-byte header during encryption and strips it during
// decryption.
type TestEncryptor struct {
	setupCalled bool
}

var _ mlc.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) EncryptWriter(w io.Writer) (io.WriteCloser, error) {
	if _, err := w.Write(testHeader); err != nil {
		return nil, fmt.Errorf("writing test header: %w", err)
	}
	return nopCloser{w}, nil
}

func (e *TestEncryptor) Unlock(passphrase string) (mlc.DecryptionContext, error) {
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// TestDecryptionContext strips the test header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ mlc.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) DecryptReader(r io.Reader) (io.Reader, error) {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return nil, fmt.Errorf("invalid test encryption header")
	}
	return r, nil
}
