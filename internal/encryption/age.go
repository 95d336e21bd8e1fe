package encryption

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"mlc-go/internal/config"
	"mlc-go/internal/mlc"
)

// ErrWrongPassphrase is returned by Unlock when the passphrase does not
// decrypt the private key.
var ErrWrongPassphrase = errors.New("incorrect passphrase")

// AgeEncryptor encrypts package archives with filippo.io/age X25519 keys.
// The recipient (public key) file is plaintext so archives can be written
// unattended. The identity (private key) file is itself an age file sealed
// with an scrypt passphrase.
type AgeEncryptor struct {
	recipientPath string
	identityPath  string
}

var _ mlc.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates an AgeEncryptor using the key paths from cfg.
func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		recipientPath: cfg.PublicKeyPath,
		identityPath:  cfg.PrivateKeyPath,
	}
}

// Setup generates a key pair. Each key file is written to a temp file and
// renamed into place, so an interrupted setup never leaves a truncated key.
func (e *AgeEncryptor) Setup(passphrase string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	sealer, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("deriving passphrase key: %w", err)
	}

	err = writeKeyFile(e.identityPath, 0600, func(w io.Writer) error {
		sealed, err := age.Encrypt(w, sealer)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(sealed, identity.String()+"\n"); err != nil {
			return err
		}
		return sealed.Close()
	})
	if err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	err = writeKeyFile(e.recipientPath, 0644, func(w io.Writer) error {
		_, err := io.WriteString(w, identity.Recipient().String()+"\n")
		return err
	})
	if err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// writeKeyFile creates path with perm through a sibling temp file.
func writeKeyFile(path string, perm os.FileMode, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// EncryptWriter wraps w so that everything written is encrypted to the
// stored recipient. Close flushes the final chunk and leaves w open.
func (e *AgeEncryptor) EncryptWriter(w io.Writer) (io.WriteCloser, error) {
	f, err := os.Open(e.recipientPath)
	if err != nil {
		return nil, fmt.Errorf("opening public key: %w", err)
	}
	defer f.Close()

	recipients, err := age.ParseRecipients(f)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	ew, err := age.Encrypt(w, recipients...)
	if err != nil {
		return nil, fmt.Errorf("starting encryption: %w", err)
	}
	return ew, nil
}

// Unlock opens the sealed identity file with passphrase.
func (e *AgeEncryptor) Unlock(passphrase string) (mlc.DecryptionContext, error) {
	f, err := os.Open(e.identityPath)
	if err != nil {
		return nil, fmt.Errorf("opening private key: %w", err)
	}
	defer f.Close()

	opener, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase key: %w", err)
	}
	plain, err := age.Decrypt(f, opener)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("opening private key: %w", err)
	}

	identities, err := age.ParseIdentities(plain)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &AgeDecryptionContext{identities: identities}, nil
}

// IsConfigured reports whether both key files exist.
func (e *AgeEncryptor) IsConfigured() bool {
	for _, p := range []string{e.recipientPath, e.identityPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// AgeDecryptionContext holds unlocked identities in memory.
type AgeDecryptionContext struct {
	identities []age.Identity
}

var _ mlc.DecryptionContext = (*AgeDecryptionContext)(nil)

// DecryptReader returns the plaintext of the age stream r. The header is read
// here, so a key mismatch fails before the first Read.
func (c *AgeDecryptionContext) DecryptReader(r io.Reader) (io.Reader, error) {
	pr, err := age.Decrypt(r, c.identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return pr, nil
}
