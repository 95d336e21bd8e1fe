package mlc

import "io"

// Encryptor handles encryption of compressed package archives and unlocking
// for decryption. Encryption uses the public key only, so archives can be
// produced unattended. Decryption requires a passphrase to unlock the private
// key, producing a DecryptionContext for the session.
type Encryptor interface {
	// Setup performs one-time key generation. Called by `mlc keys init`.
	// Generates a key pair, stores the public key in plaintext, and encrypts
	// the private key with the provided passphrase.
	Setup(passphrase string) error

	// EncryptWriter returns a writer that encrypts everything written to it
	// into w. Close must be called to flush the final chunk; it does not close w.
	EncryptWriter(w io.Writer) (io.WriteCloser, error)

	// Unlock decrypts the private key using the passphrase and returns a
	// DecryptionContext that can decrypt data for the duration of the session.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist at configured paths.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for the duration
// of a session. The unlocked key is never written to disk.
type DecryptionContext interface {
	// DecryptReader returns a reader yielding the plaintext of r.
	DecryptReader(r io.Reader) (io.Reader, error)
}
