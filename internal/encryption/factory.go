package encryption

import (
	"errors"
	"fmt"

	"mlc-go/internal/config"
	"mlc-go/internal/mlc"
)

// NewEncryptorFromConfig returns the Encryptor that seals package archives
// and unlocks them for listing. "age" is the default and needs both key
// paths; "test" is a keyless stand-in for tests.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (mlc.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, errors.New("age encryption needs public_key_path and private_key_path")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
