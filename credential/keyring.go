package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const ServiceName = "mailtm-drain"

// ErrNotFound is returned when the keyring holds no entry for the key.
var ErrNotFound = keyring.ErrKeyNotFound

// filePrompt asks for the passphrase of the encrypted file backend.
var filePrompt keyring.PromptFunc = keyring.TerminalPrompt

// Open returns the system keyring used to store account passwords.
func Open() (keyring.Keyring, error) {
	ring, err := keyring.Open(ringConfig(keyring.AvailableBackends()))
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func ringConfig(allowed []keyring.BackendType) keyring.Config {
	preferred := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
	backends := make([]keyring.BackendType, 0, len(preferred))
	for _, b := range preferred {
		for _, a := range allowed {
			if a == b {
				backends = append(backends, b)
				break
			}
		}
	}

	return keyring.Config{
		ServiceName:              ServiceName,
		AllowedBackends:          backends,
		FileDir:                  "~/.config/mailtm-drain/credentials",
		FilePasswordFunc:         func(prompt string) (string, error) { return filePrompt(prompt) },
		KeychainTrustApplication: true,
	}
}

// Get retrieves the password stored for an account address.
func Get(ring keyring.Keyring, address string) (string, error) {
	item, err := ring.Get(address)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("no password stored for %q: %w", address, ErrNotFound)
		}
		return "", fmt.Errorf("getting credential %q: %w", address, err)
	}
	return string(item.Data), nil
}

// Set stores the password for an account address.
func Set(ring keyring.Keyring, address, password string) error {
	err := ring.Set(keyring.Item{
		Key:   address,
		Data:  []byte(password),
		Label: ServiceName + " " + address,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", address, err)
	}
	return nil
}

// Delete removes the stored password for an account address.
func Delete(ring keyring.Keyring, address string) error {
	if err := ring.Remove(address); err != nil {
		return fmt.Errorf("deleting credential %q: %w", address, err)
	}
	return nil
}
