// Package secrets stores account tokens outside the data store.
package secrets

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keychain service name tokens are filed under.
const DefaultService = "git-uploader"

// ErrNotFound is returned when no secret exists for a key.
var ErrNotFound = errors.New("secrets: not found")

// Vault stores and retrieves secrets by key.
type Vault interface {
	Store(key, secret string) error
	Retrieve(key string) (string, error)
	Delete(key string) error
}

// KeyringVault keeps secrets in the operating system keychain.
type KeyringVault struct {
	Service string
}

// NewKeyringVault returns a vault filing secrets under service (DefaultService when empty).
func NewKeyringVault(service string) *KeyringVault {
	if service == "" {
		service = DefaultService
	}
	return &KeyringVault{Service: service}
}

func (v *KeyringVault) Store(key, secret string) error {
	if err := keyring.Set(v.Service, key, secret); err != nil {
		return fmt.Errorf("store secret %s: %w", key, err)
	}
	return nil
}

func (v *KeyringVault) Retrieve(key string) (string, error) {
	secret, err := keyring.Get(v.Service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("retrieve secret %s: %w", key, err)
	}
	if secret == "" {
		return "", ErrNotFound
	}
	return secret, nil
}

// Delete removes the secret. Deleting a missing secret is not an error.
func (v *KeyringVault) Delete(key string) error {
	if err := keyring.Delete(v.Service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	return nil
}

// MemoryVault is a process-local vault.
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[string]string)}
}

func (v *MemoryVault) Store(key, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[key] = secret
	return nil
}

func (v *MemoryVault) Retrieve(key string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	secret, ok := v.secrets[key]
	if !ok || secret == "" {
		return "", ErrNotFound
	}
	return secret, nil
}

func (v *MemoryVault) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, key)
	return nil
}
