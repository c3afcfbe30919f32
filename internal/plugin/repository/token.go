package repository

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// TokenKey is the keyring item holding the repository bearer token.
const TokenKey = "repository-token"

// TokenFromKeyring reads the repository token from the OS keyring. A
// missing item yields an empty token.
func TokenFromKeyring(service string) (string, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
	})
	if err != nil {
		return "", fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := ring.Get(TokenKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get token from keyring: %w", err)
	}
	return string(item.Data), nil
}

// StoreToken saves the repository token in the OS keyring.
func StoreToken(service, token string) error {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
	})
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	if err := ring.Set(keyring.Item{Key: TokenKey, Data: []byte(token)}); err != nil {
		return fmt.Errorf("failed to store token in keyring: %w", err)
	}
	return nil
}
