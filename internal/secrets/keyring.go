// Package secrets stores credentials in the OS keyring. Config values of the
// form "keyring:<name>" are resolved through it at load time so tokens do
// not have to live in config.json.
package secrets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// Service is the keyring service every credential is stored under.
const Service = "socialclaw"

const refPrefix = "keyring:"

// ErrNotFound is returned when a referenced credential is missing.
var ErrNotFound = errors.New("secret not found in keyring")

// Ref returns the config reference for name.
func Ref(name string) string { return refPrefix + name }

// IsRef reports whether value points into the keyring.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix) && len(value) > len(refPrefix)
}

// Resolve returns value unchanged unless it is a keyring reference, in which
// case the stored credential is returned.
func Resolve(value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	name := strings.TrimPrefix(value, refPrefix)
	secret, err := keyring.Get(Service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("keyring %s: %w", name, err)
	}
	return secret, nil
}

// Set stores a credential.
func Set(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("secret name is required")
	}
	if value == "" {
		return errors.New("secret value is empty")
	}
	return keyring.Set(Service, name, value)
}

// Delete removes a credential. Deleting a missing credential is not an error.
func Delete(name string) error {
	err := keyring.Delete(Service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
