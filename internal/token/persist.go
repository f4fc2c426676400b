package token

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// keyPattern constrains keychain/service keys to characters safe to pass as a
// single argv element to platform credential-storage commands, preventing
// shell/argument injection regardless of how the command is invoked.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrInvalidKey is returned when an upstream id is not a safe keychain key.
var ErrInvalidKey = errors.New("token: key must match [A-Za-z0-9_-]+")

// KeychainStore persists token records to the OS credential manager by
// shelling out to a platform-specific helper, always invoked with an
// argument array (never a shell string) so keys and payloads cannot be
// interpreted as shell syntax.
type KeychainStore struct {
	Service string // logical namespace, e.g. "aproxy"
	Runner  CommandRunner
}

// CommandRunner executes a credential-helper command. Abstracted for testing.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// NewKeychainStore returns a KeychainStore using the real OS credential
// manager for the current platform.
func NewKeychainStore(service string) *KeychainStore {
	return &KeychainStore{Service: service, Runner: execCommand}
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

func (k *KeychainStore) Save(upstreamID string, record Record) error {
	if !keyPattern.MatchString(upstreamID) {
		return ErrInvalidKey
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("token: marshal record for keychain: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name, args := k.saveCommand(upstreamID, string(payload))
	if _, err := k.Runner(ctx, name, args...); err != nil {
		return fmt.Errorf("token: keychain save failed: %w", err)
	}
	return nil
}

func (k *KeychainStore) Load(upstreamID string) (Record, bool, error) {
	if !keyPattern.MatchString(upstreamID) {
		return Record{}, false, ErrInvalidKey
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name, args := k.loadCommand(upstreamID)
	out, err := k.Runner(ctx, name, args...)
	if err != nil {
		return Record{}, false, nil //nolint:nilerr // absent entry is not an error condition
	}

	var record Record
	if err := json.Unmarshal(out, &record); err != nil {
		return Record{}, false, fmt.Errorf("token: parse keychain payload: %w", err)
	}
	return record, true, nil
}

func (k *KeychainStore) Delete(upstreamID string) error {
	if !keyPattern.MatchString(upstreamID) {
		return ErrInvalidKey
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name, args := k.deleteCommand(upstreamID)
	_, err := k.Runner(ctx, name, args...)
	return err
}

func (k *KeychainStore) account(upstreamID string) string {
	return k.Service + ":" + upstreamID
}

func (k *KeychainStore) saveCommand(upstreamID, payload string) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "security", []string{"add-generic-password", "-U", "-a", k.account(upstreamID), "-s", k.Service, "-w", payload}
	default:
		return "secret-tool", []string{"store", "--label", k.Service, "service", k.Service, "account", k.account(upstreamID)}
	}
}

func (k *KeychainStore) loadCommand(upstreamID string) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "security", []string{"find-generic-password", "-a", k.account(upstreamID), "-s", k.Service, "-w"}
	default:
		return "secret-tool", []string{"lookup", "service", k.Service, "account", k.account(upstreamID)}
	}
}

func (k *KeychainStore) deleteCommand(upstreamID string) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "security", []string{"delete-generic-password", "-a", k.account(upstreamID), "-s", k.Service}
	default:
		return "secret-tool", []string{"clear", "service", k.Service, "account", k.account(upstreamID)}
	}
}

// EncryptedFileStore is the keychain fallback: one record per upstream,
// symmetrically encrypted with nacl/secretbox and written to a user-only
// permissioned file.
type EncryptedFileStore struct {
	Dir string
	Key [32]byte
}

// NewEncryptedFileStore creates a store rooted at dir, encrypting with key.
// The caller is responsible for deriving/storing key outside of version
// control (e.g. from an OS keychain-backed master secret).
func NewEncryptedFileStore(dir string, key [32]byte) *EncryptedFileStore {
	return &EncryptedFileStore{Dir: dir, Key: key}
}

func (e *EncryptedFileStore) path(upstreamID string) string {
	return filepath.Join(e.Dir, upstreamID+".token")
}

func (e *EncryptedFileStore) Save(upstreamID string, record Record) error {
	if !keyPattern.MatchString(upstreamID) {
		return ErrInvalidKey
	}
	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("token: marshal record: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("token: generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &e.Key)

	if err := os.MkdirAll(e.Dir, 0o700); err != nil {
		return fmt.Errorf("token: create token directory: %w", err)
	}
	if err := os.WriteFile(e.path(upstreamID), sealed, 0o600); err != nil {
		return fmt.Errorf("token: write encrypted record: %w", err)
	}
	return nil
}

func (e *EncryptedFileStore) Load(upstreamID string) (Record, bool, error) {
	if !keyPattern.MatchString(upstreamID) {
		return Record{}, false, ErrInvalidKey
	}

	sealed, err := os.ReadFile(filepath.Clean(e.path(upstreamID)))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("token: read encrypted record: %w", err)
	}
	if len(sealed) < 24 {
		return Record{}, false, fmt.Errorf("token: encrypted record too short")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &e.Key)
	if !ok {
		return Record{}, false, fmt.Errorf("token: failed to decrypt record (wrong key or corrupted file)")
	}

	var record Record
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return Record{}, false, fmt.Errorf("token: parse decrypted record: %w", err)
	}
	return record, true, nil
}

func (e *EncryptedFileStore) Delete(upstreamID string) error {
	if !keyPattern.MatchString(upstreamID) {
		return ErrInvalidKey
	}
	err := os.Remove(e.path(upstreamID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("token: delete encrypted record: %w", err)
	}
	return nil
}
