package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
)

const testRecordID = "test"

var (
	// ErrSecretExists is returned when adding a token under a taken identifier.
	ErrSecretExists = errors.New("secrets: secret already exists")
	// ErrSecretNotFound is returned for unknown identifiers.
	ErrSecretNotFound = errors.New("secrets: secret not found")
	// ErrAlreadyRetrieved is returned on repeat access to a one-time secret.
	ErrAlreadyRetrieved = errors.New("secrets: one-time secret already retrieved")
	// ErrReadOnly is returned when a mutating call hits a read-only vault.
	ErrReadOnly = errors.New("secrets: vault is read-only")
	// ErrWriteOnly is returned when a read hits a write-only vault.
	ErrWriteOnly = errors.New("secrets: vault is write-only")
)

// VaultOptions configures a Vault.
type VaultOptions struct {
	// Path of the vault file, DefaultSecretsPath when empty.
	Path     string
	Password string
	// OneTime marks identifiers whose values may be retrieved exactly once
	// per process (bot tokens).
	OneTime []string
	// ReadOnly is how the bridge core opens the vault. WriteOnly is used by
	// the CLI to add tokens without being able to read siblings.
	ReadOnly  bool
	WriteOnly bool
	Logger    *slog.Logger
	// Encryptor overrides the algorithm and KDF profile picked for new
	// records. The zero value uses the host's preferred settings.
	Encryptor Encryptor
}

// Vault is the password-unlocked token store backing .secrets.json.
// All mutations are serialized; mutating operations re-verify the password
// against the sentinel record before touching real secrets.
type Vault struct {
	mu        sync.Mutex
	path      string
	password  string
	encryptor Encryptor
	data      map[string]Record
	oneTime   map[string]struct{}
	accessed  map[string]struct{}
	readOnly  bool
	writeOnly bool
	logger    *slog.Logger
}

// OpenVault loads (or initializes) a vault file. A sentinel record is
// created on first use so candidate passwords can be validated without
// exposing a real secret.
func OpenVault(opts VaultOptions) (*Vault, error) {
	if opts.Password == "" {
		return nil, errors.New("secrets: password must be provided")
	}
	if opts.ReadOnly && opts.WriteOnly {
		return nil, errors.New("secrets: vault cannot be read-only and write-only")
	}
	path := opts.Path
	if path == "" {
		path = ".secrets.json"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	v := &Vault{
		path:      path,
		password:  opts.Password,
		encryptor: opts.Encryptor,
		data:      map[string]Record{},
		oneTime:   map[string]struct{}{},
		accessed:  map[string]struct{}{},
		readOnly:  opts.ReadOnly,
		writeOnly: opts.WriteOnly,
		logger:    log.With(slog.String("component", "vault")),
	}
	for _, id := range opts.OneTime {
		v.oneTime[id] = struct{}{}
	}

	if err := v.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := v.ensureTestRecord(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) load() error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return err
	}
	data := map[string]Record{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%w: vault file: %v", ErrCorruptRecord, err)
	}
	v.data = data
	return nil
}

func (v *Vault) ensureTestRecord() error {
	if _, ok := v.data[testRecordID]; ok {
		return nil
	}
	probe := make([]byte, 12)
	if _, err := rand.Read(probe); err != nil {
		return err
	}
	rec, err := v.encryptor.Encrypt(base64.StdEncoding.EncodeToString(probe), v.password)
	if err != nil {
		return err
	}
	v.data[testRecordID] = rec
	return nil
}

// Identifiers returns the stored secret ids, excluding the sentinel.
func (v *Vault) Identifiers() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.data))
	for id := range v.data {
		if id == testRecordID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NeedsReencryption reports whether the sentinel record uses an outdated
// KDF profile, signalling that the whole vault should be rotated.
func (v *Vault) NeedsReencryption() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.data[testRecordID]
	return ok && rec.Outdated()
}

// TestDecrypt reports whether the candidate password (or the vault's own
// password when empty) decrypts the sentinel record.
func (v *Vault) TestDecrypt(password string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.testDecryptLocked(password)
}

func (v *Vault) testDecryptLocked(password string) bool {
	if password == "" {
		password = v.password
	}
	rec, ok := v.data[testRecordID]
	if !ok {
		return false
	}
	_, err := v.encryptor.Decrypt(rec, password)
	return err == nil
}

// Retrieve decrypts a stored secret. One-time identifiers may be read
// exactly once per process.
func (v *Vault) Retrieve(identifier string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.writeOnly {
		return "", ErrWriteOnly
	}
	if _, oneTime := v.oneTime[identifier]; oneTime {
		if _, seen := v.accessed[identifier]; seen {
			return "", ErrAlreadyRetrieved
		}
		v.accessed[identifier] = struct{}{}
	}

	rec, ok := v.data[identifier]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrSecretNotFound, identifier)
	}
	return v.encryptor.Decrypt(rec, v.password)
}

// RetrieveRaw returns the base64 ciphertext for a secret. Useless on its
// own without the salt, nonce, tag, and password.
func (v *Vault) RetrieveRaw(identifier string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.data[identifier]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrSecretNotFound, identifier)
	}
	return rec.Ciphertext, nil
}

// Add encrypts and stores a new secret.
func (v *Vault) Add(identifier, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.readOnly {
		return ErrReadOnly
	}
	if _, ok := v.data[identifier]; ok {
		return fmt.Errorf("%w: %q", ErrSecretExists, identifier)
	}
	rec, err := v.encryptor.Encrypt(value, v.password)
	if err != nil {
		return err
	}
	v.data[identifier] = rec
	return v.saveLocked()
}

// Replace overwrites an existing secret. The password is required again
// as confirmation.
func (v *Vault) Replace(identifier, value, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.readOnly {
		return ErrReadOnly
	}
	if !v.testDecryptLocked(password) {
		return ErrBadPassword
	}
	if identifier == testRecordID {
		return errors.New("secrets: sentinel record cannot be replaced")
	}
	if _, ok := v.data[identifier]; !ok {
		return fmt.Errorf("%w: %q", ErrSecretNotFound, identifier)
	}
	rec, err := v.encryptor.Encrypt(value, v.password)
	if err != nil {
		return err
	}
	v.data[identifier] = rec
	return v.saveLocked()
}

// Delete removes a secret. The password is required again as confirmation.
func (v *Vault) Delete(identifier, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.readOnly {
		return ErrReadOnly
	}
	if !v.testDecryptLocked(password) {
		return ErrBadPassword
	}
	if identifier == testRecordID {
		return errors.New("secrets: sentinel record cannot be deleted")
	}
	if _, ok := v.data[identifier]; !ok {
		return fmt.Errorf("%w: %q", ErrSecretNotFound, identifier)
	}
	delete(v.data, identifier)
	return v.saveLocked()
}

// Reencrypt decrypts every record and re-encrypts it under a new password
// with the current preferred algorithm and KDF profile.
func (v *Vault) Reencrypt(currentPassword, newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.readOnly {
		return ErrReadOnly
	}
	if !v.testDecryptLocked(currentPassword) {
		return ErrBadPassword
	}

	reencrypted := make(map[string]Record, len(v.data))
	for id, rec := range v.data {
		plaintext, err := v.encryptor.Decrypt(rec, v.password)
		if err != nil {
			return fmt.Errorf("reencrypt %q: %w", id, err)
		}
		fresh, err := v.encryptor.Encrypt(plaintext, newPassword)
		if err != nil {
			return fmt.Errorf("reencrypt %q: %w", id, err)
		}
		reencrypted[id] = fresh
	}

	v.data = reencrypted
	v.password = newPassword
	v.logger.Info("vault re-encrypted", slog.Int("records", len(reencrypted)))
	return v.saveLocked()
}

// Save persists the vault file.
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readOnly {
		return ErrReadOnly
	}
	return v.saveLocked()
}

func (v *Vault) saveLocked() error {
	raw, err := json.Marshal(v.data)
	if err != nil {
		return err
	}
	return os.WriteFile(v.path, raw, 0o600)
}
