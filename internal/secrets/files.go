package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SecureFiles stores per-name encrypted JSON documents under a data root.
// Each file data/{name}.json holds a single encrypted Record whose plaintext
// is the document body. Writes are serialized.
type SecureFiles struct {
	mu        sync.Mutex
	root      string
	password  string
	encryptor Encryptor
}

// NewSecureFiles creates a secure-file store rooted at dir.
func NewSecureFiles(dir, password string) (*SecureFiles, error) {
	if password == "" {
		return nil, fmt.Errorf("secrets: password must be provided")
	}
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &SecureFiles{root: dir, password: password}, nil
}

func (s *SecureFiles) pathFor(name string) string {
	return filepath.Join(s.root, name+".json")
}

// Read decrypts and returns the named file's body, or "" when the file
// does not exist.
func (s *SecureFiles) Read(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.pathFor(name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("%w: secure file %q: %v", ErrCorruptRecord, name, err)
	}
	return s.encryptor.Decrypt(rec, s.password)
}

// Save encrypts and writes the named file's body.
func (s *SecureFiles) Save(name, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.encryptor.Encrypt(data, s.password)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(s.pathFor(name), raw, 0o600)
}

// ReadJSON decrypts the named file and unmarshals its body into v.
// A missing file leaves v untouched.
func (s *SecureFiles) ReadJSON(name string, v any) error {
	body, err := s.Read(name)
	if err != nil {
		return err
	}
	if body == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("decode secure file %q: %w", name, err)
	}
	return nil
}

// SaveJSON marshals v and writes it as the named file's body.
func (s *SecureFiles) SaveJSON(name string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Save(name, string(body))
}
