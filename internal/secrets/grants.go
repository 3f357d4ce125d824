package secrets

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotGranted is returned when a grant is asked for something outside
	// its allow-list.
	ErrNotGranted = errors.New("secrets: access not granted")
	// ErrGrantExists is returned when a module asks for a second grant.
	ErrGrantExists = errors.New("secrets: grant already issued for module")
)

// SecretsGrant is a read-only view of the vault restricted to a named set
// of secret identifiers.
type SecretsGrant struct {
	vault   *Vault
	allowed map[string]struct{}
}

// Retrieve decrypts a granted secret.
func (g *SecretsGrant) Retrieve(identifier string) (string, error) {
	if _, ok := g.allowed[identifier]; !ok {
		return "", fmt.Errorf("%w: secret %q", ErrNotGranted, identifier)
	}
	return g.vault.Retrieve(identifier)
}

// FilesGrant is a view of the secure-file store restricted to a named set
// of file names.
type FilesGrant struct {
	files   *SecureFiles
	allowed map[string]struct{}
}

func (g *FilesGrant) check(name string) error {
	if _, ok := g.allowed[name]; !ok {
		return fmt.Errorf("%w: file %q", ErrNotGranted, name)
	}
	return nil
}

func (g *FilesGrant) Read(name string) (string, error) {
	if err := g.check(name); err != nil {
		return "", err
	}
	return g.files.Read(name)
}

func (g *FilesGrant) Save(name, data string) error {
	if err := g.check(name); err != nil {
		return err
	}
	return g.files.Save(name, data)
}

func (g *FilesGrant) ReadJSON(name string, v any) error {
	if err := g.check(name); err != nil {
		return err
	}
	return g.files.ReadJSON(name, v)
}

func (g *FilesGrant) SaveJSON(name string, v any) error {
	if err := g.check(name); err != nil {
		return err
	}
	return g.files.SaveJSON(name, v)
}

// Issuer hands out at most one grant pair per module.
type Issuer struct {
	mu     sync.Mutex
	vault  *Vault
	files  *SecureFiles
	issued map[string]struct{}
}

// NewIssuer creates a grant issuer over the vault and secure-file store.
func NewIssuer(vault *Vault, files *SecureFiles) *Issuer {
	return &Issuer{vault: vault, files: files, issued: map[string]struct{}{}}
}

// Issue creates the grants for a module, scoped to the given secret ids
// and file names. A module can be issued grants only once.
func (i *Issuer) Issue(module string, secretIDs, fileNames []string) (*SecretsGrant, *FilesGrant, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.issued[module]; ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrGrantExists, module)
	}
	i.issued[module] = struct{}{}

	secretsAllow := make(map[string]struct{}, len(secretIDs))
	for _, id := range secretIDs {
		secretsAllow[id] = struct{}{}
	}
	filesAllow := make(map[string]struct{}, len(fileNames))
	for _, name := range fileNames {
		filesAllow[name] = struct{}{}
	}

	return &SecretsGrant{vault: i.vault, allowed: secretsAllow},
		&FilesGrant{files: i.files, allowed: filesAllow}, nil
}
