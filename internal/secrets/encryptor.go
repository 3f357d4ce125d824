// Package secrets implements the at-rest encrypted store: a password-unlocked
// token vault, encrypted secure files, and the scoped grants handed to modules.
package secrets

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"crypto/sha1"
	"crypto/sha256"
)

var (
	// ErrBadPassword is returned when authenticated decryption fails.
	ErrBadPassword = errors.New("secrets: bad password or tampered record")
	// ErrCorruptRecord is returned when a record cannot be decoded.
	ErrCorruptRecord = errors.New("secrets: corrupt record")
	// ErrUnsupportedAlgorithm is returned for unknown algorithms or KDF profiles.
	ErrUnsupportedAlgorithm = errors.New("secrets: unsupported algorithm")
)

// Algorithm identifies the authenticated cipher used for a record.
type Algorithm string

const (
	AlgorithmXChaCha20 Algorithm = "xchacha20-poly1305"
	AlgorithmAESGCM    Algorithm = "aes-256-gcm"
)

// KDF identifies the key derivation function family.
type KDF string

const (
	KDFArgon2 KDF = "argon2"
	KDFPBKDF2 KDF = "pbkdf2"
)

// Profile selects concrete KDF parameters.
type Profile string

const (
	ProfileArgon2Low     Profile = "argon2_low"
	ProfileArgon2High    Profile = "argon2_high"
	ProfilePBKDF2SHA256  Profile = "pbkdf2_hmac_sha_256"
	ProfilePBKDF2SHA1    Profile = "pbkdf2_hmac_sha_1"
)

const (
	saltSize        = 16
	gcmNonceSize    = 12
	xchachaNonce    = 24
	keySize         = 32
	pbkdf2Rounds    = 600000
	highProfileByte = 2 << 30 // argon2_high needs 2 GiB of visible RAM
)

// Record is one encrypted blob as stored on disk. All byte fields are base64.
// Legacy records may omit Algorithm (implies aes-256-gcm) and Profile
// (implies pbkdf2_hmac_sha_1, which is flagged outdated on decrypt).
type Record struct {
	Ciphertext string    `json:"ciphertext"`
	Tag        string    `json:"tag"`
	Nonce      string    `json:"nonce"`
	Salt       string    `json:"salt"`
	Algorithm  Algorithm `json:"algorithm,omitempty"`
	KDF        KDF       `json:"kdf,omitempty"`
	Profile    Profile   `json:"profile,omitempty"`
}

// normalized returns the record with legacy defaults applied.
func (r Record) normalized() Record {
	if r.Algorithm == "" {
		r.Algorithm = AlgorithmAESGCM
	}
	if r.Profile == "" {
		r.KDF = KDFPBKDF2
		r.Profile = ProfilePBKDF2SHA1
	}
	if r.KDF == "" {
		switch r.Profile {
		case ProfileArgon2Low, ProfileArgon2High:
			r.KDF = KDFArgon2
		default:
			r.KDF = KDFPBKDF2
		}
	}
	return r
}

// Outdated reports whether the record uses a KDF profile that callers
// should rotate away from.
func (r Record) Outdated() bool {
	return r.normalized().Profile == ProfilePBKDF2SHA1
}

// Encryptor encrypts and decrypts records. The zero value picks the
// preferred algorithm and the strongest KDF profile the host supports.
type Encryptor struct {
	// Algorithm and Profile override the preferred defaults when set.
	Algorithm Algorithm
	Profile   Profile
}

// preferredProfile picks argon2_high when the host has at least 2 GiB of
// RAM visible, argon2_low otherwise.
func preferredProfile() Profile {
	if totalMemoryBytes() >= highProfileByte {
		return ProfileArgon2High
	}
	return ProfileArgon2Low
}

func totalMemoryBytes() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

func deriveKey(password string, salt []byte, profile Profile) ([]byte, error) {
	switch profile {
	case ProfileArgon2Low:
		return argon2.IDKey([]byte(password), salt, 3, 64*1024, 4, keySize), nil
	case ProfileArgon2High:
		return argon2.IDKey([]byte(password), salt, 4, 1024*1024, 4, keySize), nil
	case ProfilePBKDF2SHA256:
		return pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, keySize, sha256.New), nil
	case ProfilePBKDF2SHA1:
		return pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, keySize, sha1.New), nil
	default:
		return nil, fmt.Errorf("%w: kdf profile %q", ErrUnsupportedAlgorithm, profile)
	}
}

func kdfFor(profile Profile) KDF {
	switch profile {
	case ProfileArgon2Low, ProfileArgon2High:
		return KDFArgon2
	default:
		return KDFPBKDF2
	}
}

func newAEAD(algorithm Algorithm, key []byte) (cipher.AEAD, error) {
	switch algorithm {
	case AlgorithmXChaCha20:
		return chacha20poly1305.NewX(key)
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

func nonceSize(algorithm Algorithm) int {
	if algorithm == AlgorithmXChaCha20 {
		return xchachaNonce
	}
	return gcmNonceSize
}

// Encrypt derives a key from the password and returns an authenticated record.
func (e Encryptor) Encrypt(plaintext, password string) (Record, error) {
	algorithm := e.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmXChaCha20
	}
	profile := e.Profile
	if profile == "" {
		profile = preferredProfile()
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Record{}, err
	}
	nonce := make([]byte, nonceSize(algorithm))
	if _, err := rand.Read(nonce); err != nil {
		return Record{}, err
	}

	key, err := deriveKey(password, salt, profile)
	if err != nil {
		return Record{}, err
	}
	defer zero(key)

	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return Record{}, err
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - aead.Overhead()

	return Record{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		Tag:        base64.StdEncoding.EncodeToString(sealed[split:]),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Algorithm:  algorithm,
		KDF:        kdfFor(profile),
		Profile:    profile,
	}, nil
}

// Decrypt verifies and decrypts a record with the given password.
func (e Encryptor) Decrypt(rec Record, password string) (string, error) {
	rec = rec.normalized()

	ciphertext, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrCorruptRecord, err)
	}
	tag, err := base64.StdEncoding.DecodeString(rec.Tag)
	if err != nil {
		return "", fmt.Errorf("%w: tag: %v", ErrCorruptRecord, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.Nonce)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrCorruptRecord, err)
	}
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return "", fmt.Errorf("%w: salt: %v", ErrCorruptRecord, err)
	}

	key, err := deriveKey(password, salt, rec.Profile)
	if err != nil {
		return "", err
	}
	defer zero(key)

	aead, err := newAEAD(rec.Algorithm, key)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("%w: nonce size %d", ErrCorruptRecord, len(nonce))
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrBadPassword
	}
	return string(plaintext), nil
}

// zero wipes derived key material once it is no longer needed.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
