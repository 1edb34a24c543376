// Package secret seals credential secrets at rest. The key is derived from a
// process-wide secret, so rotating QPC_SECRET_KEY makes stored secrets unreadable.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/quipucords/quipucords/internal/model"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const prefix = "qpc1:"

var ErrDecrypt = errors.New("cannot decrypt secret")

// Box seals and opens strings with XChaCha20-Poly1305.
type Box struct {
	key []byte
}

// New derives the Box key from secret. The secret must not be empty.
func New(secret string) (Box, error) {
	if secret == "" {
		return Box{}, errors.New("empty secret key")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("quipucords credential secrets"))
	if _, err := io.ReadFull(r, key); err != nil {
		return Box{}, fmt.Errorf("deriving key: %w", err)
	}
	return Box{key: key}, nil
}

// Seal encrypts plaintext. Empty strings stay empty so "no secret" is visible
// without decrypting.
func (b Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	enc, ok := strings.CutPrefix(sealed, prefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrDecrypt)
	}
	raw, err := base64.RawStdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("%w: too short", ErrDecrypt)
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return string(plain), nil
}

// IsSealed reports whether s looks like a Seal output.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, prefix)
}

// SealCredential returns a copy of c with every secret field sealed. Fields
// already sealed are kept, so an update may carry stored values back.
func (b Box) SealCredential(c model.Credential) (model.Credential, error) {
	return b.transform(c, func(s string) (string, error) {
		if IsSealed(s) {
			return s, nil
		}
		return b.Seal(s)
	})
}

// OpenCredential returns a copy of c with every secret field in plaintext.
func (b Box) OpenCredential(c model.Credential) (model.Credential, error) {
	return b.transform(c, b.Open)
}

func (b Box) transform(c model.Credential, f func(string) (string, error)) (model.Credential, error) {
	for _, field := range []*string{&c.Password, &c.SSHKey, &c.SSHPassphrase, &c.AuthToken, &c.BecomePassword} {
		v, err := f(*field)
		if err != nil {
			return model.Credential{}, fmt.Errorf("credential %q: %w", c.Name, err)
		}
		*field = v
	}
	return c, nil
}
