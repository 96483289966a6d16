// Package secret encrypts provider credentials at rest.
//
// A passphrase is stretched with scrypt into an AES-256 key; each value
// is sealed with AES-GCM under a fresh nonce and stored as
// "enc:" + base64(salt|nonce|ciphertext).
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/teranos/prompter/errors"
)

// Prefix marks an encrypted value
const Prefix = "enc:"

const (
	saltSize = 16
	keySize  = 32

	// scrypt parameters recommended for interactive use
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrNoKey is returned when an encrypted value is read without a passphrase
var ErrNoKey = errors.New("secret key not configured")

// Box seals and opens values under one passphrase.
// A Box with an empty passphrase passes plaintext through.
type Box struct {
	passphrase []byte
}

// NewBox returns a Box for passphrase
func NewBox(passphrase string) *Box {
	return &Box{passphrase: []byte(passphrase)}
}

// Enabled reports whether values will be encrypted
func (b *Box) Enabled() bool {
	return b != nil && len(b.passphrase) > 0
}

// IsEncrypted reports whether value carries the encryption prefix
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Seal encrypts plaintext. Empty values and disabled boxes return the
// input unchanged.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" || !b.Enabled() || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", errors.Wrap(err, "failed to generate salt")
	}
	gcm, err := b.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal. Values without the prefix are
// returned as-is.
func (b *Box) Open(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if !b.Enabled() {
		return "", ErrNoKey
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", errors.Wrap(err, "malformed encrypted value")
	}
	if len(raw) < saltSize {
		return "", errors.New("encrypted value too short")
	}
	gcm, err := b.aead(raw[:saltSize])
	if err != nil {
		return "", err
	}
	rest := raw[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return "", errors.New("encrypted value too short")
	}
	plain, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
	if err != nil {
		// deliberately no detail: the cause is a wrong key or tampering
		return "", errors.New("failed to decrypt value")
	}
	return string(plain), nil
}

func (b *Box) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(b.passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return gcm, nil
}
