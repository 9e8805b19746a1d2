// Package secure seals connection credentials at rest.
package secure

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidKey is returned when the configured key is not 32 bytes.
var ErrInvalidKey = eris.New("secure: key must be 32 bytes")

// Box encrypts and decrypts payloads with XChaCha20-Poly1305. The random
// nonce is prepended to every ciphertext.
type Box struct {
	key []byte
}

// NewBox returns a Box for a raw 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Box{key: k}, nil
}

// NewBoxFromBase64 decodes a standard base64 key and returns a Box.
func NewBoxFromBase64(encoded string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, eris.Wrap(err, "secure: decode key")
	}
	return NewBox(key)
}

// Seal encrypts plaintext. additional binds the ciphertext to a context
// (the connection key) so sealed blobs cannot be swapped between rows.
func (b *Box) Seal(plaintext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, eris.Wrap(err, "secure: init cipher")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, eris.Wrap(err, "secure: nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open decrypts a payload produced by Seal.
func (b *Box) Open(sealed, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, eris.Wrap(err, "secure: init cipher")
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, eris.New("secure: ciphertext too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, eris.Wrap(err, "secure: open")
	}
	return plain, nil
}

// SealJSON marshals v and seals it.
func (b *Box) SealJSON(v any, additional []byte) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "secure: marshal")
	}
	return b.Seal(data, additional)
}

// OpenJSON opens sealed and unmarshals it into v.
func (b *Box) OpenJSON(sealed, additional []byte, v any) error {
	data, err := b.Open(sealed, additional)
	if err != nil {
		return err
	}
	return eris.Wrap(json.Unmarshal(data, v), "secure: unmarshal")
}
