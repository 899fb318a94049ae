package triggerer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the length of a kwargs key in bytes
	KeySize   = 32
	nonceSize = 24
)

// ErrDecrypt is returned for kwargs that were not sealed with the cipher's key
var ErrDecrypt = errors.New("failed to decrypt trigger kwargs")

// KwargsCipher seals trigger kwargs before they are stored.
// The stored form is base64(nonce || secretbox).
type KwargsCipher struct {
	key [KeySize]byte
}

// NewKwargsCipher creates a cipher from a raw 32 byte key
func NewKwargsCipher(key []byte) (*KwargsCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("trigger kwargs key must be %d bytes, got %d", KeySize, len(key))
	}
	c := &KwargsCipher{}
	copy(c.key[:], key)
	return c, nil
}

// ParseKey decodes a base64 key as written in the config file
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("bad trigger kwargs key: %w", err)
	}
	return key, nil
}

// GenerateKey returns a random base64 encoded key
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals kwargs. A nil map is sealed as an empty object.
func (c *KwargsCipher) Encrypt(kwargs map[string]any) (string, error) {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	plain, err := json.Marshal(kwargs)
	if err != nil {
		return "", fmt.Errorf("failed to encode trigger kwargs: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens kwargs sealed by Encrypt
func (c *KwargsCipher) Decrypt(encoded string) (map[string]any, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrDecrypt
	}

	var kwargs map[string]any
	if err := json.Unmarshal(plain, &kwargs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return kwargs, nil
}
