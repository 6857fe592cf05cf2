// Package locator turns a recipient's public addressing material into an
// opaque, shareable string and back. The codec is injectable; the default
// encodes a JSON payload as base58 text behind a version prefix, so locators
// stay copy-paste safe in chat clients and URLs.
package locator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Prefix versions the default locator text format.
const Prefix = "mc1"

// PublicKeySize is the required public key length in bytes.
const PublicKeySize = 32

// Identity is the public addressing material carried inside a locator.
// Private material never enters a locator.
type Identity struct {
	// PublicKey is the peer's 32-byte public key.
	PublicKey []byte `json:"publicKey"`

	// Hints optionally maps a channel name to a custom endpoint the peer
	// prefers on that channel.
	Hints map[string]string `json:"hints,omitempty"`
}

// Equal reports whether both identities carry the same public fields.
func (id Identity) Equal(other Identity) bool {
	if !bytes.Equal(id.PublicKey, other.PublicKey) {
		return false
	}
	if len(id.Hints) != len(other.Hints) {
		return false
	}
	for k, v := range id.Hints {
		if other.Hints[k] != v {
			return false
		}
	}
	return true
}

func (id Identity) validate() error {
	if len(id.PublicKey) != PublicKeySize {
		return fmt.Errorf("locator: public key must be %d bytes, got %d", PublicKeySize, len(id.PublicKey))
	}
	return nil
}

// Codec encodes and decodes locators. Implementations must guarantee that
// Decode(Encode(id)) reproduces every public field of id exactly.
type Codec interface {
	// Encode renders the identity as a shareable locator string.
	Encode(id Identity) (string, error)

	// Decode parses a locator string back into an identity.
	Decode(locator string) (Identity, error)

	// Validate reports whether the string is a well-formed locator.
	Validate(locator string) error
}

// Base58Codec is the default locator codec: versioned prefix + base58 over a
// JSON payload.
type Base58Codec struct{}

// NewCodec returns the default codec.
func NewCodec() Codec {
	return Base58Codec{}
}

// Encode renders the identity as "mc1" + base58(JSON payload).
func (Base58Codec) Encode(id Identity) (string, error) {
	if err := id.validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("locator: encode payload: %w", err)
	}
	return Prefix + base58.Encode(payload), nil
}

// Decode parses a locator produced by Encode.
func (Base58Codec) Decode(locator string) (Identity, error) {
	if !strings.HasPrefix(locator, Prefix) {
		return Identity{}, fmt.Errorf("locator: missing %q prefix", Prefix)
	}
	payload, err := base58.Decode(locator[len(Prefix):])
	if err != nil {
		return Identity{}, fmt.Errorf("locator: bad base58 text: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return Identity{}, fmt.Errorf("locator: bad payload: %w", err)
	}
	if err := id.validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Validate reports whether the string is a well-formed locator.
func (c Base58Codec) Validate(locator string) error {
	_, err := c.Decode(locator)
	return err
}
