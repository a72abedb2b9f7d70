// Package auth authenticates callers. The caller's party address is the subject
// of an EdDSA-signed JWT; signing keys are derived from the service secret so
// that tokens survive restarts and can be minted offline by the CLI.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands secret into n bytes bound to purpose.
func DeriveKey(secret []byte, purpose string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte("motivate-kdf"), []byte(purpose))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return out, nil
}

// KeySet holds Ed25519 signing keys by kid. Retired keys keep verifying until
// evicted.
type KeySet struct {
	mu         sync.RWMutex
	secret     []byte
	generation int
	currentKID string
	keys       map[string]ed25519.PrivateKey
	maxKeys    int
}

// NewKeySet derives the first signing key from secret. An empty secret yields
// a random key that does not survive restarts.
func NewKeySet(secret []byte) (*KeySet, error) {
	ks := &KeySet{
		secret:  secret,
		keys:    make(map[string]ed25519.PrivateKey),
		maxKeys: 4,
	}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate makes a new key current.
func (ks *KeySet) Rotate() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	var seed []byte
	if len(ks.secret) == 0 {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
	} else {
		var err error
		seed, err = DeriveKey(ks.secret, fmt.Sprintf("jwt-signing/%d", ks.generation), ed25519.SeedSize)
		if err != nil {
			return err
		}
	}
	ks.generation++

	priv := ed25519.NewKeyFromSeed(seed)
	sum := sha256.Sum256(priv.Public().(ed25519.PublicKey))
	kid := "k-" + hex.EncodeToString(sum[:6])

	ks.keys[kid] = priv
	ks.currentKID = kid
	if len(ks.keys) > ks.maxKeys {
		for k := range ks.keys {
			if k != kid {
				delete(ks.keys, k)
				break
			}
		}
	}
	return nil
}

// CurrentKID returns the kid used for new tokens.
func (ks *KeySet) CurrentKID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

// Sign creates a token signed with the current key.
func (ks *KeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// KeyFunc resolves the verification key from the token's kid header.
func (ks *KeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return key.Public(), nil
	}
}
