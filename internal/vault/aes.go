package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/pkg/schema"
)

// Config configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type Config struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESVault stores credential key material encrypted with AES-256-GCM and
// decrypts lazily on each Resolve. No plaintext is cached.
type AESVault struct {
	store CredentialStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s CredentialStore, cfg Config) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg Config) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (v *AESVault) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeStore, "ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// Resolve loads a credential, enforces ownership, and decrypts its keys.
// The owner check runs before any key material is touched and fails with
// FORBIDDEN on a mismatch; a missing credential fails with NOT_FOUND.
func (v *AESVault) Resolve(ctx context.Context, id, ownerID string) (*Credential, error) {
	rec, err := v.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, schema.NewErrorf(schema.ErrCodeForbidden,
			"credential %q does not belong to owner %q", id, ownerID)
	}

	plaintext, err := v.decrypt(rec.Keys)
	if err != nil {
		return nil, err
	}
	var keys map[string]string
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"credential %q has malformed key material: %s", id, err.Error()).WithCause(err)
	}

	return &Credential{
		ID:       rec.ID,
		OwnerID:  rec.OwnerID,
		Platform: rec.Platform,
		Keys:     keys,
	}, nil
}

// Put encrypts and persists a credential's keys.
func (v *AESVault) Put(ctx context.Context, cred *Credential) error {
	plaintext, err := json.Marshal(cred.Keys)
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}
	encrypted, err := v.encrypt(plaintext)
	if err != nil {
		return err
	}
	return v.store.PutCredential(ctx, &store.Credential{
		ID:       cred.ID,
		OwnerID:  cred.OwnerID,
		Platform: cred.Platform,
		Keys:     encrypted,
	})
}

// Delete removes a credential after verifying ownership.
func (v *AESVault) Delete(ctx context.Context, id, ownerID string) error {
	rec, err := v.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if rec.OwnerID != ownerID {
		return schema.NewErrorf(schema.ErrCodeForbidden,
			"credential %q does not belong to owner %q", id, ownerID)
	}
	return v.store.DeleteCredential(ctx, id)
}

// List returns an owner's credentials with keys decrypted.
func (v *AESVault) List(ctx context.Context, ownerID string) ([]*Credential, error) {
	recs, err := v.store.ListCredentials(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	creds := make([]*Credential, 0, len(recs))
	for _, rec := range recs {
		plaintext, err := v.decrypt(rec.Keys)
		if err != nil {
			return nil, err
		}
		var keys map[string]string
		if err := json.Unmarshal(plaintext, &keys); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"credential %q has malformed key material: %s", rec.ID, err.Error()).WithCause(err)
		}
		creds = append(creds, &Credential{
			ID:       rec.ID,
			OwnerID:  rec.OwnerID,
			Platform: rec.Platform,
			Keys:     keys,
		})
	}
	return creds, nil
}
