package vault

import (
	"context"

	"github.com/floehq/floe/internal/store"
)

// Credential is the decrypted view of a tenant credential. Keys live in
// memory only for the duration of the call that resolved them.
type Credential struct {
	ID       string
	OwnerID  string
	Platform string
	Keys     map[string]string
}

// Key returns a named key, or "" when absent.
func (c *Credential) Key(name string) string {
	return c.Keys[name]
}

// Reader resolves credentials for node execution. Every resolution enforces
// the owner check; node configuration is user-authored and credential IDs
// can be guessed or pasted across tenants.
type Reader interface {
	Resolve(ctx context.Context, id, ownerID string) (*Credential, error)
}

// Vault is the full credential management surface.
type Vault interface {
	Reader
	Put(ctx context.Context, cred *Credential) error
	Delete(ctx context.Context, id, ownerID string) error
	List(ctx context.Context, ownerID string) ([]*Credential, error)
}

// CredentialStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type CredentialStore interface {
	PutCredential(ctx context.Context, cred *store.Credential) error
	GetCredential(ctx context.Context, id string) (*store.Credential, error)
	DeleteCredential(ctx context.Context, id string) error
	ListCredentials(ctx context.Context, ownerID string) ([]*store.Credential, error)
}
