/*
Package credstore defines the pluggable credential-store contract and
the two concrete backends the library ships: an illustrative default
JSON-file store and a BoltDB-backed store for production use.

The Store interface is a thin read/write surface the core depends on
through an interface, never a concrete type: one domain-keyed
credential record per tenant.
*/
package credstore

import (
	"context"

	"github.com/OlegKolesnikoff/bitrix24-api-client/types"
)

// Store reads and writes a tenant's credential record. Both
// operations may block (file IO, network round trip to an external
// secrets manager, etc.) and therefore take a context.
type Store interface {
	// Read returns the record for the tenant identified by hint, or
	// (nil, nil) if no record is present. Implementations need not
	// validate the record; the caller applies the validity invariant.
	Read(ctx context.Context, hint types.Hint) (*types.CredentialRecord, error)

	// Write persists record, keyed by record.Domain.
	Write(ctx context.Context, record *types.CredentialRecord) error
}
