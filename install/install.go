/*
Package install recognizes an inbound Bitrix24 installation payload and
turns it into a persisted types.CredentialRecord.

Each handler is a flat function that reads named fields off one payload
shape, assembles a CredentialRecord and writes it to the store, with no
behavior beyond that mapping and write.
*/
package install

import (
	"context"
	"fmt"
	"strconv"

	"github.com/OlegKolesnikoff/bitrix24-api-client/credstore"
	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/bxerrors"
	"github.com/OlegKolesnikoff/bitrix24-api-client/types"
)

// Result is the outcome handed back to the HTTP handler that received
// the install payload, so it can be serialized straight to JSON.
type Result struct {
	RestOnly bool                    `json:"rest_only"`
	Auth     *types.CredentialRecord `json:"auth"`
	Install  any                     `json:"install"`
}

const defaultExpiresIn = 3600

// Handle inspects payload for one of the two recognized install
// shapes (headless ONAPPINSTALL or UI DEFAULT placement), builds the
// corresponding credential record, writes it via store, and returns
// the response envelope the caller's install endpoint should emit.
func Handle(ctx context.Context, payload map[string]any, store credstore.Store) (*Result, error) {
	if event, _ := payload["event"].(string); event == "ONAPPINSTALL" {
		return handleHeadless(ctx, payload, store)
	}
	if placement, _ := payload["PLACEMENT"].(string); placement == "DEFAULT" {
		return handleUI(ctx, payload, store)
	}
	return nil, bxerrors.NewInstallError("unrecognized install payload shape", nil, "")
}

func handleHeadless(ctx context.Context, payload map[string]any, store credstore.Store) (*Result, error) {
	authRaw, ok := payload["auth"].(map[string]any)
	if !ok {
		return nil, bxerrors.NewInstallError("ONAPPINSTALL payload missing an auth object", nil, "")
	}

	record := &types.CredentialRecord{
		AccessToken:      stringField(authRaw, "access_token"),
		RefreshToken:     stringField(authRaw, "refresh_token"),
		Domain:           stringField(authRaw, "domain"),
		ClientEndpoint:   stringField(authRaw, "client_endpoint"),
		ApplicationToken: stringField(authRaw, "application_token"),
		MemberID:         stringField(authRaw, "member_id"),
		Status:           stringField(authRaw, "status"),
		ServerEndpoint:   stringField(authRaw, "server_endpoint"),
	}
	if expires, ok := intField(authRaw, "expires_in"); ok {
		record.ExpiresIn = expires
	}

	if err := store.Write(ctx, record); err != nil {
		return nil, bxerrors.NewInstallError("failed to persist headless install record", err, "")
	}

	return &Result{RestOnly: true, Auth: record, Install: "ok"}, nil
}

func handleUI(ctx context.Context, payload map[string]any, store credstore.Store) (*Result, error) {
	authID := stringField(payload, "AUTH_ID")
	domain := stringField(payload, "DOMAIN")
	if authID == "" || domain == "" {
		return nil, bxerrors.NewInstallError("UI install payload missing mandatory AUTH_ID or DOMAIN", nil, "")
	}

	expiresIn := defaultExpiresIn
	if raw, ok := payload["AUTH_EXPIRES"]; ok {
		if parsed, err := strconv.Atoi(fmt.Sprint(raw)); err == nil {
			expiresIn = parsed
		}
	}

	record := &types.CredentialRecord{
		AccessToken:      authID,
		ExpiresIn:        expiresIn,
		ApplicationToken: stringField(payload, "APP_SID"),
		RefreshToken:     stringField(payload, "REFRESH_ID"),
		Domain:           domain,
		ClientEndpoint:   "https://" + domain + "/rest/",
		MemberID:         stringField(payload, "member_id"),
		Status:           stringField(payload, "status"),
	}

	if err := store.Write(ctx, record); err != nil {
		return nil, bxerrors.NewInstallError("failed to persist UI install record", err, "")
	}

	return &Result{RestOnly: false, Auth: record, Install: "ok"}, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func intField(m map[string]any, key string) (int, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
