package bitrix24

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OlegKolesnikoff/bitrix24-api-client/credstore"
	"github.com/OlegKolesnikoff/bitrix24-api-client/internal/transport"
	"github.com/OlegKolesnikoff/bitrix24-api-client/types"
)

func newTestStore(t *testing.T, record *types.CredentialRecord) credstore.Store {
	t.Helper()
	store := credstore.NewFileStore(filepath.Join(t.TempDir(), "creds.json"))
	require.NoError(t, store.Write(context.Background(), record))
	return store
}

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/user.current.json"), "unexpected path: %s", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"ID": "1"}})
	}))
	defer srv.Close()

	store := newTestStore(t, &types.CredentialRecord{
		AccessToken: "A1", RefreshToken: "R1", Domain: "t.bx", ClientEndpoint: srv.URL + "/",
	})

	client, err := New(Config{ClientID: "C", ClientSecret: "S", Store: store})
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Call(context.Background(), "user.current", nil, types.Hint{Domain: "t.bx"})
	require.NoError(t, err)
	_, ok := result["result"]
	assert.True(t, ok, "expected a result field, got %+v", result)
}

func TestCallNoInstallApp(t *testing.T) {
	store := credstore.NewFileStore(filepath.Join(t.TempDir(), "creds.json"))
	client, err := New(Config{ClientID: "C", ClientSecret: "S", Store: store})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "user.current", nil, types.Hint{Domain: "missing.bx"})
	assert.Error(t, err, "expected a no_install_app error for a domain with no stored record")
}

func TestCallExpiredTokenTriggersRefreshAndRetry(t *testing.T) {
	var callCount int32
	// restEndpoint is set once restServer exists; the refresh response
	// reports it as client_endpoint, so the retried call reaches it.
	var restEndpoint string

	oauthServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":    "T2",
			"refresh_token":   "R2",
			"client_endpoint": restEndpoint,
			"server_endpoint": "https://refreshed.example/",
			"member_id":       "M2",
			"expires_in":      "7200",
		})
	}))
	defer oauthServer.Close()

	restServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&callCount, 1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "expired_token"})
			return
		}
		r.ParseForm()
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"auth": r.FormValue("auth")}})
	}))
	defer restServer.Close()
	restEndpoint = restServer.URL + "/"

	// ServerEndpoint deliberately doesn't match the derivable shape
	// (httptest hosts are 127.0.0.1:port), so point defaultOAuthEndpoint
	// at the local OAuth stub for the duration of this test.
	previous := defaultOAuthEndpoint
	defaultOAuthEndpoint = oauthServer.URL + "/"
	defer func() { defaultOAuthEndpoint = previous }()

	store := newTestStore(t, &types.CredentialRecord{
		AccessToken: "A1", RefreshToken: "R1", Domain: "t.bx", ClientEndpoint: restServer.URL + "/",
	})

	client, err := New(Config{ClientID: "C", ClientSecret: "S", Store: store})
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Call(context.Background(), "user.current", nil, types.Hint{Domain: "t.bx"})
	require.NoError(t, err)

	resultMap, _ := result["result"].(map[string]any)
	assert.Equal(t, "T2", resultMap["auth"], "expected the retried call to use the refreshed token")

	stored, err := store.Read(context.Background(), types.Hint{Domain: "t.bx"})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "T2", stored.AccessToken)
	assert.Equal(t, "R2", stored.RefreshToken)
	assert.Equal(t, restEndpoint, stored.ClientEndpoint, "expected the refresh response's client_endpoint to be merged in")
	assert.Equal(t, "https://refreshed.example/", stored.ServerEndpoint)
	assert.Equal(t, "M2", stored.MemberID)
	assert.Equal(t, 7200, stored.ExpiresIn)
	assert.Equal(t, "t.bx", stored.Domain, "expected Domain to be preserved from the original record")
}

func TestDeriveOAuthEndpointMatchingShape(t *testing.T) {
	endpoint := deriveOAuthEndpoint("https://oauth.bitrix24.tech/rest")
	assert.Equal(t, "https://oauth.bitrix24.tech/oauth/token/", endpoint)
}

func TestDeriveOAuthEndpointFallsBackToDefault(t *testing.T) {
	endpoint := deriveOAuthEndpoint("not-a-matching-shape")
	assert.Equal(t, defaultOAuthEndpoint, endpoint)
}

func TestCallRejectsEmptyMethod(t *testing.T) {
	store := credstore.NewFileStore(filepath.Join(t.TempDir(), "creds.json"))
	client, _ := New(Config{ClientID: "C", ClientSecret: "S", Store: store})
	defer client.Close()

	_, err := client.Call(context.Background(), "", nil, types.Hint{Domain: "t.bx"})
	assert.Error(t, err, "expected an error for an empty method name")
}

func TestCallRejectsMissingDomain(t *testing.T) {
	store := credstore.NewFileStore(filepath.Join(t.TempDir(), "creds.json"))
	client, _ := New(Config{ClientID: "C", ClientSecret: "S", Store: store})
	defer client.Close()

	_, err := client.Call(context.Background(), "user.current", nil, types.Hint{})
	assert.Error(t, err, "expected an error for a hint without a domain")
}

func TestNewRequiresClientCredentials(t *testing.T) {
	store := credstore.NewFileStore(filepath.Join(t.TempDir(), "creds.json"))
	_, err := New(Config{Store: store})
	assert.Error(t, err, "expected an error when ClientID/ClientSecret are missing")
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{ClientID: "C", ClientSecret: "S"})
	assert.Error(t, err, "expected an error when Store is missing")
}

func TestIsQuotaBreachOnErrorCode(t *testing.T) {
	resp := &transport.Response{Body: map[string]any{"error": "QUERY_LIMIT_EXCEEDED"}}
	assert.True(t, isQuotaBreach(resp, nil))
}

func TestIsQuotaBreachOnDescriptionSubstring(t *testing.T) {
	resp := &transport.Response{Body: map[string]any{
		"error":             "SOME_OTHER_CODE",
		"error_description": "Method calls limit exceeded for this portal",
	}}
	assert.True(t, isQuotaBreach(resp, nil))
}

func TestIsQuotaBreachFalseOtherwise(t *testing.T) {
	resp := &transport.Response{Body: map[string]any{"error": "INVALID_GRANT"}}
	assert.False(t, isQuotaBreach(resp, nil))
}
