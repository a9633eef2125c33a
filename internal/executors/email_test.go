package executors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floehq/floe/internal/vault"
	"github.com/floehq/floe/pkg/schema"
)

func emailCredentials() map[string]*vault.Credential {
	return map[string]*vault.Credential{
		"cred-email": {
			ID:       "cred-email",
			OwnerID:  "owner-1",
			Platform: "email",
			Keys:     map[string]string{"apiKey": "re_test_key"},
		},
	}
}

func emailNode(config map[string]string) schema.Node {
	return schema.Node{ID: "mail", Kind: schema.NodeKindEmail, Config: config}
}

func TestEmailSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test_key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"a@example.com", "b@example.com"}, body["to"])
		assert.Equal(t, "Receipt", body["subject"])
		assert.Equal(t, "Thanks for your payment", body["text"])
		_, hasHTML := body["html"]
		assert.False(t, hasHTML)

		json.NewEncoder(w).Encode(map[string]any{"id": "email-123"})
	}))
	defer srv.Close()

	exec := NewEmailExecutor(testDeps(t, emailCredentials(), nil))
	exec.BaseURL = srv.URL

	req := testRequest(emailNode(map[string]string{
		"credentialId": "cred-email",
		"to":           "a@example.com, b@example.com",
		"subject":      "Receipt",
		"body":         "Thanks for your payment",
	}), schema.ModeStrict, nil)

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "email-123", out.Fields["emailId"])
	assert.Equal(t, "Receipt", out.Fields["subject"])
}

func TestEmailSendHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "<h1>Hello</h1>", body["html"])
		_, hasText := body["text"]
		assert.False(t, hasText)
		json.NewEncoder(w).Encode(map[string]any{"id": "email-124"})
	}))
	defer srv.Close()

	exec := NewEmailExecutor(testDeps(t, emailCredentials(), nil))
	exec.BaseURL = srv.URL

	req := testRequest(emailNode(map[string]string{
		"credentialId": "cred-email",
		"to":           "a@example.com",
		"subject":      "Hello",
		"body":         "<h1>Hello</h1>",
		"isHtml":       "true",
	}), schema.ModeStrict, nil)

	_, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
}

func TestEmailProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{"message": "Invalid from address"})
	}))
	defer srv.Close()

	exec := NewEmailExecutor(testDeps(t, emailCredentials(), nil))
	exec.BaseURL = srv.URL

	req := testRequest(emailNode(map[string]string{
		"credentialId": "cred-email",
		"to":           "a@example.com",
		"subject":      "Hello",
		"body":         "hi",
	}), schema.ModeStrict, nil)

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProvider, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "Invalid from address")
}

func TestEmailNoCredentialUsesDefaultKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer re_default_key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"id": "email-125"})
	}))
	defer srv.Close()

	deps := testDeps(t, nil, nil)
	deps.DefaultEmailKey = "re_default_key"
	exec := NewEmailExecutor(deps)
	exec.BaseURL = srv.URL

	req := testRequest(emailNode(map[string]string{
		"to":      "a@example.com",
		"subject": "Hello",
		"body":    "hi",
	}), schema.ModeStrict, nil)

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "email-125", out.Fields["emailId"])
}

func TestEmailNoCredentialNoDefaultKey(t *testing.T) {
	exec := NewEmailExecutor(testDeps(t, nil, nil))

	req := testRequest(emailNode(map[string]string{
		"to":      "a@example.com",
		"subject": "Hello",
		"body":    "hi",
	}), schema.ModeStrict, nil)

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
}

func TestEmailMissingFieldsLegacySkips(t *testing.T) {
	exec := NewEmailExecutor(testDeps(t, emailCredentials(), nil))

	req := testRequest(emailNode(map[string]string{
		"credentialId": "cred-email",
		"to":           "a@example.com",
	}), schema.ModeLegacy, nil)

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
}
