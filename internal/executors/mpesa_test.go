package executors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/internal/vault"
	"github.com/floehq/floe/pkg/schema"
)

func mpesaCredentials() map[string]*vault.Credential {
	return map[string]*vault.Credential{
		"cred-mpesa": {
			ID:       "cred-mpesa",
			OwnerID:  "owner-1",
			Platform: "mpesa",
			Keys: map[string]string{
				"consumerKey":        "ck",
				"consumerSecret":     "cs",
				"shortCode":          "174379",
				"passkey":            "pk",
				"callbackUrl":        "https://hooks.test.local/callbacks/mpesa/owner-1",
				"initiatorName":      "tester",
				"securityCredential": "sec",
			},
		},
	}
}

// fakeDaraja serves the OAuth, STK push, STK query and B2C endpoints with
// canned success responses and counts OAuth hits.
func fakeDaraja(t *testing.T, oauthCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "ck", user)
		assert.Equal(t, "cs", pass)
		oauthCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-123", "expires_in": "3600"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "254712345678", body["PhoneNumber"])
		assert.Equal(t, float64(150), body["Amount"])
		assert.Equal(t, "CustomerPayBillOnline", body["TransactionType"])
		json.NewEncoder(w).Encode(map[string]any{
			"ResponseCode":        "0",
			"ResponseDescription": "Success. Request accepted for processing",
			"CheckoutRequestID":   "ws_CO_123",
			"MerchantRequestID":   "mr_456",
			"CustomerMessage":     "Success. Request accepted for processing",
		})
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ws_CO_123", body["CheckoutRequestID"])
		json.NewEncoder(w).Encode(map[string]any{
			"ResultCode": "0",
			"ResultDesc": "The service request is processed successfully.",
		})
	})
	mux.HandleFunc("/mpesa/b2c/v1/paymentrequest", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BusinessPayment", body["CommandID"])
		json.NewEncoder(w).Encode(map[string]any{
			"ConversationID":           "AG_789",
			"OriginatorConversationID": "orig_001",
			"ResponseDescription":      "Accept the service request successfully.",
		})
	})
	return httptest.NewServer(mux)
}

func mpesaNode(config map[string]string) schema.Node {
	return schema.Node{ID: "pay", Kind: schema.NodeKindMpesa, Config: config}
}

func TestMpesaStkPush(t *testing.T) {
	var oauthCalls atomic.Int32
	srv := fakeDaraja(t, &oauthCalls)
	defer srv.Close()

	st := newStubStore()
	deps := testDeps(t, mpesaCredentials(), st)
	exec := NewMpesaExecutor(deps)
	exec.BaseURL = srv.URL

	req := testRequest(mpesaNode(map[string]string{
		"operation":    "stk_push",
		"credentialId": "cred-mpesa",
		"phoneNumber":  "{trigger.phone}",
		"amount":       "{trigger.amount}",
	}), schema.ModeStrict, map[string]any{"phone": "0712345678", "amount": "150"})

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "ws_CO_123", out.Fields["checkoutRequestId"])
	assert.Equal(t, "254712345678", out.Fields["phoneNumber"])

	// One payment row and one pending callback wait were persisted.
	require.Len(t, st.payments, 1)
	assert.Equal(t, "push", st.payments[0].Direction)
	assert.Equal(t, "initiated", st.payments[0].Status)

	require.Len(t, st.pending, 1)
	for _, p := range st.pending {
		assert.Equal(t, "mpesa", p.Provider)
		assert.Equal(t, "stk_push", p.Kind)
		assert.Equal(t, "ws_CO_123", p.CorrelationID)
	}
}

func TestMpesaTokenCached(t *testing.T) {
	var oauthCalls atomic.Int32
	srv := fakeDaraja(t, &oauthCalls)
	defer srv.Close()

	deps := testDeps(t, mpesaCredentials(), nil)
	exec := NewMpesaExecutor(deps)
	exec.BaseURL = srv.URL

	req := testRequest(mpesaNode(map[string]string{
		"operation":    "stk_push",
		"credentialId": "cred-mpesa",
		"phoneNumber":  "0712345678",
		"amount":       "150",
	}), schema.ModeLegacy, nil)

	for range 3 {
		_, err := exec.Execute(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), oauthCalls.Load())
}

func TestMpesaMissingCredentialLegacySkips(t *testing.T) {
	exec := NewMpesaExecutor(testDeps(t, nil, nil))

	req := testRequest(mpesaNode(map[string]string{"operation": "stk_push"}), schema.ModeLegacy, nil)
	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, "No M-Pesa credential configured", out.Reason)
}

func TestMpesaMissingCredentialStrictFails(t *testing.T) {
	exec := NewMpesaExecutor(testDeps(t, nil, nil))

	req := testRequest(mpesaNode(map[string]string{"operation": "stk_push"}), schema.ModeStrict, nil)
	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
}

func TestMpesaProviderRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": "3600"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"errorMessage": "Invalid Amount"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exec := NewMpesaExecutor(testDeps(t, mpesaCredentials(), nil))
	exec.BaseURL = srv.URL

	req := testRequest(mpesaNode(map[string]string{
		"operation":    "stk_push",
		"credentialId": "cred-mpesa",
		"phoneNumber":  "0712345678",
		"amount":       "150",
	}), schema.ModeStrict, nil)

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProvider, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "Invalid Amount")
}

func TestMpesaCheckStatus(t *testing.T) {
	var oauthCalls atomic.Int32
	srv := fakeDaraja(t, &oauthCalls)
	defer srv.Close()

	exec := NewMpesaExecutor(testDeps(t, mpesaCredentials(), nil))
	exec.BaseURL = srv.URL

	req := testRequest(mpesaNode(map[string]string{
		"operation":         "check_status",
		"credentialId":      "cred-mpesa",
		"checkoutRequestId": "ws_CO_123",
	}), schema.ModeStrict, nil)

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "0", out.Fields["resultCode"])
}

func TestMpesaB2C(t *testing.T) {
	var oauthCalls atomic.Int32
	srv := fakeDaraja(t, &oauthCalls)
	defer srv.Close()

	st := newStubStore()
	exec := NewMpesaExecutor(testDeps(t, mpesaCredentials(), st))
	exec.BaseURL = srv.URL

	req := testRequest(mpesaNode(map[string]string{
		"operation":    "b2c",
		"credentialId": "cred-mpesa",
		"phoneNumber":  "+254798765432",
		"amount":       "500",
	}), schema.ModeStrict, nil)

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "AG_789", out.Fields["conversationId"])
	assert.Equal(t, "254798765432", out.Fields["phoneNumber"])

	require.Len(t, st.payments, 1)
	assert.Equal(t, "payout", st.payments[0].Direction)
	require.Len(t, st.pending, 1)
	for _, p := range st.pending {
		assert.Equal(t, "b2c", p.Kind)
		assert.Equal(t, "AG_789", p.CorrelationID)
	}
}

func TestMpesaWaitForConfirmationResolved(t *testing.T) {
	var oauthCalls atomic.Int32
	srv := fakeDaraja(t, &oauthCalls)
	defer srv.Close()

	st := newStubStore()
	exec := NewMpesaExecutor(testDeps(t, mpesaCredentials(), st))
	exec.BaseURL = srv.URL

	// Resolve the pending request shortly after the executor starts polling.
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if st.resolveFirstPending(map[string]any{
				"resultCode":         "0",
				"resultDesc":         "The service request is processed successfully.",
				"mpesaReceiptNumber": "QK12XYZ",
			}) {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	req := testRequest(mpesaNode(map[string]string{
		"operation":           "stk_push",
		"credentialId":        "cred-mpesa",
		"phoneNumber":         "0712345678",
		"amount":              "150",
		"waitForConfirmation": "true",
		"confirmationTimeout": "5s",
	}), schema.ModeStrict, nil)

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, true, out.Fields["confirmed"])
	assert.Equal(t, "QK12XYZ", out.Fields["mpesaReceiptNumber"])
}

func TestMpesaWaitForConfirmationTimesOut(t *testing.T) {
	var oauthCalls atomic.Int32
	srv := fakeDaraja(t, &oauthCalls)
	defer srv.Close()

	st := newStubStore()
	exec := NewMpesaExecutor(testDeps(t, mpesaCredentials(), st))
	exec.BaseURL = srv.URL

	req := testRequest(mpesaNode(map[string]string{
		"operation":           "stk_push",
		"credentialId":        "cred-mpesa",
		"phoneNumber":         "0712345678",
		"amount":              "150",
		"waitForConfirmation": "true",
		"confirmationTimeout": "1s",
	}), schema.ModeStrict, nil)

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.ErrorCode(err))

	// Giving up closes the window immediately so a late callback is a miss,
	// and the payment settles as expired without waiting for the sweep.
	require.Len(t, st.pending, 1)
	for _, p := range st.pending {
		assert.Equal(t, schema.PendingRequestExpired, p.Status)
	}
	require.Len(t, st.payments, 1)
	assert.Equal(t, store.PaymentExpired, st.payments[0].Status)
	require.Len(t, st.events, 1)
	assert.Equal(t, schema.EventPaymentExpired, st.events[0].Type)
}

func TestMpesaConfirmationWindowStampsPendingExpiry(t *testing.T) {
	var oauthCalls atomic.Int32
	srv := fakeDaraja(t, &oauthCalls)
	defer srv.Close()

	st := newStubStore()
	deps := testDeps(t, mpesaCredentials(), st)
	exec := NewMpesaExecutor(deps)
	exec.BaseURL = srv.URL

	req := testRequest(mpesaNode(map[string]string{
		"operation":           "stk_push",
		"credentialId":        "cred-mpesa",
		"phoneNumber":         "0712345678",
		"amount":              "150",
		"confirmationTimeout": "10m",
	}), schema.ModeStrict, nil)

	_, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)

	// The pending expiry matches the configured window, not the default, so
	// the sweep cannot expire the wait early.
	require.Len(t, st.pending, 1)
	for _, p := range st.pending {
		assert.Equal(t, deps.Now().Add(10*time.Minute), p.ExpiresAt)
	}
}

func TestMpesaWrongPlatformCredential(t *testing.T) {
	creds := map[string]*vault.Credential{
		"cred-at": {ID: "cred-at", OwnerID: "owner-1", Platform: "africastalking",
			Keys: map[string]string{"apiKey": "k", "username": "u"}},
	}
	exec := NewMpesaExecutor(testDeps(t, creds, nil))

	req := testRequest(mpesaNode(map[string]string{
		"operation":    "stk_push",
		"credentialId": "cred-at",
	}), schema.ModeLegacy, nil)

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
}
