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

func atCredentials() map[string]*vault.Credential {
	return map[string]*vault.Credential{
		"cred-at": {
			ID:       "cred-at",
			OwnerID:  "owner-1",
			Platform: "africastalking",
			Keys:     map[string]string{"apiKey": "at-key", "username": "floeapp"},
		},
	}
}

func atNode(config map[string]string) schema.Node {
	return schema.Node{ID: "notify", Kind: schema.NodeKindAfricasTalking, Config: config}
}

func TestAfricasTalkingSendSMS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/version1/messaging", r.URL.Path)
		assert.Equal(t, "at-key", r.Header.Get("apiKey"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "floeapp", r.PostForm.Get("username"))
		assert.Equal(t, "+254712345678", r.PostForm.Get("to"))
		assert.Equal(t, "Payment of 150 received", r.PostForm.Get("message"))
		json.NewEncoder(w).Encode(map[string]any{
			"SMSMessageData": map[string]any{
				"Message": "Sent to 1/1 Total Cost: KES 0.8000",
				"Recipients": []map[string]any{{
					"number": "+254712345678", "status": "Success",
					"statusCode": 101, "messageId": "ATXid_1", "cost": "KES 0.8000",
				}},
			},
		})
	}))
	defer srv.Close()

	exec := NewAfricasTalkingExecutor(testDeps(t, atCredentials(), nil))
	exec.BaseURL = srv.URL

	req := testRequest(atNode(map[string]string{
		"operation":    "send_sms",
		"credentialId": "cred-at",
		"to":           "{trigger.phone}",
		"message":      "Payment of {trigger.amount} received",
	}), schema.ModeStrict, map[string]any{"phone": "+254712345678", "amount": "150"})

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.Fields["sentCount"])
	assert.Equal(t, 1, out.Fields["totalRecipients"])
}

func TestAfricasTalkingSMSDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"SMSMessageData": map[string]any{
				"Message": "Sent to 0/1",
				"Recipients": []map[string]any{{
					"number": "+254712345678", "status": "InsufficientBalance", "statusCode": 405,
				}},
			},
		})
	}))
	defer srv.Close()

	exec := NewAfricasTalkingExecutor(testDeps(t, atCredentials(), nil))
	exec.BaseURL = srv.URL

	req := testRequest(atNode(map[string]string{
		"operation":    "send_sms",
		"credentialId": "cred-at",
		"to":           "+254712345678",
		"message":      "hi",
	}), schema.ModeStrict, nil)

	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProvider, schema.ErrorCode(err))
}

func TestAfricasTalkingSendAirtime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/version1/airtime/send", r.URL.Path)
		require.NoError(t, r.ParseForm())

		var recipients []map[string]string
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("recipients")), &recipients))
		require.Len(t, recipients, 1)
		assert.Equal(t, "+254712345678", recipients[0]["phoneNumber"])
		assert.Equal(t, "KES 100", recipients[0]["amount"])

		json.NewEncoder(w).Encode(map[string]any{
			"errorMessage": "None", "numSent": 1,
			"totalAmount": "KES 100.0000", "totalDiscount": "KES 4.0000",
		})
	}))
	defer srv.Close()

	exec := NewAfricasTalkingExecutor(testDeps(t, atCredentials(), nil))
	exec.BaseURL = srv.URL

	req := testRequest(atNode(map[string]string{
		"operation":     "send_airtime",
		"credentialId":  "cred-at",
		"to":            "0712345678",
		"airtimeAmount": "100",
	}), schema.ModeStrict, nil)

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Fields["numSent"])
	assert.Equal(t, "KES 100.0000", out.Fields["totalAmount"])
}

func TestAfricasTalkingMissingRecipientLegacySkips(t *testing.T) {
	exec := NewAfricasTalkingExecutor(testDeps(t, atCredentials(), nil))

	req := testRequest(atNode(map[string]string{
		"operation":    "send_sms",
		"credentialId": "cred-at",
		"message":      "hi",
	}), schema.ModeLegacy, nil)

	out, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
}
