package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floehq/floe/internal/engine"
	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/pkg/schema"
)

// stkCollectionDef initiates an STK push, holds the run open until the
// Safaricom callback lands, then emails the receipt.
func stkCollectionDef(timeout string) schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "order", Kind: schema.NodeKindTrigger, Config: map[string]string{"event": "order.created"}},
			{ID: "pay", Kind: schema.NodeKindMpesa, Config: map[string]string{
				"operation":           "stk_push",
				"credentialId":        "cred-mpesa",
				"phoneNumber":         "{order.phone}",
				"amount":              "{order.amount}",
				"accountReference":    "{order.reference}",
				"waitForConfirmation": "true",
				"confirmationTimeout": timeout,
			}},
			{ID: "receipt", Kind: schema.NodeKindEmail, Config: map[string]string{
				"credentialId": "cred-email",
				"to":           "{order.email}",
				"subject":      "Payment received",
				"body":         "Your M-Pesa receipt is {pay.mpesaReceiptNumber}.",
			}},
		},
		Edges: []schema.Edge{
			{Source: "order", Target: "pay"},
			{Source: "pay", Target: "receipt"},
		},
	}
}

// postStkCallback delivers the payload Safaricom sends to the per-owner
// callback route and returns the decoded acknowledgement.
func postStkCallback(t *testing.T, baseURL, ownerID, checkoutRequestID string, resultCode int, receipt string) map[string]any {
	t.Helper()

	payload := map[string]any{
		"Body": map[string]any{
			"stkCallback": map[string]any{
				"MerchantRequestID": "mr_e2e_1",
				"CheckoutRequestID": checkoutRequestID,
				"ResultCode":        resultCode,
				"ResultDesc":        "The service request is processed successfully.",
				"CallbackMetadata": map[string]any{
					"Item": []map[string]any{
						{"Name": "Amount", "Value": 1500},
						{"Name": "MpesaReceiptNumber", "Value": receipt},
						{"Name": "TransactionDate", "Value": 20260831143000},
						{"Name": "PhoneNumber", "Value": 254712345678},
					},
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(
		fmt.Sprintf("%s/callbacks/mpesa/%s", baseURL, ownerID),
		"application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	return ack
}

func TestStkPushConfirmationRoundTrip(t *testing.T) {
	e := newEnv(t)
	wf := e.createWorkflow(t, schema.ModeStrict, stkCollectionDef("30s"))
	ctx := context.Background()

	resultCh := make(chan *engine.RunResult, 1)
	go func() {
		result, err := e.runner.Start(ctx, wf, map[string]any{
			"amount": "1500", "phone": "0712345678",
			"reference": "INV-099", "email": "buyer@example.com",
		})
		if err == nil {
			resultCh <- result
		}
	}()

	// The push has gone out to Daraja once the pending request is recorded.
	require.Eventually(t, func() bool {
		_, err := e.store.GetPendingByCorrelation(ctx, "mpesa", "ws_CO_e2e_1")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	ack := postStkCallback(t, e.callbacks.URL, testOwner, "ws_CO_e2e_1", 0, "QKL12345XY")
	assert.Equal(t, float64(0), ack["ResultCode"])

	result := waitForResult(t, resultCh, 10*time.Second)
	require.Equal(t, schema.RunStatusSuccess, result.Status)

	// The receipt email carries the number extracted from the callback.
	require.Equal(t, 1, e.providers.emailCount())
	assert.Equal(t, "Your M-Pesa receipt is QKL12345XY.", e.providers.lastEmail()["text"])

	payments, err := e.store.ListPayments(ctx, store.PaymentFilter{RunID: result.RunID})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, store.PaymentConfirmed, payments[0].Status)
	assert.Equal(t, "QKL12345XY", payments[0].ProviderRef)

	pending, err := e.store.GetPendingByCorrelation(ctx, "mpesa", "ws_CO_e2e_1")
	require.NoError(t, err)
	assert.Equal(t, schema.PendingRequestResolved, pending.Status)

	types := e.eventTypes(t, result.RunID)
	assert.Contains(t, types, schema.EventCallbackReceived)
	assert.Contains(t, types, schema.EventPaymentConfirmed)
	assert.Contains(t, types, schema.EventRunCompleted)
}

func TestStkPushFailedCallbackFailsRun(t *testing.T) {
	e := newEnv(t)
	wf := e.createWorkflow(t, schema.ModeStrict, stkCollectionDef("30s"))
	ctx := context.Background()

	resultCh := make(chan *engine.RunResult, 1)
	go func() {
		result, err := e.runner.Start(ctx, wf, map[string]any{
			"amount": "1500", "phone": "0712345678",
			"reference": "INV-100", "email": "buyer@example.com",
		})
		if err == nil {
			resultCh <- result
		}
	}()

	require.Eventually(t, func() bool {
		_, err := e.store.GetPendingByCorrelation(ctx, "mpesa", "ws_CO_e2e_1")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	// 1032 is Safaricom's "request cancelled by user".
	postStkCallback(t, e.callbacks.URL, testOwner, "ws_CO_e2e_1", 1032, "")

	result := waitForResult(t, resultCh, 10*time.Second)
	require.Equal(t, schema.RunStatusFailure, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeProvider, result.Error.Code)

	// No receipt goes out for a cancelled payment.
	assert.Equal(t, 0, e.providers.emailCount())

	payments, err := e.store.ListPayments(ctx, store.PaymentFilter{RunID: result.RunID})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, store.PaymentFailed, payments[0].Status)
}

func TestStkPushConfirmationTimeout(t *testing.T) {
	e := newEnv(t)
	wf := e.createWorkflow(t, schema.ModeStrict, stkCollectionDef("1s"))

	result, err := e.runner.Start(context.Background(), wf, map[string]any{
		"amount": "1500", "phone": "0712345678",
		"reference": "INV-101", "email": "buyer@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFailure, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeTimeout, result.Error.Code)

	// The wait closes the confirmation window itself: the pending request
	// and the payment are expired by the time the run settles.
	payments, err := e.store.ListPayments(context.Background(), store.PaymentFilter{RunID: result.RunID})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, store.PaymentExpired, payments[0].Status)

	assert.Contains(t, e.eventTypes(t, result.RunID), schema.EventPaymentExpired)
}

// Without a confirmation wait the run finishes as soon as the push is
// accepted; the callback settles the payment after the fact.
func TestStkPushWithoutWaitSettlesAfterRunCompletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	wf := e.createWorkflow(t, schema.ModeStrict, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "order", Kind: schema.NodeKindTrigger},
			{ID: "pay", Kind: schema.NodeKindMpesa, Config: map[string]string{
				"operation":    "stk_push",
				"credentialId": "cred-mpesa",
				"phoneNumber":  "{order.phone}",
				"amount":       "{order.amount}",
			}},
			{ID: "notify", Kind: schema.NodeKindAfricasTalking, Config: map[string]string{
				"operation":    "send_sms",
				"credentialId": "cred-at",
				"to":           "{order.phone}",
				"message":      "Check your phone to complete payment {pay.checkoutRequestId}",
			}},
		},
		Edges: []schema.Edge{
			{Source: "order", Target: "pay"},
			{Source: "pay", Target: "notify"},
		},
	})

	result, err := e.runner.Start(ctx, wf, map[string]any{"amount": "1500", "phone": "0712345678"})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSuccess, result.Status)

	// The SMS resolved the correlation id from the payment node's output.
	require.Equal(t, 1, e.providers.smsCount())
	assert.Equal(t, "Check your phone to complete payment ws_CO_e2e_1",
		e.providers.lastSMS().Get("message"))

	payments, err := e.store.ListPayments(ctx, store.PaymentFilter{RunID: result.RunID})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, store.PaymentInitiated, payments[0].Status)

	postStkCallback(t, e.callbacks.URL, testOwner, "ws_CO_e2e_1", 0, "QRT99881")

	settled, err := e.store.GetPayment(ctx, payments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.PaymentConfirmed, settled.Status)
	assert.Equal(t, "QRT99881", settled.ProviderRef)

	// Duplicate delivery is acknowledged and changes nothing.
	ack := postStkCallback(t, e.callbacks.URL, testOwner, "ws_CO_e2e_1", 0, "QRT99881")
	assert.Equal(t, float64(0), ack["ResultCode"])
	again, err := e.store.GetPayment(ctx, payments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, settled.UpdatedAt, again.UpdatedAt)
}

func TestUnmatchedCallbackIsAckedAndRecorded(t *testing.T) {
	e := newEnv(t)

	ack := postStkCallback(t, e.callbacks.URL, testOwner, "ws_CO_nobody_asked", 0, "QQQ000")
	assert.Equal(t, float64(0), ack["ResultCode"])

	events, err := e.store.GetEventsByType(context.Background(),
		schema.EventCallbackUnmatched, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Payload), "ws_CO_nobody_asked")
}
