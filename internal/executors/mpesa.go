package executors

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/pkg/schema"
)

const (
	mpesaSandboxURL = "https://sandbox.safaricom.co.ke"
	mpesaLiveURL    = "https://api.safaricom.co.ke"

	defaultConfirmationTimeout = 2 * time.Minute
	confirmationPollInterval   = 500 * time.Millisecond
)

// MpesaExecutor runs mpesa nodes: STK push payment prompts, STK status
// queries, and B2C payouts against the Daraja API.
type MpesaExecutor struct {
	deps Deps

	// BaseURL overrides the Daraja endpoint; tests point it at a fake.
	BaseURL string
}

// NewMpesaExecutor creates the mpesa executor.
func NewMpesaExecutor(deps Deps) *MpesaExecutor {
	return &MpesaExecutor{deps: deps}
}

func (e *MpesaExecutor) Kind() schema.NodeKind { return schema.NodeKindMpesa }

func (e *MpesaExecutor) Execute(ctx context.Context, req Request) (schema.NodeOutput, error) {
	cfg, err := decodeConfig[schema.MpesaConfig](req.Node)
	if err != nil {
		return schema.NodeOutput{}, err
	}

	if cfg.CredentialID == "" {
		return skipOrFail(req.Mode, "No M-Pesa credential configured",
			schema.NewError(schema.ErrCodeConfiguration, "mpesa node has no credential selected").WithNode(req.Node.ID))
	}

	cred, err := e.deps.Vault.Resolve(ctx, cfg.CredentialID, req.OwnerID)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if cred.Platform != "mpesa" {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"credential is not an M-Pesa credential (got %s)", cred.Platform).WithNode(req.Node.ID)
	}

	consumerKey := cred.Key("consumerKey")
	consumerSecret := cred.Key("consumerSecret")
	if consumerKey == "" || consumerSecret == "" {
		return schema.NodeOutput{}, schema.NewError(schema.ErrCodeConfiguration,
			"M-Pesa credential is missing consumerKey or consumerSecret").WithNode(req.Node.ID)
	}

	base := e.baseURL(cred.Key("sandbox") != "false")

	token, err := e.accessToken(ctx, base, consumerKey, consumerSecret)
	if err != nil {
		return schema.NodeOutput{}, err
	}

	operation := cfg.Operation
	if operation == "" {
		operation = "stk_push"
	}

	switch operation {
	case "stk_push":
		return e.stkPush(ctx, req, cfg, cred.Keys, base, token)
	case "check_status":
		return e.checkStatus(ctx, req, cfg, cred.Keys, base, token)
	case "b2c":
		return e.b2c(ctx, req, cfg, cred.Keys, base, token)
	default:
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported M-Pesa operation: %s", operation).WithNode(req.Node.ID)
	}
}

func (e *MpesaExecutor) baseURL(sandbox bool) string {
	if e.BaseURL != "" {
		return e.BaseURL
	}
	if sandbox {
		return mpesaSandboxURL
	}
	return mpesaLiveURL
}

// accessToken returns a Daraja bearer token, consulting the shared cache
// keyed by the consumer key (never the secret).
func (e *MpesaExecutor) accessToken(ctx context.Context, base, consumerKey, consumerSecret string) (string, error) {
	if e.deps.Tokens != nil {
		if tok, ok := e.deps.Tokens.Get(consumerKey); ok {
			return tok, nil
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		base+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	httpReq.SetBasicAuth(consumerKey, consumerSecret)

	resp, err := e.deps.http().Do(httpReq)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeProvider, "M-Pesa OAuth request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeProvider, "M-Pesa OAuth returned malformed body: %s", err.Error()).WithCause(err)
	}
	if body.AccessToken == "" {
		return "", schema.NewError(schema.ErrCodeProvider, "M-Pesa OAuth returned no access_token")
	}

	expiresIn, err := strconv.Atoi(body.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}
	if e.deps.Tokens != nil {
		e.deps.Tokens.Put(consumerKey, body.AccessToken, time.Duration(expiresIn)*time.Second)
	}
	return body.AccessToken, nil
}

// darajaTimestamp formats a time the way the STK password derivation expects.
func darajaTimestamp(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

func stkPassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func (e *MpesaExecutor) stkPush(ctx context.Context, req Request, cfg *schema.MpesaConfig, keys map[string]string, base, token string) (schema.NodeOutput, error) {
	phone, err := req.Resolve(cfg.PhoneNumber)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	amount, err := req.Resolve(cfg.Amount)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if phone == "" || amount == "" {
		return skipOrFail(req.Mode, "phoneNumber or amount not configured",
			schema.NewError(schema.ErrCodeConfiguration, "M-Pesa STK push requires phoneNumber and amount").WithNode(req.Node.ID))
	}

	accountRef, err := req.Resolve(cfg.AccountReference)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if accountRef == "" {
		accountRef = "Floe Payment"
	}
	txDesc, err := req.Resolve(cfg.TransactionDesc)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if txDesc == "" {
		txDesc = "Payment"
	}

	phone = normalizePhone(phone)
	amountNum, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"M-Pesa amount %q is not numeric", amount).WithNode(req.Node.ID)
	}

	shortCode := keys["shortCode"]
	timestamp := darajaTimestamp(e.deps.now())

	callbackURL := keys["callbackUrl"]
	if callbackURL == "" {
		callbackURL = fmt.Sprintf("%s/callbacks/mpesa/%s", e.deps.CallbackBaseURL, req.OwnerID)
	}

	payload := map[string]any{
		"BusinessShortCode": shortCode,
		"Password":          stkPassword(shortCode, keys["passkey"], timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            int64(math.Round(amountNum)),
		"PartyA":            phone,
		"PartyB":            shortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       callbackURL,
		"AccountReference":  accountRef,
		"TransactionDesc":   txDesc,
	}

	result, httpOK, err := e.postJSON(ctx, base+"/mpesa/stkpush/v1/processrequest", token, payload)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if !httpOK || str(result["ResponseCode"]) != "0" {
		msg := str(result["errorMessage"])
		if msg == "" {
			msg = str(result["ResponseDescription"])
		}
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"M-Pesa STK push failed: %s", msg).WithNode(req.Node.ID)
	}

	checkoutRequestID := str(result["CheckoutRequestID"])

	// Record the payment and the callback wait before returning so the
	// correlator can match a callback the instant it arrives.
	pendingID, err := e.recordIssued(ctx, req, payment{
		provider:      "mpesa",
		direction:     "push",
		kind:          "stk_push",
		phone:         phone,
		amount:        amount,
		reference:     accountRef,
		correlationID: checkoutRequestID,
		window:        confirmationWindow(cfg),
	})
	if err != nil {
		return schema.NodeOutput{}, err
	}

	out := schema.NodeOutput{
		Success: true,
		Fields: map[string]any{
			"checkoutRequestId":   checkoutRequestID,
			"merchantRequestId":   str(result["MerchantRequestID"]),
			"responseDescription": str(result["ResponseDescription"]),
			"customerMessage":     str(result["CustomerMessage"]),
			"phoneNumber":         phone,
			"amount":              amount,
		},
	}

	if !cfg.WaitForConfirmation {
		return out, nil
	}
	return e.awaitConfirmation(ctx, req, cfg, pendingID, out)
}

// awaitConfirmation polls the pending request until the callback resolves it
// or the confirmation window lapses.
func (e *MpesaExecutor) awaitConfirmation(ctx context.Context, req Request, cfg *schema.MpesaConfig, pendingID string, out schema.NodeOutput) (schema.NodeOutput, error) {
	timeout := confirmationWindow(cfg)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(confirmationPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return schema.NodeOutput{}, schema.NewError(schema.ErrCodeCancelled, "run cancelled while awaiting payment confirmation").
				WithNode(req.Node.ID).WithCause(ctx.Err())
		case <-deadline.C:
			// Close the window here rather than leaving it to the sweep, so
			// a late callback lands as a miss the moment the wait gives up.
			eerr := e.deps.Store.ExpirePendingRequest(ctx, pendingID)
			if eerr == nil {
				e.expirePayment(ctx, req)
				return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeTimeout,
					"payment confirmation not received within %s", timeout).WithNode(req.Node.ID)
			}
			if schema.ErrorCode(eerr) != schema.ErrCodeConflict {
				return schema.NodeOutput{}, eerr
			}
			// The callback won the race against the deadline; read the
			// settled result below.
		case <-tick.C:
		}

		pending, err := e.deps.Store.GetPendingRequest(ctx, pendingID)
		if err != nil {
			return schema.NodeOutput{}, err
		}
		switch pending.Status {
		case schema.PendingRequestResolved:
			var cb map[string]any
			if len(pending.Result) > 0 {
				_ = json.Unmarshal(pending.Result, &cb)
			}
			confirmed := str(cb["resultCode"]) == "0"
			out.Fields["confirmed"] = confirmed
			if v, ok := cb["mpesaReceiptNumber"]; ok {
				out.Fields["mpesaReceiptNumber"] = v
			}
			if v, ok := cb["resultDesc"]; ok {
				out.Fields["resultDesc"] = v
			}
			if !confirmed {
				return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
					"payment not completed: %s", str(cb["resultDesc"])).WithNode(req.Node.ID).
					WithDetails(map[string]any{"resultCode": cb["resultCode"]})
			}
			return out, nil
		case schema.PendingRequestExpired:
			return schema.NodeOutput{}, schema.NewError(schema.ErrCodeTimeout,
				"payment confirmation window expired").WithNode(req.Node.ID)
		}
	}
}

func (e *MpesaExecutor) checkStatus(ctx context.Context, req Request, cfg *schema.MpesaConfig, keys map[string]string, base, token string) (schema.NodeOutput, error) {
	checkoutRequestID, err := req.Resolve(cfg.CheckoutRequestID)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if checkoutRequestID == "" {
		return skipOrFail(req.Mode, "checkoutRequestId not configured",
			schema.NewError(schema.ErrCodeConfiguration, "M-Pesa status check requires checkoutRequestId").WithNode(req.Node.ID))
	}

	shortCode := keys["shortCode"]
	timestamp := darajaTimestamp(e.deps.now())

	payload := map[string]any{
		"BusinessShortCode": shortCode,
		"Password":          stkPassword(shortCode, keys["passkey"], timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	result, _, err := e.postJSON(ctx, base+"/mpesa/stkpushquery/v1/query", token, payload)
	if err != nil {
		return schema.NodeOutput{}, err
	}

	resultCode := str(result["ResultCode"])
	return schema.NodeOutput{
		Success: resultCode == "0",
		Fields: map[string]any{
			"resultCode":        resultCode,
			"resultDesc":        str(result["ResultDesc"]),
			"checkoutRequestId": checkoutRequestID,
		},
	}, nil
}

func (e *MpesaExecutor) b2c(ctx context.Context, req Request, cfg *schema.MpesaConfig, keys map[string]string, base, token string) (schema.NodeOutput, error) {
	phone, err := req.Resolve(cfg.PhoneNumber)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	amount, err := req.Resolve(cfg.Amount)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if phone == "" || amount == "" {
		return skipOrFail(req.Mode, "phoneNumber or amount not configured",
			schema.NewError(schema.ErrCodeConfiguration, "M-Pesa B2C requires phoneNumber and amount").WithNode(req.Node.ID))
	}

	phone = normalizePhone(phone)
	amountNum, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"M-Pesa amount %q is not numeric", amount).WithNode(req.Node.ID)
	}

	commandID, err := req.Resolve(cfg.CommandID)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if commandID == "" {
		commandID = "BusinessPayment"
	}
	remarks, err := req.Resolve(cfg.Remarks)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if remarks == "" {
		remarks = "Payment via Floe"
	}

	resultURL := keys["resultUrl"]
	if resultURL == "" {
		resultURL = fmt.Sprintf("%s/callbacks/mpesa/%s/b2c-result", e.deps.CallbackBaseURL, req.OwnerID)
	}
	timeoutURL := keys["queueTimeoutUrl"]
	if timeoutURL == "" {
		timeoutURL = resultURL
	}

	payload := map[string]any{
		"InitiatorName":      keys["initiatorName"],
		"SecurityCredential": keys["securityCredential"],
		"CommandID":          commandID,
		"Amount":             int64(math.Round(amountNum)),
		"PartyA":             keys["shortCode"],
		"PartyB":             phone,
		"Remarks":            remarks,
		"QueueTimeOutURL":    timeoutURL,
		"ResultURL":          resultURL,
		"Occassion":          "",
	}

	result, httpOK, err := e.postJSON(ctx, base+"/mpesa/b2c/v1/paymentrequest", token, payload)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if !httpOK {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"M-Pesa B2C failed: %s", str(result["errorMessage"])).WithNode(req.Node.ID)
	}

	conversationID := str(result["ConversationID"])

	if _, err := e.recordIssued(ctx, req, payment{
		provider:      "mpesa",
		direction:     "payout",
		kind:          "b2c",
		phone:         phone,
		amount:        amount,
		reference:     remarks,
		correlationID: conversationID,
		window:        confirmationWindow(cfg),
	}); err != nil {
		return schema.NodeOutput{}, err
	}

	return schema.NodeOutput{
		Success: true,
		Fields: map[string]any{
			"conversationId":           conversationID,
			"originatorConversationId": str(result["OriginatorConversationID"]),
			"responseDescription":      str(result["ResponseDescription"]),
			"phoneNumber":              phone,
			"amount":                   amount,
		},
	}, nil
}

// expirePayment settles the payment row left initiated by a wait that gave
// up, mirroring what the background sweep does for runs that never waited.
func (e *MpesaExecutor) expirePayment(ctx context.Context, req Request) {
	payments, err := e.deps.Store.ListPayments(ctx, store.PaymentFilter{RunID: req.RunID})
	if err != nil {
		e.deps.log().Error("list payments for expiry",
			slog.String("run_id", req.RunID), slog.String("error", err.Error()))
		return
	}
	for _, p := range payments {
		if p.NodeID != req.Node.ID || p.Status != store.PaymentInitiated {
			continue
		}
		if err := e.deps.Store.UpdatePayment(ctx, p.ID, store.PaymentUpdate{
			Status:     store.PaymentExpired,
			ResultDesc: "no provider callback within the confirmation window",
		}); err != nil {
			e.deps.log().Error("expire payment",
				slog.String("payment_id", p.ID), slog.String("error", err.Error()))
			continue
		}
		payload, _ := json.Marshal(map[string]any{
			"paymentId": p.ID,
			"reason":    "confirmation window elapsed",
		})
		if err := e.deps.Store.AppendEvent(ctx, &store.Event{
			RunID:   req.RunID,
			NodeID:  req.Node.ID,
			Type:    schema.EventPaymentExpired,
			Payload: payload,
		}); err != nil {
			e.deps.log().Error("emit payment expiry event",
				slog.String("payment_id", p.ID), slog.String("error", err.Error()))
		}
	}
}

// payment captures what recordIssued persists after a money movement.
type payment struct {
	provider      string
	direction     string
	kind          string
	phone         string
	amount        string
	reference     string
	correlationID string
	window        time.Duration // callback window, stamps the pending expiry
}

// confirmationWindow returns the node's effective callback window. The same
// value bounds awaitConfirmation and stamps the pending request's expiry, so
// the sweep can never close the window before the wait does.
func confirmationWindow(cfg *schema.MpesaConfig) time.Duration {
	if cfg.ConfirmationTimeout != "" {
		if d, err := time.ParseDuration(cfg.ConfirmationTimeout); err == nil && d > 0 {
			return d
		}
	}
	return defaultConfirmationTimeout
}

// recordIssued writes the payment row and the pending callback wait. Returns
// the pending request ID for confirmation polling.
func (e *MpesaExecutor) recordIssued(ctx context.Context, req Request, p payment) (string, error) {
	now := e.deps.now()
	if err := e.deps.Store.CreatePayment(ctx, &store.Payment{
		ID:        uuid.New().String(),
		RunID:     req.RunID,
		NodeID:    req.Node.ID,
		OwnerID:   req.OwnerID,
		Provider:  p.provider,
		Direction: p.direction,
		Phone:     p.phone,
		Amount:    p.amount,
		Reference: p.reference,
		Status:    store.PaymentInitiated,
		CreatedAt: now,
	}); err != nil {
		return "", err
	}

	window := p.window
	if window <= 0 {
		window = defaultConfirmationTimeout
	}

	pendingID := uuid.New().String()
	if err := e.deps.Store.CreatePendingRequest(ctx, &store.PendingExternalRequest{
		ID:            pendingID,
		CorrelationID: p.correlationID,
		Provider:      p.provider,
		Kind:          p.kind,
		OwnerID:       req.OwnerID,
		RunID:         req.RunID,
		NodeID:        req.Node.ID,
		Status:        schema.PendingRequestPending,
		ExpiresAt:     now.Add(window),
		CreatedAt:     now,
	}); err != nil {
		return "", err
	}
	return pendingID, nil
}

// postJSON posts a bearer-authenticated JSON payload and decodes the JSON
// response. The bool reports whether the HTTP status was 2xx.
func (e *MpesaExecutor) postJSON(ctx context.Context, url, token string, payload map[string]any) (map[string]any, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.deps.http().Do(httpReq)
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeProvider, "M-Pesa request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeProvider, "M-Pesa returned malformed body: %s", err.Error()).WithCause(err)
	}
	return result, resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// str renders a JSON value as a string, tolerating numeric result codes.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
