package executors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/pkg/schema"
)

const (
	atLiveURL    = "https://api.africastalking.com"
	atSandboxURL = "https://api.sandbox.africastalking.com"

	// Delivery status code for a successfully queued SMS recipient.
	atStatusSent = 101

	// How long a delivery report stays correlatable before expiring.
	smsDeliveryWindow = time.Hour
)

// AfricasTalkingExecutor runs africastalking nodes: bulk SMS and airtime
// top-ups through the Africa's Talking REST API.
type AfricasTalkingExecutor struct {
	deps Deps

	// BaseURL overrides the API endpoint; tests point it at a fake.
	BaseURL string
}

// NewAfricasTalkingExecutor creates the Africa's Talking executor.
func NewAfricasTalkingExecutor(deps Deps) *AfricasTalkingExecutor {
	return &AfricasTalkingExecutor{deps: deps}
}

func (e *AfricasTalkingExecutor) Kind() schema.NodeKind { return schema.NodeKindAfricasTalking }

func (e *AfricasTalkingExecutor) Execute(ctx context.Context, req Request) (schema.NodeOutput, error) {
	cfg, err := decodeConfig[schema.AfricasTalkingConfig](req.Node)
	if err != nil {
		return schema.NodeOutput{}, err
	}

	if cfg.CredentialID == "" {
		return skipOrFail(req.Mode, "No Africa's Talking credential configured",
			schema.NewError(schema.ErrCodeConfiguration, "africastalking node has no credential selected").WithNode(req.Node.ID))
	}

	cred, err := e.deps.Vault.Resolve(ctx, cfg.CredentialID, req.OwnerID)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if cred.Platform != "africastalking" {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"credential is not an Africa's Talking credential (got %s)", cred.Platform).WithNode(req.Node.ID)
	}

	apiKey := cred.Key("apiKey")
	username := cred.Key("username")
	if apiKey == "" || username == "" {
		return schema.NodeOutput{}, schema.NewError(schema.ErrCodeConfiguration,
			"Africa's Talking credential is missing apiKey or username").WithNode(req.Node.ID)
	}

	base := e.baseURL(username)

	operation := cfg.Operation
	if operation == "" {
		operation = "send_sms"
	}

	switch operation {
	case "send_sms":
		return e.sendSMS(ctx, req, cfg, base, apiKey, username)
	case "send_airtime":
		return e.sendAirtime(ctx, req, cfg, base, apiKey, username)
	default:
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported Africa's Talking operation: %s", operation).WithNode(req.Node.ID)
	}
}

func (e *AfricasTalkingExecutor) baseURL(username string) string {
	if e.BaseURL != "" {
		return e.BaseURL
	}
	if strings.EqualFold(username, "sandbox") {
		return atSandboxURL
	}
	return atLiveURL
}

func (e *AfricasTalkingExecutor) sendSMS(ctx context.Context, req Request, cfg *schema.AfricasTalkingConfig, base, apiKey, username string) (schema.NodeOutput, error) {
	to, err := req.Resolve(cfg.To)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	message, err := req.Resolve(cfg.Message)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if to == "" || message == "" {
		return skipOrFail(req.Mode, "recipient or message not configured",
			schema.NewError(schema.ErrCodeConfiguration, "SMS requires to and message").WithNode(req.Node.ID))
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("to", to)
	form.Set("message", message)
	if cfg.From != "" {
		form.Set("from", cfg.From)
	}

	var result struct {
		SMSMessageData struct {
			Message    string `json:"Message"`
			Recipients []struct {
				Number     string `json:"number"`
				Status     string `json:"status"`
				StatusCode int    `json:"statusCode"`
				MessageID  string `json:"messageId"`
				Cost       string `json:"cost"`
			} `json:"Recipients"`
		} `json:"SMSMessageData"`
	}
	if err := e.postForm(ctx, base+"/version1/messaging", apiKey, form, &result); err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"Africa's Talking SMS failed: %s", err.Error()).WithNode(req.Node.ID).WithCause(err)
	}

	recipients := result.SMSMessageData.Recipients
	if len(recipients) == 0 {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"Africa's Talking rejected the message: %s", result.SMSMessageData.Message).WithNode(req.Node.ID)
	}

	sent := 0
	recipientFields := make([]map[string]any, 0, len(recipients))
	for _, r := range recipients {
		if r.StatusCode == atStatusSent {
			sent++
		}
		recipientFields = append(recipientFields, map[string]any{
			"number":     r.Number,
			"status":     r.Status,
			"statusCode": r.StatusCode,
			"messageId":  r.MessageID,
			"cost":       r.Cost,
		})
	}
	if sent != len(recipients) {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"SMS delivery failed for %d of %d recipients", len(recipients)-sent, len(recipients)).
			WithNode(req.Node.ID).WithDetails(map[string]any{"recipients": recipientFields})
	}

	// Track delivery reports per recipient. Best effort: the SMS is already
	// out, so a bookkeeping failure must not fail the node.
	now := e.deps.now()
	for _, r := range recipients {
		if r.MessageID == "" {
			continue
		}
		if err := e.deps.Store.CreatePendingRequest(ctx, &store.PendingExternalRequest{
			ID:            uuid.New().String(),
			CorrelationID: r.MessageID,
			Provider:      "africastalking",
			Kind:          "sms_delivery",
			OwnerID:       req.OwnerID,
			RunID:         req.RunID,
			NodeID:        req.Node.ID,
			Status:        schema.PendingRequestPending,
			ExpiresAt:     now.Add(smsDeliveryWindow),
			CreatedAt:     now,
		}); err != nil {
			e.deps.log().Warn("record sms delivery tracking",
				"message_id", r.MessageID, "error", err)
		}
	}

	return schema.NodeOutput{
		Success: true,
		Fields: map[string]any{
			"message":         result.SMSMessageData.Message,
			"recipients":      recipientFields,
			"sentCount":       sent,
			"totalRecipients": len(recipients),
		},
	}, nil
}

func (e *AfricasTalkingExecutor) sendAirtime(ctx context.Context, req Request, cfg *schema.AfricasTalkingConfig, base, apiKey, username string) (schema.NodeOutput, error) {
	to, err := req.Resolve(cfg.To)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	amount, err := req.Resolve(cfg.AirtimeAmount)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if to == "" || amount == "" {
		return skipOrFail(req.Mode, "recipient or amount not configured",
			schema.NewError(schema.ErrCodeConfiguration, "airtime requires to and airtimeAmount").WithNode(req.Node.ID))
	}

	currency := cfg.CurrencyCode
	if currency == "" {
		currency = "KES"
	}
	if _, err := strconv.ParseFloat(amount, 64); err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"airtime amount %q is not numeric", amount).WithNode(req.Node.ID)
	}

	recipients, err := json.Marshal([]map[string]string{{
		"phoneNumber": "+" + normalizePhone(to),
		"amount":      currency + " " + amount,
	}})
	if err != nil {
		return schema.NodeOutput{}, err
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("recipients", string(recipients))

	var result struct {
		ErrorMessage  string `json:"errorMessage"`
		NumSent       int    `json:"numSent"`
		TotalAmount   string `json:"totalAmount"`
		TotalDiscount string `json:"totalDiscount"`
	}
	if err := e.postForm(ctx, base+"/version1/airtime/send", apiKey, form, &result); err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"Africa's Talking airtime failed: %s", err.Error()).WithNode(req.Node.ID).WithCause(err)
	}
	if result.ErrorMessage != "" && result.ErrorMessage != "None" {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"airtime send failed: %s", result.ErrorMessage).WithNode(req.Node.ID)
	}

	return schema.NodeOutput{
		Success: true,
		Fields: map[string]any{
			"numSent":       result.NumSent,
			"totalAmount":   result.TotalAmount,
			"totalDiscount": result.TotalDiscount,
			"to":            to,
			"amount":        amount,
		},
	}, nil
}

func (e *AfricasTalkingExecutor) postForm(ctx context.Context, endpoint, apiKey string, form url.Values, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("apiKey", apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.deps.http().Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}
