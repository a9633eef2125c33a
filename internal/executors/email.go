package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/floehq/floe/pkg/schema"
)

const resendAPIURL = "https://api.resend.com"

// EmailExecutor runs email nodes through the Resend API.
type EmailExecutor struct {
	deps Deps

	// BaseURL overrides the Resend endpoint; tests point it at a fake.
	BaseURL string
}

// NewEmailExecutor creates the email executor.
func NewEmailExecutor(deps Deps) *EmailExecutor {
	return &EmailExecutor{deps: deps}
}

func (e *EmailExecutor) Kind() schema.NodeKind { return schema.NodeKindEmail }

func (e *EmailExecutor) Execute(ctx context.Context, req Request) (schema.NodeOutput, error) {
	cfg, err := decodeConfig[schema.EmailConfig](req.Node)
	if err != nil {
		return schema.NodeOutput{}, err
	}

	apiKey, err := e.resolveAPIKey(ctx, cfg, req)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if apiKey == "" {
		return skipOrFail(req.Mode, "No email credential configured",
			schema.NewError(schema.ErrCodeConfiguration, "email node has no credential selected").WithNode(req.Node.ID))
	}

	to, err := req.Resolve(cfg.To)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	subject, err := req.Resolve(cfg.Subject)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	body, err := req.Resolve(cfg.Body)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if to == "" || subject == "" || body == "" {
		return skipOrFail(req.Mode, "to, subject or body not configured",
			schema.NewError(schema.ErrCodeConfiguration, "email requires to, subject and body").WithNode(req.Node.ID))
	}

	fromName := cfg.FromName
	if fromName == "" {
		fromName = "Floe"
	}

	recipients := splitAddresses(to)
	payload := map[string]any{
		"from":    fromName + " <noreply@notifications.floe.dev>",
		"to":      recipients,
		"subject": subject,
	}
	if cfg.IsHTML {
		payload["html"] = body
	} else {
		payload["text"] = body
	}
	if cfg.ReplyTo != "" {
		replyTo, rerr := req.Resolve(cfg.ReplyTo)
		if rerr != nil {
			return schema.NodeOutput{}, rerr
		}
		if replyTo != "" {
			payload["reply_to"] = replyTo
		}
	}

	base := resendAPIURL
	if e.BaseURL != "" {
		base = e.BaseURL
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/emails", bytes.NewReader(raw))
	if err != nil {
		return schema.NodeOutput{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.deps.http().Do(httpReq)
	if err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"email request failed: %s", err.Error()).WithNode(req.Node.ID).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		rawBody, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(rawBody, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = string(rawBody)
		}
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"email send failed: %s", msg).WithNode(req.Node.ID)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"email API returned malformed body: %s", err.Error()).WithCause(err)
	}

	return schema.NodeOutput{
		Success: true,
		Fields: map[string]any{
			"emailId": result.ID,
			"to":      to,
			"subject": subject,
			"sentAt":  e.deps.now().Format("2006-01-02T15:04:05Z07:00"),
		},
	}, nil
}

// resolveAPIKey picks the Resend key for this send: the node's own credential
// when one is selected, otherwise the deployment-wide default key. An empty
// result means no key is available anywhere.
func (e *EmailExecutor) resolveAPIKey(ctx context.Context, cfg *schema.EmailConfig, req Request) (string, error) {
	if cfg.CredentialID == "" {
		return e.deps.DefaultEmailKey, nil
	}
	cred, err := e.deps.Vault.Resolve(ctx, cfg.CredentialID, req.OwnerID)
	if err != nil {
		return "", err
	}
	if cred.Platform != "email" {
		return "", schema.NewErrorf(schema.ErrCodeConfiguration,
			"credential is not an email credential (got %s)", cred.Platform).WithNode(req.Node.ID)
	}
	apiKey := cred.Key("apiKey")
	if apiKey == "" {
		return "", schema.NewError(schema.ErrCodeConfiguration,
			"email credential is missing apiKey").WithNode(req.Node.ID)
	}
	return apiKey, nil
}

func splitAddresses(to string) []string {
	parts := strings.Split(to, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
