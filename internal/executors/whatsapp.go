package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/floehq/floe/pkg/schema"
)

const whatsappGraphURL = "https://graph.facebook.com/v20.0"

// WhatsAppExecutor runs whatsapp nodes via the Meta Cloud API: plain text
// messages and pre-approved template messages.
type WhatsAppExecutor struct {
	deps Deps

	// BaseURL overrides the Graph API endpoint; tests point it at a fake.
	BaseURL string
}

// NewWhatsAppExecutor creates the WhatsApp executor.
func NewWhatsAppExecutor(deps Deps) *WhatsAppExecutor {
	return &WhatsAppExecutor{deps: deps}
}

func (e *WhatsAppExecutor) Kind() schema.NodeKind { return schema.NodeKindWhatsApp }

func (e *WhatsAppExecutor) Execute(ctx context.Context, req Request) (schema.NodeOutput, error) {
	cfg, err := decodeConfig[schema.WhatsAppConfig](req.Node)
	if err != nil {
		return schema.NodeOutput{}, err
	}

	if cfg.CredentialID == "" {
		return skipOrFail(req.Mode, "No WhatsApp credential configured",
			schema.NewError(schema.ErrCodeConfiguration, "whatsapp node has no credential selected").WithNode(req.Node.ID))
	}

	cred, err := e.deps.Vault.Resolve(ctx, cfg.CredentialID, req.OwnerID)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if cred.Platform != "whatsapp" {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"credential is not a WhatsApp credential (got %s)", cred.Platform).WithNode(req.Node.ID)
	}

	accessToken := cred.Key("accessToken")
	phoneNumberID := cred.Key("phoneNumberId")
	if accessToken == "" || phoneNumberID == "" {
		return schema.NodeOutput{}, schema.NewError(schema.ErrCodeConfiguration,
			"WhatsApp credential is missing accessToken or phoneNumberId").WithNode(req.Node.ID)
	}

	to, err := req.Resolve(cfg.To)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if to == "" {
		return skipOrFail(req.Mode, "recipient not configured",
			schema.NewError(schema.ErrCodeConfiguration, "WhatsApp message requires a recipient").WithNode(req.Node.ID))
	}
	recipient := digitsOnly(to)

	messageType := cfg.MessageType
	if messageType == "" {
		messageType = "text"
	}

	var payload map[string]any
	templateName := ""
	switch messageType {
	case "text":
		message, rerr := req.Resolve(cfg.Message)
		if rerr != nil {
			return schema.NodeOutput{}, rerr
		}
		if message == "" {
			return skipOrFail(req.Mode, "message body not configured",
				schema.NewError(schema.ErrCodeConfiguration, "WhatsApp text message requires a body").WithNode(req.Node.ID))
		}
		payload = map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                recipient,
			"type":              "text",
			"text": map[string]any{
				"preview_url": false,
				"body":        message,
			},
		}
	case "template":
		templateName, err = req.Resolve(cfg.TemplateName)
		if err != nil {
			return schema.NodeOutput{}, err
		}
		if templateName == "" {
			return skipOrFail(req.Mode, "template name not configured",
				schema.NewError(schema.ErrCodeConfiguration, "WhatsApp template message requires templateName").WithNode(req.Node.ID))
		}
		components, cerr := e.templateComponents(req, cfg)
		if cerr != nil {
			return schema.NodeOutput{}, cerr
		}
		language := cfg.TemplateLanguage
		if language == "" {
			language = "en"
		}
		payload = map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                recipient,
			"type":              "template",
			"template": map[string]any{
				"name":       templateName,
				"language":   map[string]any{"code": language},
				"components": components,
			},
		}
	default:
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported WhatsApp message type: %s", messageType).WithNode(req.Node.ID)
	}

	base := whatsappGraphURL
	if e.BaseURL != "" {
		base = e.BaseURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/"+phoneNumberID+"/messages", bytes.NewReader(body))
	if err != nil {
		return schema.NodeOutput{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.deps.http().Do(httpReq)
	if err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"WhatsApp request failed: %s", err.Error()).WithNode(req.Node.ID).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = string(raw)
		}
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"WhatsApp API error: %s", msg).WithNode(req.Node.ID)
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Contacts []struct {
			WaID string `json:"wa_id"`
		} `json:"contacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"WhatsApp returned malformed body: %s", err.Error()).WithCause(err)
	}

	fields := map[string]any{"to": recipient}
	if len(result.Messages) > 0 {
		fields["messageId"] = result.Messages[0].ID
	}
	if len(result.Contacts) > 0 {
		fields["waId"] = result.Contacts[0].WaID
	}
	if templateName != "" {
		fields["templateName"] = templateName
	}
	return schema.NodeOutput{Success: true, Fields: fields}, nil
}

// templateComponents builds the template component list. A JSON array of
// strings becomes the body parameters; any other JSON passes through as
// raw components.
func (e *WhatsAppExecutor) templateComponents(req Request, cfg *schema.WhatsAppConfig) ([]any, error) {
	if cfg.TemplateParams == "" {
		return []any{}, nil
	}
	raw, err := req.Resolve(cfg.TemplateParams)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return []any{}, nil
	}

	var params []string
	if err := json.Unmarshal([]byte(raw), &params); err == nil {
		textParams := make([]any, 0, len(params))
		for _, p := range params {
			textParams = append(textParams, map[string]any{"type": "text", "text": p})
		}
		return []any{map[string]any{"type": "body", "parameters": textParams}}, nil
	}

	var components []any
	if err := json.Unmarshal([]byte(raw), &components); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"templateParams is not valid JSON: %s", err.Error()).WithNode(req.Node.ID)
	}
	return components, nil
}
