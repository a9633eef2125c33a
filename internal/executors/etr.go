package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/floehq/floe/pkg/schema"
)

// Kenyan VAT rate applied when the taxable breakdown is not supplied.
const vatRate = 16.0

// EtrExecutor runs etr nodes: fiscal receipt issuance against a KRA-compliant
// electronic tax register gateway.
type EtrExecutor struct {
	deps Deps
}

// NewEtrExecutor creates the ETR executor.
func NewEtrExecutor(deps Deps) *EtrExecutor {
	return &EtrExecutor{deps: deps}
}

func (e *EtrExecutor) Kind() schema.NodeKind { return schema.NodeKindEtr }

func (e *EtrExecutor) Execute(ctx context.Context, req Request) (schema.NodeOutput, error) {
	cfg, err := decodeConfig[schema.EtrConfig](req.Node)
	if err != nil {
		return schema.NodeOutput{}, err
	}

	if cfg.CredentialID == "" {
		return skipOrFail(req.Mode, "No ETR credential configured",
			schema.NewError(schema.ErrCodeConfiguration, "etr node has no credential selected").WithNode(req.Node.ID))
	}

	cred, err := e.deps.Vault.Resolve(ctx, cfg.CredentialID, req.OwnerID)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if cred.Platform != "etr" {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"credential is not an ETR credential (got %s)", cred.Platform).WithNode(req.Node.ID)
	}

	apiKey := cred.Key("apiKey")
	tillNumber := cred.Key("tillNumber")
	deviceSerial := cred.Key("deviceSerial")
	apiURL := cred.Key("apiUrl")
	if apiKey == "" || tillNumber == "" || deviceSerial == "" || apiURL == "" {
		return schema.NodeOutput{}, schema.NewError(schema.ErrCodeConfiguration,
			"ETR credential requires apiKey, tillNumber, deviceSerial and apiUrl").WithNode(req.Node.ID)
	}

	totalStr, err := req.Resolve(cfg.TotalAmount)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if totalStr == "" {
		return skipOrFail(req.Mode, "totalAmount not configured",
			schema.NewError(schema.ErrCodeConfiguration, "ETR receipt requires totalAmount").WithNode(req.Node.ID))
	}
	total, err := strconv.ParseFloat(totalStr, 64)
	if err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"ETR totalAmount %q is not numeric", totalStr).WithNode(req.Node.ID)
	}

	invoiceNumber, err := req.Resolve(cfg.InvoiceNumber)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	if invoiceNumber == "" {
		invoiceNumber = fmt.Sprintf("INV-%d", e.deps.now().UnixMilli())
	}

	taxable := total / (1 + vatRate/100)
	if cfg.TaxableAmount != "" {
		s, rerr := req.Resolve(cfg.TaxableAmount)
		if rerr != nil {
			return schema.NodeOutput{}, rerr
		}
		if v, perr := strconv.ParseFloat(s, 64); perr == nil {
			taxable = v
		}
	}
	vat := total - taxable
	if cfg.VatAmount != "" {
		s, rerr := req.Resolve(cfg.VatAmount)
		if rerr != nil {
			return schema.NodeOutput{}, rerr
		}
		if v, perr := strconv.ParseFloat(s, 64); perr == nil {
			vat = v
		}
	}

	payload := map[string]any{
		"tillNumber":    tillNumber,
		"invoiceNumber": invoiceNumber,
		"totalAmount":   total,
		"taxableAmount": taxable,
		"vatAmount":     vat,
		"vatRate":       vatRate,
		"currency":      "KES",
		"items":         e.items(req, cfg, total, vat),
	}

	if cfg.BuyerPin != "" {
		buyerPin, rerr := req.Resolve(cfg.BuyerPin)
		if rerr != nil {
			return schema.NodeOutput{}, rerr
		}
		if buyerPin != "" {
			buyerName, _ := req.Resolve(cfg.BuyerName)
			buyerPhone, _ := req.Resolve(cfg.BuyerPhone)
			payload["buyerDetails"] = map[string]any{
				"pin":   buyerPin,
				"name":  buyerName,
				"phone": buyerPhone,
			}
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return schema.NodeOutput{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/etr/receipt", bytes.NewReader(raw))
	if err != nil {
		return schema.NodeOutput{}, err
	}
	httpReq.Header.Set("X-API-Key", apiKey)
	httpReq.Header.Set("X-Device-Serial", deviceSerial)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.deps.http().Do(httpReq)
	if err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"ETR request failed: %s", err.Error()).WithNode(req.Node.ID).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(resp.Body)
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"ETR gateway error (%d): %s", resp.StatusCode, string(rawBody)).WithNode(req.Node.ID)
	}

	var result struct {
		Success         bool   `json:"success"`
		ReceiptNumber   string `json:"receiptNumber"`
		QRCodeURL       string `json:"qrCodeUrl"`
		VerificationURL string `json:"verificationUrl"`
		IssuedAt        string `json:"issuedAt"`
		Message         string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"ETR gateway returned malformed body: %s", err.Error()).WithCause(err)
	}
	if !result.Success {
		return schema.NodeOutput{}, schema.NewErrorf(schema.ErrCodeProvider,
			"ETR receipt rejected: %s", result.Message).WithNode(req.Node.ID)
	}

	return schema.NodeOutput{
		Success: true,
		Fields: map[string]any{
			"receiptNumber":   result.ReceiptNumber,
			"qrCodeUrl":       result.QRCodeURL,
			"verificationUrl": result.VerificationURL,
			"issuedAt":        result.IssuedAt,
			"invoiceNumber":   invoiceNumber,
			"totalAmount":     total,
			"vatAmount":       vat,
		},
	}, nil
}

// items parses the configured line items, falling back to a single Services
// line covering the full amount.
func (e *EtrExecutor) items(req Request, cfg *schema.EtrConfig, total, vat float64) []map[string]any {
	if cfg.ItemsJSON != "" {
		raw, err := req.Resolve(cfg.ItemsJSON)
		if err == nil && raw != "" {
			var items []map[string]any
			if json.Unmarshal([]byte(raw), &items) == nil && len(items) > 0 {
				return items
			}
		}
	}
	return []map[string]any{{
		"description": "Services",
		"quantity":    1,
		"unitPrice":   total,
		"vatAmount":   vat,
	}}
}
