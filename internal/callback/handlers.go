package callback

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// Handler terminates provider webhook ingress. Every route returns the
// provider's expected success envelope regardless of what correlation did:
// a non-200 answer makes Safaricom and Africa's Talking retry aggressively,
// so parse failures and misses are logged and acknowledged anyway.
type Handler struct {
	correlator *Correlator
	logger     *slog.Logger
}

// NewHandler creates a Handler over the given correlator.
func NewHandler(c *Correlator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{correlator: c, logger: logger}
}

// Register mounts the callback routes. URLs are minted per owner at
// credential-configuration time, so the owner id rides in the path.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /callbacks/mpesa/{ownerID}", h.handleStkCallback)
	mux.HandleFunc("POST /callbacks/mpesa/{ownerID}/b2c-result", h.handleB2CResult)
	mux.HandleFunc("POST /callbacks/africastalking/{ownerID}/delivery", h.handleDeliveryReport)
}

// stkEnvelope is Safaricom's STK push result payload.
type stkEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []metaItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type metaItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

func (h *Handler) handleStkCallback(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("ownerID")

	var env stkEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.logger.Warn("unparseable M-Pesa callback", "owner_id", ownerID, "error", err)
		darajaAck(w)
		return
	}

	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		h.logger.Warn("M-Pesa callback missing CheckoutRequestID", "owner_id", ownerID)
		darajaAck(w)
		return
	}

	items := cb.CallbackMetadata.Item
	amount := metaValue(items, "Amount")
	receipt := metaValue(items, "MpesaReceiptNumber")
	phone := metaValue(items, "PhoneNumber")

	h.correlator.Apply(r.Context(), Confirmation{
		Provider:      "mpesa",
		CorrelationID: cb.CheckoutRequestID,
		OwnerID:       ownerID,
		Success:       cb.ResultCode == 0,
		ResultCode:    strconv.Itoa(cb.ResultCode),
		ResultDesc:    cb.ResultDesc,
		Amount:        amount,
		Phone:         phone,
		ProviderRef:   receipt,
		Raw: map[string]any{
			"merchantRequestId":  cb.MerchantRequestID,
			"checkoutRequestId":  cb.CheckoutRequestID,
			"resultCode":         strconv.Itoa(cb.ResultCode),
			"resultDesc":         cb.ResultDesc,
			"amount":             amount,
			"mpesaReceiptNumber": receipt,
			"phoneNumber":        phone,
			"transactionDate":    metaValue(items, "TransactionDate"),
		},
	})

	darajaAck(w)
}

// b2cEnvelope is Safaricom's B2C result payload.
type b2cEnvelope struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         struct {
			ResultParameter []struct {
				Key   string `json:"Key"`
				Value any    `json:"Value"`
			} `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

func (h *Handler) handleB2CResult(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("ownerID")

	var env b2cEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.logger.Warn("unparseable B2C result", "owner_id", ownerID, "error", err)
		darajaAck(w)
		return
	}

	res := env.Result
	if res.ConversationID == "" {
		h.logger.Warn("B2C result missing ConversationID", "owner_id", ownerID)
		darajaAck(w)
		return
	}

	var amount string
	for _, p := range res.ResultParameters.ResultParameter {
		if p.Key == "TransactionAmount" {
			amount = anyString(p.Value)
			break
		}
	}

	h.correlator.Apply(r.Context(), Confirmation{
		Provider:      "mpesa",
		CorrelationID: res.ConversationID,
		OwnerID:       ownerID,
		Success:       res.ResultCode == 0,
		ResultCode:    strconv.Itoa(res.ResultCode),
		ResultDesc:    res.ResultDesc,
		Amount:        amount,
		ProviderRef:   res.TransactionID,
		Raw: map[string]any{
			"conversationId":           res.ConversationID,
			"originatorConversationId": res.OriginatorConversationID,
			"transactionId":            res.TransactionID,
			"resultCode":               strconv.Itoa(res.ResultCode),
			"resultDesc":               res.ResultDesc,
			"amount":                   amount,
		},
	})

	darajaAck(w)
}

// handleDeliveryReport receives Africa's Talking SMS delivery reports, which
// arrive as form posts keyed by the messageId returned at send time.
func (h *Handler) handleDeliveryReport(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("ownerID")

	if err := r.ParseForm(); err != nil {
		h.logger.Warn("unparseable delivery report", "owner_id", ownerID, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	messageID := r.PostFormValue("id")
	status := r.PostFormValue("status")
	if messageID == "" {
		h.logger.Warn("delivery report missing message id", "owner_id", ownerID)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.correlator.Apply(r.Context(), Confirmation{
		Provider:      "africastalking",
		CorrelationID: messageID,
		OwnerID:       ownerID,
		Success:       status == "Success",
		ResultDesc:    status,
		Phone:         r.PostFormValue("phoneNumber"),
		Raw: map[string]any{
			"messageId":     messageID,
			"status":        status,
			"phoneNumber":   r.PostFormValue("phoneNumber"),
			"networkCode":   r.PostFormValue("networkCode"),
			"failureReason": r.PostFormValue("failureReason"),
		},
	})

	w.WriteHeader(http.StatusOK)
}

// darajaAck writes the acknowledgement Safaricom expects on every delivery.
func darajaAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"ResultCode":0,"ResultDesc":"Accepted"}`)
}

func metaValue(items []metaItem, name string) string {
	for _, it := range items {
		if it.Name == name {
			return anyString(it.Value)
		}
	}
	return ""
}

func anyString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
