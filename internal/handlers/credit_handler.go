package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/storyboard-ai/backend/internal/httpx"
	"github.com/storyboard-ai/backend/internal/ledger"
	"github.com/storyboard-ai/backend/internal/middleware"
	"github.com/storyboard-ai/backend/internal/models"
)

// CreditHandler serves /api/credits endpoints.
type CreditHandler struct {
	Ledger   ledger.Service
	Validate *validator.Validate
}

func NewCreditHandler(svc ledger.Service) *CreditHandler {
	return &CreditHandler{
		Ledger:   svc,
		Validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// num renders a decimal as a JSON number with its exact digits.
func num(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// --- GET /api/credits/balance ---

type balanceResponse struct {
	TextCredits  json.Number `json:"text_credits"`
	ImageCredits json.Number `json:"image_credits"`
}

func (h *CreditHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.account(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		TextCredits:  num(acc.TextCredits),
		ImageCredits: num(acc.ImageCredits),
	})
}

// Together handles GET /api/credits/together. Same shape as Balance; kept for
// the web client that polls it after image generation.
func (h *CreditHandler) Together(w http.ResponseWriter, r *http.Request) {
	h.Balance(w, r)
}

// Perplexity handles GET /api/credits/perplexity.
func (h *CreditHandler) Perplexity(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.account(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.Number{"credits": num(acc.TextCredits)})
}

func (h *CreditHandler) account(w http.ResponseWriter, r *http.Request) (*models.UserCredits, bool) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, string(ledger.KindUnauthenticated), "unauthorized")
		return nil, false
	}
	acc, err := h.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		httpx.WriteLedgerError(w, err)
		return nil, false
	}
	return acc, true
}

// --- POST /api/credits/deduct/text ---

// deductTextRequest accepts both the snake_case fields and the camelCase
// names the web client sends.
type deductTextRequest struct {
	ModelID      string `json:"model_id"`
	Model        string `json:"model"`
	InputUnits   *int64 `json:"input_units"`
	OutputUnits  *int64 `json:"output_units"`
	InputTokens  *int64 `json:"inputTokens"`
	OutputTokens *int64 `json:"outputTokens"`
}

type textUsage struct {
	ModelID     string `validate:"required,max=128"`
	InputUnits  int64  `validate:"gte=0,max=1000000000000"`
	OutputUnits int64  `validate:"gte=0,max=1000000000000"`
}

func (req deductTextRequest) usage() textUsage {
	u := textUsage{ModelID: req.ModelID}
	if u.ModelID == "" {
		u.ModelID = req.Model
	}
	u.InputUnits = firstSet(req.InputUnits, req.InputTokens)
	u.OutputUnits = firstSet(req.OutputUnits, req.OutputTokens)
	return u
}

func firstSet(vals ...*int64) int64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

type textDetails struct {
	InputTokens  int64       `json:"inputTokens"`
	OutputTokens int64       `json:"outputTokens"`
	Model        string      `json:"model"`
	Rate         json.Number `json:"rate"`
}

type deductTextResponse struct {
	Deducted    json.Number `json:"deducted"`
	Remaining   json.Number `json:"remaining"`
	ModelID     string      `json:"model_id"`
	InputUnits  int64       `json:"input_units"`
	OutputUnits int64       `json:"output_units"`
	UnitCost    json.Number `json:"unit_cost"`
	Details     textDetails `json:"details"`
}

func (h *CreditHandler) DeductText(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, string(ledger.KindUnauthenticated), "unauthorized")
		return
	}
	var req deductTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, err)
		return
	}
	u := req.usage()
	if err := h.Validate.Struct(u); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, string(ledger.KindInvalidRequest), validationMessage(err))
		return
	}

	d, err := h.Ledger.DeductText(r.Context(), userID, u.ModelID, u.InputUnits, u.OutputUnits)
	if err != nil {
		httpx.WriteLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deductTextResponse{
		Deducted:    num(d.Deducted),
		Remaining:   num(d.Remaining),
		ModelID:     d.ModelID,
		InputUnits:  d.InputUnits,
		OutputUnits: d.OutputUnits,
		UnitCost:    num(d.UnitCost),
		Details: textDetails{
			InputTokens:  d.InputUnits,
			OutputTokens: d.OutputUnits,
			Model:        d.ModelID,
			Rate:         num(d.UnitCost),
		},
	})
}

// --- POST /api/credits/deduct/image ---

type deductImageRequest struct {
	Count *int64 `json:"count" validate:"omitnil,gte=1"`
}

type imageDetails struct {
	Count int64       `json:"count"`
	Rate  json.Number `json:"rate"`
	Model string      `json:"model"`
}

type deductImageResponse struct {
	Deducted  json.Number  `json:"deducted"`
	Remaining json.Number  `json:"remaining"`
	Count     int64        `json:"count"`
	UnitCost  json.Number  `json:"unit_cost"`
	Details   imageDetails `json:"details"`
}

func (h *CreditHandler) DeductImage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, string(ledger.KindUnauthenticated), "unauthorized")
		return
	}
	var req deductImageRequest
	// An empty body means one image.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, string(ledger.KindInvalidRequest), validationMessage(err))
		return
	}
	count := int64(1)
	if req.Count != nil {
		count = *req.Count
	}

	d, err := h.Ledger.DeductImage(r.Context(), userID, count)
	if err != nil {
		httpx.WriteLedgerError(w, err)
		return
	}
	display := h.Ledger.Pricing().ImageEntry().DisplayName
	if display == "" {
		display = d.ModelID
	}
	writeJSON(w, http.StatusOK, deductImageResponse{
		Deducted:  num(d.Deducted),
		Remaining: num(d.Remaining),
		Count:     d.Count,
		UnitCost:  num(d.UnitCost),
		Details:   imageDetails{Count: d.Count, Rate: num(d.UnitCost), Model: display},
	})
}

// --- GET /api/credits/pricing ---

type pricingEntry struct {
	Kind        models.ResourceKind `json:"kind"`
	ModelID     string              `json:"model_id"`
	DisplayName string              `json:"display_name,omitempty"`
	UnitCost    json.Number         `json:"unit_cost"`
}

// Pricing lists the pricing table. It needs no authentication.
func (h *CreditHandler) Pricing(w http.ResponseWriter, _ *http.Request) {
	entries := h.Ledger.Pricing().Entries()
	out := make([]pricingEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, pricingEntry{Kind: e.Kind, ModelID: e.ModelID, DisplayName: e.DisplayName, UnitCost: num(e.UnitCost)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// --- GET /api/credits/history ---

type historyEntry struct {
	ID           string              `json:"id"`
	Kind         models.ResourceKind `json:"kind"`
	ModelID      string              `json:"model_id"`
	Units        int64               `json:"units"`
	UnitCost     json.Number         `json:"unit_cost"`
	Amount       json.Number         `json:"amount"`
	BalanceAfter json.Number         `json:"balance_after"`
	CreatedAt    time.Time           `json:"created_at"`
}

func (h *CreditHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, string(ledger.KindUnauthenticated), "unauthorized")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpx.WriteError(w, http.StatusBadRequest, string(ledger.KindInvalidRequest), "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := h.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		httpx.WriteLedgerError(w, err)
		return
	}
	out := make([]historyEntry, 0, len(list))
	for _, e := range list {
		out = append(out, historyEntry{
			ID:           e.ID.String(),
			Kind:         e.Kind,
			ModelID:      e.ModelID,
			Units:        e.Units,
			UnitCost:     num(e.UnitCost),
			Amount:       num(e.Amount),
			BalanceAfter: num(e.BalanceAfter),
			CreatedAt:    e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// writeDecodeError reports a body that could not be decoded. A body cut off
// by http.MaxBytesReader is 413 whether or not Content-Length was declared.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httpx.WriteError(w, http.StatusRequestEntityTooLarge, string(ledger.KindInvalidRequest), "request body too large")
		return
	}
	httpx.WriteError(w, http.StatusBadRequest, string(ledger.KindInvalidRequest), "invalid JSON body")
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	httpx.WriteJSON(w, status, v)
}
