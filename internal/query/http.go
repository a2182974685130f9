package query

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"WindowLedger/internal/ledger"
	"WindowLedger/internal/observability"
	"WindowLedger/internal/vault"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FundingSink applies operator-initiated deposits and withdrawals. The
// engine satisfies it.
type FundingSink interface {
	Deposit(uid, refID string, amount decimal.Decimal) (ledger.Row, error)
	Withdraw(uid, refID string, amount decimal.Decimal) (ledger.Row, error)
}

// Handlers exposes the query service over HTTP/JSON. Admin funding
// endpoints route through the engine like every other vault mutation.
type Handlers struct {
	svc     *Service
	funding FundingSink
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewHandlers(svc *Service, funding FundingSink, metrics *observability.Metrics, logger zerolog.Logger) *Handlers {
	return &Handlers{svc: svc, funding: funding, metrics: metrics, log: logger}
}

// Register mounts all query routes on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/vaults/{uid}", h.instrument("get_vault", h.getVault))
	mux.HandleFunc("GET /v1/vaults/{uid}/balance-as-of", h.instrument("balance_as_of", h.balanceAsOf))
	mux.HandleFunc("GET /v1/vaults/{uid}/rows", h.instrument("get_rows", h.getRows))
	mux.HandleFunc("GET /v1/vaults/{uid}/windows", h.instrument("window_results", h.windowResults))
	mux.HandleFunc("GET /v1/integrity", h.instrument("verify_integrity", h.verifyIntegrity))
	mux.HandleFunc("POST /v1/admin/deposit", h.instrument("admin_deposit", h.adminDeposit))
	mux.HandleFunc("POST /v1/admin/withdraw", h.instrument("admin_withdraw", h.adminWithdraw))
}

func (h *Handlers) getVault(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	if uid == "" {
		httpError(w, http.StatusBadRequest, "missing uid")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.GetVault(uid))
}

func (h *Handlers) balanceAsOf(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	seq, err := strconv.ParseInt(r.URL.Query().Get("sequence"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid sequence")
		return
	}

	resp, err := h.svc.BalanceAsOf(uid, seq)
	if err != nil {
		var nf *ledger.NotFoundError
		if errors.As(err, &nf) {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) getRows(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.svc.GetRows(uid, from, limit))
}

func (h *Handlers) windowResults(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := h.svc.WindowResults(r.Context(), uid, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report := h.svc.VerifyIntegrity()
	if h.metrics != nil {
		outcome := "ok"
		if !report.IsHealthy {
			outcome = "violation"
		}
		h.metrics.ChainVerifications.WithLabelValues(outcome).Inc()
	}

	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

type fundingRequest struct {
	UID    string `json:"uid"`
	RefID  string `json:"ref_id"`
	Amount string `json:"amount"`
}

func (h *Handlers) adminDeposit(w http.ResponseWriter, r *http.Request) {
	h.applyFunding(w, r, false)
}

func (h *Handlers) adminWithdraw(w http.ResponseWriter, r *http.Request) {
	h.applyFunding(w, r, true)
}

func (h *Handlers) applyFunding(w http.ResponseWriter, r *http.Request, withdraw bool) {
	if h.funding == nil {
		httpError(w, http.StatusServiceUnavailable, "funding not configured")
		return
	}

	var req fundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.UID == "" || req.RefID == "" {
		httpError(w, http.StatusBadRequest, "uid and ref_id are required")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		httpError(w, http.StatusBadRequest, "amount must be a positive decimal")
		return
	}

	var row ledger.Row
	if withdraw {
		row, err = h.funding.Withdraw(req.UID, req.RefID, amount)
	} else {
		row, err = h.funding.Deposit(req.UID, req.RefID, amount)
	}
	if err != nil {
		if errors.Is(err, vault.ErrInsufficientFunds) {
			httpError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.log.Error().Str("uid", req.UID).Err(err).Msg("admin funding failed")
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uid":           row.UID,
		"sequence":      row.Sequence,
		"action":        row.Action.String(),
		"amount":        row.Amount.String(),
		"balance_after": row.BalanceAfter.String(),
	})
}

func (h *Handlers) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if h.metrics != nil {
			h.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			h.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
