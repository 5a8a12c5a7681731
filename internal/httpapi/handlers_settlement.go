package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/settlement"
)

type modeRequest struct {
	Mode settlement.Mode `json:"mode"`
}

type paymentRequest struct {
	AmountCents int64  `json:"amount_cents"`
	PayerName   string `json:"payer_name"`
	Method      string `json:"method"`
}

// splitPeopleRequest keeps the raw number so 2.5 is rejected instead of
// truncated.
type splitPeopleRequest struct {
	People json.Number `json:"people"`
}

type unitsRequest struct {
	UnitIDs   []string `json:"unit_ids"`
	PayerName string   `json:"payer_name"`
	Method    string   `json:"method"`
}

type closeRequest struct {
	CashBoxCode string `json:"cash_box_code"`
	Method      string `json:"method"`
}

type keepOpenRequest struct {
	Payment *paymentRequest `json:"payment"`
}

func accountID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "accountID"))
}

func (a *API) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.engine.View(r.Context(), accountID(r))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no settlement open for this account"))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleForgetSettlement(w http.ResponseWriter, r *http.Request) {
	a.engine.Forget(r.Context(), accountID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOpenSettlement(w http.ResponseWriter, r *http.Request) {
	a.respondSession(w, r)(a.engine.Open(r.Context(), accountID(r)))
}

func (a *API) handleRefreshSettlement(w http.ResponseWriter, r *http.Request) {
	a.respondSession(w, r)(a.engine.Refresh(r.Context(), accountID(r)))
}

func (a *API) handleChooseMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.respondSession(w, r)(a.engine.ChooseMode(r.Context(), accountID(r), req.Mode))
}

func (a *API) handlePayFull(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.respondSession(w, r)(a.engine.PayFull(r.Context(), accountID(r), req.AmountCents, req.PayerName, req.Method))
}

func (a *API) handleSetSplitPeople(w http.ResponseWriter, r *http.Request) {
	var req splitPeopleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	people, err := parsePeople(req.People)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respondSession(w, r)(a.engine.SetSplitPeople(r.Context(), accountID(r), people))
}

func (a *API) handlePaySplitShare(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.respondSession(w, r)(a.engine.PaySplitShare(r.Context(), accountID(r), req.AmountCents, req.PayerName, req.Method))
}

func (a *API) handleSelectUnits(w http.ResponseWriter, r *http.Request) {
	var req unitsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.respondSession(w, r)(a.engine.SelectUnits(accountID(r), req.UnitIDs))
}

func (a *API) handleDeselectUnits(w http.ResponseWriter, r *http.Request) {
	var req unitsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.respondSession(w, r)(a.engine.DeselectUnits(accountID(r), req.UnitIDs))
}

func (a *API) handlePayUnits(w http.ResponseWriter, r *http.Request) {
	var req unitsRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.respondSession(w, r)(a.engine.PayUnits(r.Context(), accountID(r), req.UnitIDs, req.PayerName, req.Method))
}

func (a *API) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	code := domain.NormalizeCashBoxCode(req.CashBoxCode)
	if code == "" {
		code = a.defaultCashBox
	}
	method := req.Method
	if method == "" {
		method = domain.PaymentMethodCash
	}

	order, err := a.engine.CloseAccount(r.Context(), accountID(r), code, method)
	if err != nil {
		if errors.Is(err, settlement.ErrCloseFailed) {
			// the payment went through; the UI must offer a close retry
			status := apperr.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				status = http.StatusBadGateway
			}
			writeJSON(w, status, map[string]any{
				"error":        settlement.ErrCloseFailed.Error(),
				"retry_close":  true,
				"payment_made": true,
			})
			return
		}
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleKeepOpen(w http.ResponseWriter, r *http.Request) {
	var req keepOpenRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var final *domain.PaymentRequest
	if req.Payment != nil {
		final = &domain.PaymentRequest{
			AmountCents: req.Payment.AmountCents,
			PayerName:   req.Payment.PayerName,
			Method:      req.Payment.Method,
		}
	}
	a.respondSession(w, r)(a.engine.KeepOpen(r.Context(), accountID(r), final))
}

func (a *API) respondSession(w http.ResponseWriter, r *http.Request) func(settlement.Session, error) {
	return func(sess settlement.Session, err error) {
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func parsePeople(raw json.Number) (int, error) {
	const op = "httpapi.split_people"
	if raw == "" {
		return 0, apperr.Invalid(op, "people is required")
	}
	n, err := strconv.ParseInt(raw.String(), 10, 32)
	if err != nil {
		return 0, apperr.Invalid(op, "people must be a whole number, got %s", raw)
	}
	if n < 1 {
		return 0, apperr.Invalid(op, "people must be at least 1, got %d", n)
	}
	return int(n), nil
}
