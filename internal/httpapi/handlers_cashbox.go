package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type cashBoxOpenRequest struct {
	InitialAmountCents int64 `json:"initial_amount_cents"`
}

type cashBoxCloseRequest struct {
	ClosingAmountCents int64  `json:"closing_amount_cents"`
	ManagerPIN         string `json:"manager_pin"`
}

type cashBoxDisableRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

func cashBoxCode(r *http.Request) string {
	return chi.URLParam(r, "code")
}

func (a *API) handleCashBoxStatus(w http.ResponseWriter, r *http.Request) {
	box, err := a.cashBoxes.Status(r.Context(), cashBoxCode(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, box)
}

func (a *API) handleCashBoxExpected(w http.ResponseWriter, r *http.Request) {
	expected, err := a.cashBoxes.Expected(r.Context(), cashBoxCode(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expected)
}

func (a *API) handleCashBoxOpen(w http.ResponseWriter, r *http.Request) {
	var req cashBoxOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	box, err := a.cashBoxes.Open(r.Context(), cashBoxCode(r), req.InitialAmountCents)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, box)
}

func (a *API) handleCashBoxClose(w http.ResponseWriter, r *http.Request) {
	var req cashBoxCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, req.ManagerPIN) {
		return
	}
	closing, err := a.cashBoxes.Close(r.Context(), cashBoxCode(r), req.ClosingAmountCents)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closing)
}

func (a *API) handleCashBoxDisable(w http.ResponseWriter, r *http.Request) {
	var req cashBoxDisableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, req.ManagerPIN) {
		return
	}
	box, err := a.cashBoxes.Disable(r.Context(), cashBoxCode(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, box)
}
