package httpapi

import (
	"errors"
	"net/http"
	"time"

	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/offline"
)

type connectivityRequest struct {
	Online bool `json:"online"`
}

func (a *API) handleSell(w http.ResponseWriter, r *http.Request) {
	var sale domain.SaleData
	if err := decodeJSON(r, &sale); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sale.CashBoxCode = domain.NormalizeCashBoxCode(sale.CashBoxCode)
	if sale.CashBoxCode == "" {
		sale.CashBoxCode = a.defaultCashBox
	}

	var (
		result offline.SellResult
		err    error
	)
	if a.monitor != nil {
		result, err = a.monitor.Sell(r.Context(), sale)
	} else {
		result, err = a.sales.Sell(r.Context(), sale)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Offline {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (a *API) handlePendingSales(w http.ResponseWriter, r *http.Request) {
	pending, err := a.sales.Pending(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": pending, "count": len(pending)})
}

func (a *API) handleDrain(w http.ResponseWriter, r *http.Request) {
	var (
		report offline.DrainReport
		err    error
	)
	if a.monitor != nil {
		report, err = a.monitor.DrainNow(r.Context())
	} else {
		report, err = a.sales.Drain(r.Context())
	}
	if errors.Is(err, offline.ErrReloginRequired) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleLastDrain(w http.ResponseWriter, r *http.Request) {
	if a.monitor == nil {
		writeError(w, http.StatusNotFound, errors.New("no drain has run"))
		return
	}
	report, ok := a.monitor.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no drain has run"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if a.connectivity == nil {
		writeError(w, http.StatusNotFound, errors.New("connectivity reports are disabled"))
		return
	}
	var req connectivityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	select {
	case a.connectivity <- domain.ConnectivityEvent{Online: req.Online, At: time.Now().UTC()}:
		w.WriteHeader(http.StatusAccepted)
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, r.Context().Err())
	}
}
