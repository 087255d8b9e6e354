package handler

import (
	"net/http"
	"time"

	"tradingcore/src/model"
)

type stateSource interface {
	GetCurrentState(asOf time.Time) model.PortfolioState
}

type readiness interface {
	Ready() bool
}

// PortfolioHandler returns the current portfolio snapshot.
func PortfolioHandler(src stateSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.GetCurrentState(time.Now().UTC()))
	}
}

func HealthcheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// ReadinessHandler answers 503 until crash recovery has activated the instance.
func ReadinessHandler(r readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if r == nil || !r.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "recovering"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	}
}
