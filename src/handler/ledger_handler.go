package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	logger "github.com/sirupsen/logrus"

	"tradingcore/src/model"
)

const maxPageSize = 500

type tradeFinder interface {
	FindByInstrument(ctx context.Context, instrument string, limit int) ([]model.ClosedTrade, error)
}

type signalLogFinder interface {
	FindLatest(ctx context.Context, limit int) ([]model.SignalLog, error)
}

// TradesHandler lists closed trades, newest first. Supports instrument and limit.
func TradesHandler(repo tradeFinder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}
		instrument := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("instrument")))

		trades, err := repo.FindByInstrument(r.Context(), instrument, limit)
		if err != nil {
			logger.WithError(err).Error("failed to list closed trades")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, trades)
	}
}

// SignalLogHandler lists the latest processed signals.
func SignalLogHandler(repo signalLogFinder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}
		entries, err := repo.FindLatest(r.Context(), limit)
		if err != nil {
			logger.WithError(err).Error("failed to list signal log")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return 0, false
		}
		limit = parsed
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}
