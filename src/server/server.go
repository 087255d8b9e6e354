package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logger "github.com/sirupsen/logrus"

	"tradingcore/src/handler"
	"tradingcore/src/model"
)

type StateSource interface {
	GetCurrentState(asOf time.Time) model.PortfolioState
}

type Readiness interface {
	Ready() bool
}

type TradeFinder interface {
	FindByInstrument(ctx context.Context, instrument string, limit int) ([]model.ClosedTrade, error)
}

type SignalLogFinder interface {
	FindLatest(ctx context.Context, limit int) ([]model.SignalLog, error)
}

// Deps are the read-only views the HTTP surface exposes. Trades, Signals and
// Metrics are optional.
type Deps struct {
	Portfolio StateSource
	Recovery  Readiness
	Trades    TradeFinder
	Signals   SignalLogFinder
	Metrics   http.Handler
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// === Global Middleware ===
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Public routes
	r.Get("/healthcheck", handler.HealthcheckHandler())
	r.Get("/readyz", handler.ReadinessHandler(d.Recovery))
	r.Get("/portfolio", handler.PortfolioHandler(d.Portfolio))

	if d.Trades != nil {
		r.Get("/trades", handler.TradesHandler(d.Trades))
	}
	if d.Signals != nil {
		r.Get("/signals", handler.SignalLogHandler(d.Signals))
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	return r
}

// Serve listens until ctx is done and then shuts down gracefully.
func Serve(ctx context.Context, port string, h http.Handler) error {
	addr := ":" + port
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return nil
}
