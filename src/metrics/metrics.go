package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradingcore/src/breaker"
	"tradingcore/src/model"
)

// Metrics owns a private registry. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	signals        *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	orderLatency   prometheus.Histogram
	recoveryTime   prometheus.Histogram
	recoveryResult *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec

	closedEquity  prometheus.Gauge
	equityHigh    prometheus.Gauge
	riskPercent   prometheus.Gauge
	volPercent    prometheus.Gauge
	marginPercent prometheus.Gauge
	openLegs      prometheus.Gauge
	unrealizedPnL prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingcore_signals_total",
			Help: "Signals processed by kind and outcome status",
		}, []string{"kind", "status"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingcore_signal_rejections_total",
			Help: "Rejected signals by pipeline stage",
		}, []string{"stage"}),
		orderLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradingcore_order_latency_seconds",
			Help:    "Broker order round trip",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradingcore_recovery_duration_seconds",
			Help:    "Crash recovery wall time",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		recoveryResult: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingcore_recovery_total",
			Help: "Recovery runs by result code",
		}, []string{"code"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradingcore_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"breaker"}),
		closedEquity: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradingcore_closed_equity",
			Help: "Closed equity",
		}),
		equityHigh: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradingcore_equity_high",
			Help: "Closed equity high-watermark",
		}),
		riskPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradingcore_portfolio_risk_percent",
			Help: "Open risk as percent of the selected equity",
		}),
		volPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradingcore_portfolio_vol_percent",
			Help: "Open volatility as percent of the selected equity",
		}),
		marginPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradingcore_margin_utilization_percent",
			Help: "Margin used as percent of the selected equity",
		}),
		openLegs: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradingcore_open_positions",
			Help: "Open position legs",
		}),
		unrealizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradingcore_unrealized_pnl",
			Help: "Total unrealized P&L",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSignal(kind model.SignalKind, status string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(string(kind), status).Inc()
}

func (m *Metrics) ObserveRejection(stage string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveOrder(d time.Duration) {
	if m == nil {
		return
	}
	m.orderLatency.Observe(d.Seconds())
}

// ObserveRecovery records a run; code is "OK" on success.
func (m *Metrics) ObserveRecovery(d time.Duration, code string) {
	if m == nil {
		return
	}
	m.recoveryTime.Observe(d.Seconds())
	m.recoveryResult.WithLabelValues(code).Inc()
}

func (m *Metrics) BreakerChanged(name string, to breaker.State) {
	if m == nil {
		return
	}
	v := 0.0
	switch to {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}

func (m *Metrics) ObservePortfolio(st model.PortfolioState) {
	if m == nil {
		return
	}
	m.closedEquity.Set(st.ClosedEquity)
	m.equityHigh.Set(st.EquityHigh)
	m.riskPercent.Set(st.TotalRiskPercent)
	m.volPercent.Set(st.TotalVolPercent)
	m.marginPercent.Set(st.MarginUtilization)
	m.openLegs.Set(float64(len(st.Positions)))
	m.unrealizedPnL.Set(st.TotalUnrealizedPnL)
}
