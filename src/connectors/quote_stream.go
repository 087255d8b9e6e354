package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type subscribeMsg struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

type cachedQuote struct {
	ltp float64
	at  time.Time
}

// QuoteStream keeps the last streamed price of each subscribed instrument.
type QuoteStream struct {
	url         string
	instruments []string
	logger      *logrus.Entry
	now         func() time.Time

	mu     sync.RWMutex
	quotes map[string]cachedQuote
}

func NewQuoteStream(wsURL string, instruments []string, logger *logrus.Entry) *QuoteStream {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &QuoteStream{
		url:         wsURL,
		instruments: instruments,
		logger:      logger.WithField("component", "quote_stream"),
		now:         time.Now,
		quotes:      make(map[string]cachedQuote),
	}
}

// Latest returns the cached price and when it was received.
func (s *QuoteStream) Latest(instrument string) (float64, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[instrument]
	return q.ltp, q.at, ok
}

// Run keeps a subscription open until ctx is done, reconnecting with a
// capped exponential backoff.
func (s *QuoteStream) Run(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("quote stream disconnected")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *QuoteStream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout:  15 * time.Second,
		EnableCompression: true,
		Proxy:             http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Instruments: s.instruments}); err != nil {
		return fmt.Errorf("ws subscribe failed: %w", err)
	}
	s.logger.WithField("instruments", s.instruments).Info("quote stream subscribed")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read failed: %w", err)
		}
		var q Quote
		if err := json.Unmarshal(msg, &q); err != nil || q.Instrument == "" || q.LTP <= 0 {
			s.logger.WithField("payload", string(msg)).Debug("ignoring quote frame")
			continue
		}
		s.mu.Lock()
		s.quotes[q.Instrument] = cachedQuote{ltp: q.LTP, at: s.now()}
		s.mu.Unlock()
	}
}

// QuoteFetcher is satisfied by BrokerClient.
type QuoteFetcher interface {
	GetQuote(ctx context.Context, instrument string) (float64, error)
}

// StreamingQuotes serves fresh streamed prices and falls back to REST.
type StreamingQuotes struct {
	stream   *QuoteStream
	fallback QuoteFetcher
	maxAge   time.Duration
}

func NewStreamingQuotes(stream *QuoteStream, fallback QuoteFetcher, maxAge time.Duration) *StreamingQuotes {
	return &StreamingQuotes{stream: stream, fallback: fallback, maxAge: maxAge}
}

func (q *StreamingQuotes) GetQuote(ctx context.Context, instrument string) (float64, error) {
	if q.stream != nil {
		if ltp, at, ok := q.stream.Latest(instrument); ok && q.stream.now().Sub(at) <= q.maxAge {
			return ltp, nil
		}
	}
	return q.fallback.GetQuote(ctx, instrument)
}
