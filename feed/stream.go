package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tick is one message on the market/greek stream.
type Tick struct {
	Instrument string          `json:"instrument"`
	Greek      float64         `json:"greek"`
	Price      decimal.Decimal `json:"price"`
	Time       time.Time       `json:"time"`
}

type TickHandler func(Tick)

var ErrStale = errors.New("feed stale")

type StreamConfig struct {
	URL        string
	StaleAfter time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Stream consumes ticks from a websocket and keeps the Monitor informed.
// It reconnects on its own, but only when the monitor allows it.
type Stream struct {
	cfg    StreamConfig
	mon    *Monitor
	handle TickHandler
	log    *zap.Logger
	dialer *websocket.Dialer
}

func NewStream(cfg StreamConfig, mon *Monitor, handle TickHandler, log *zap.Logger) *Stream {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	if handle == nil {
		handle = func(Tick) {}
	}
	return &Stream{
		cfg:    cfg,
		mon:    mon,
		handle: handle,
		log:    log.With(zap.String("url", cfg.URL)),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !s.mon.AllowReconnect() {
			if !sleep(ctx, s.cfg.MinBackoff) {
				return nil
			}
			continue
		}

		gotTicks, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if gotTicks {
			backoff = s.cfg.MinBackoff
		}
		s.mon.ReportFailure(err)
		s.log.Warn("feed session ended", zap.Error(err), zap.Duration("backoff", backoff))

		if !sleep(ctx, backoff) {
			return nil
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// session runs one connection until it fails. It always returns a non-nil
// error unless ctx was cancelled.
func (s *Stream) session(ctx context.Context) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	s.log.Info("feed connected")
	got := false
	for {
		// read deadline doubles as the staleness watchdog
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.StaleAfter)); err != nil {
			return got, fmt.Errorf("set deadline: %w", err)
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return got, fmt.Errorf("no tick for %s: %w", s.cfg.StaleAfter, ErrStale)
			}
			return got, fmt.Errorf("read: %w", err)
		}

		var t Tick
		if err := json.Unmarshal(msg, &t); err != nil || t.Instrument == "" {
			s.log.Warn("feed: dropping malformed tick", zap.ByteString("msg", msg), zap.Error(err))
			continue
		}
		if t.Time.IsZero() {
			t.Time = time.Now().UTC()
		}

		if !got {
			got = true
			s.mon.ReportSuccess()
		}
		metricTicks.Inc()
		s.handle(t)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
