package paper

import (
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rustyeddy/tradeguard/feed"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Ticks returns the current greek and mark for every instrument with a
// published greek, sorted by instrument.
func (g *Gateway) Ticks() []feed.Tick {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	out := make([]feed.Tick, 0, len(g.greeks))
	for inst, v := range g.greeks {
		out = append(out, feed.Tick{Instrument: inst, Greek: v, Price: g.marks[inst], Time: now})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// TickServer streams the gateway's greeks to websocket clients in the
// format feed.Stream reads.
type TickServer struct {
	gw       *Gateway
	interval time.Duration
	log      *zap.Logger
}

func NewTickServer(gw *Gateway, interval time.Duration, log *zap.Logger) *TickServer {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TickServer{gw: gw, interval: interval, log: log}
}

// ServeHTTP upgrades the connection and writes one round of ticks per
// interval until the client goes away.
func (s *TickServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("tick server: upgrade", zap.Error(err))
		return
	}
	defer conn.Close()
	s.log.Info("tick client connected", zap.String("remote", r.RemoteAddr))

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		for _, tick := range s.gw.Ticks() {
			if err := conn.WriteJSON(tick); err != nil {
				s.log.Info("tick client gone", zap.Error(err))
				return
			}
		}
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
		}
	}
}
