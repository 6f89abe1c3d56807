package server

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/HerbHall/pnvantage/internal/event"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	eventQueueLen     = 256
	eventWriteTimeout = 5 * time.Second
)

// topicFilter matches event topics against the "topic" query values. A
// value ending in '.' matches by prefix.
type topicFilter []string

func (f topicFilter) match(topic string) bool {
	if len(f) == 0 {
		return true
	}
	for _, want := range f {
		if topic == want || (strings.HasSuffix(want, ".") && strings.HasPrefix(topic, want)) {
			return true
		}
	}
	return false
}

// handleEvents streams bus events to a websocket client as JSON. A client
// that cannot keep up loses events rather than slowing the publisher.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := topicFilter(r.URL.Query()["topic"])

	// The stream outlives the server's per-request write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	queue := make(chan event.Event, eventQueueLen)
	var dropped atomic.Int64
	unsub := s.opts.Events.SubscribeAll(func(_ context.Context, e event.Event) {
		if !filter.match(e.Topic) {
			return
		}
		select {
		case queue <- e:
		default:
			dropped.Add(1)
		}
	})
	defer unsub()

	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("event stream opened", zap.String("remote", r.RemoteAddr), zap.Strings("topics", filter))
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "")
			return
		case e := <-queue:
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				s.logger.Debug("event stream closed",
					zap.String("remote", r.RemoteAddr),
					zap.Int64("dropped", dropped.Load()),
					zap.Error(err),
				)
				return
			}
		}
	}
}
