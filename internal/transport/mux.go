package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/pnvantage/internal/metrics"
	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Filter selects frames for a subscription.
type Filter func(f *codec.Frame) bool

// FrameID matches a single frame id.
func FrameID(id uint16) Filter {
	return func(f *codec.Frame) bool { return f.FrameID == id }
}

// FrameIDRange matches frame ids in [lo, hi].
func FrameIDRange(lo, hi uint16) Filter {
	return func(f *codec.Frame) bool { return f.FrameID >= lo && f.FrameID <= hi }
}

// FromMAC matches frames sent by src.
func FromMAC(src codec.MAC) Filter {
	return func(f *codec.Frame) bool { return f.Eth.Src == src }
}

// And matches when every filter matches.
func And(filters ...Filter) Filter {
	return func(f *codec.Frame) bool {
		for _, fn := range filters {
			if !fn(f) {
				return false
			}
		}
		return true
	}
}

// Received is a frame delivered to a subscriber. Frame aliases Raw, which
// the subscriber owns.
type Received struct {
	Frame codec.Frame
	Raw   []byte
	At    time.Time
}

// Subscription receives the frames matched by its filter.
type Subscription struct {
	C       <-chan Received
	ch      chan Received
	filter  Filter
	mux     *Mux
	id      uint64
	dropped atomic.Uint64
}

// Dropped returns how many frames were discarded because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.mux.unsubscribe(s.id)
}

// Mux owns the read side of a Link and dispatches frames to subscribers.
// It never blocks on a subscriber.
type Mux struct {
	link    Link
	logger  *zap.Logger
	metrics *metrics.Metrics
	logRate *rate.Limiter

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	writeMu sync.Mutex
}

// NewMux wraps link. m may be nil.
func NewMux(link Link, logger *zap.Logger, m *metrics.Metrics) *Mux {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Mux{
		link:    link,
		logger:  logger.Named("mux"),
		metrics: m,
		logRate: rate.NewLimiter(rate.Every(time.Second), 5),
		subs:    make(map[uint64]*Subscription),
	}
}

// HardwareAddr returns the link's address.
func (m *Mux) HardwareAddr() codec.MAC { return m.link.HardwareAddr() }

// Subscribe registers a filter. depth is the channel buffer size.
func (m *Mux) Subscribe(filter Filter, depth int) *Subscription {
	if depth <= 0 {
		depth = 64
	}
	ch := make(chan Received, depth)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s := &Subscription{C: ch, ch: ch, filter: filter, mux: m, id: m.nextID}
	m.subs[s.id] = s
	return s
}

func (m *Mux) unsubscribe(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(s.ch)
	}
}

// Send writes one frame. Concurrent senders are serialized.
func (m *Mux) Send(frame []byte) error {
	m.writeMu.Lock()
	err := m.link.WriteFrame(frame)
	m.writeMu.Unlock()
	if err != nil {
		return err
	}
	if f, derr := codec.DecodeFrame(frame); derr == nil {
		m.metrics.FramesSent.WithLabelValues(f.Class().String()).Inc()
	}
	return nil
}

// Run reads the link until ctx is cancelled or the link is closed.
func (m *Mux) Run(ctx context.Context) error {
	buf := make([]byte, codec.MaxFrameLen+codec.VLANTagLen)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := m.link.ReadFrame(buf)
		if err != nil {
			switch {
			case errors.Is(err, ErrTimeout):
				continue
			case errors.Is(err, ErrClosed):
				return nil
			default:
				if m.logRate.Allow() {
					m.logger.Warn("link read failed", zap.Error(err))
				}
				continue
			}
		}
		m.dispatch(buf[:n])
	}
}

func (m *Mux) dispatch(raw []byte) {
	f, err := codec.DecodeFrame(raw)
	if err != nil {
		if errors.Is(err, codec.ErrNotProfinet) {
			return
		}
		m.metrics.FramesDropped.WithLabelValues("undecodable").Inc()
		if m.logRate.Allow() {
			m.logger.Debug("dropping undecodable frame", zap.Int("len", len(raw)), zap.Error(err))
		}
		return
	}
	class := f.Class()
	m.metrics.FramesReceived.WithLabelValues(class.String()).Inc()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var owned []byte
	var frame codec.Frame
	delivered := false
	for _, s := range m.subs {
		if !s.filter(&f) {
			continue
		}
		if owned == nil {
			owned = make([]byte, len(raw))
			copy(owned, raw)
			frame = f
			frame.Payload = owned[len(raw)-len(f.Payload):]
		}
		delivered = true
		select {
		case s.ch <- Received{Frame: frame, Raw: owned, At: time.Now()}:
		default:
			s.dropped.Add(1)
			m.metrics.FramesDropped.WithLabelValues("slow_subscriber").Inc()
		}
	}
	if !delivered {
		m.metrics.FramesDropped.WithLabelValues("no_subscriber").Inc()
	}
}
