package transport

import (
	"sync"
	"time"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
)

// Segment is an in-memory Ethernet broadcast domain. Frames written on one
// port are delivered to every other port whose address matches the
// destination; multicast and broadcast reach all of them. Delivery never
// blocks: a port whose queue is full loses the frame.
type Segment struct {
	mu    sync.RWMutex
	ports map[*Port]struct{}
}

// NewSegment returns an empty segment.
func NewSegment() *Segment {
	return &Segment{ports: make(map[*Port]struct{})}
}

// Port is a Link attached to a Segment.
type Port struct {
	seg     *Segment
	addr    codec.MAC
	rx      chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dropped uint64
	promisc bool
}

var _ Link = (*Port)(nil)

// Attach adds a port with the given address and receive queue depth.
func (s *Segment) Attach(addr codec.MAC, depth int) *Port {
	if depth <= 0 {
		depth = 256
	}
	p := &Port{
		seg:  s,
		addr: addr,
		rx:   make(chan []byte, depth),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.ports[p] = struct{}{}
	s.mu.Unlock()
	return p
}

func (s *Segment) deliver(from *Port, frame []byte) {
	if len(frame) < codec.EthernetHeaderLen {
		return
	}
	var dst codec.MAC
	copy(dst[:], frame[:6])

	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.ports {
		if p == from {
			continue
		}
		if !dst.IsMulticast() && dst != p.addr && !p.promisc {
			continue
		}
		cp := make([]byte, len(frame))
		copy(cp, frame)
		select {
		case p.rx <- cp:
		default:
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
		}
	}
}

// SetPromiscuous makes the port receive unicast frames for other addresses.
func (p *Port) SetPromiscuous(on bool) {
	p.seg.mu.Lock()
	p.promisc = on
	p.seg.mu.Unlock()
}

// Dropped returns how many frames were lost because the queue was full.
func (p *Port) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// HardwareAddr implements Link.
func (p *Port) HardwareAddr() codec.MAC { return p.addr }

// ReadFrame implements Link.
func (p *Port) ReadFrame(buf []byte) (int, error) {
	timer := time.NewTimer(PollInterval)
	defer timer.Stop()
	select {
	case <-p.done:
		return 0, ErrClosed
	case f := <-p.rx:
		return copy(buf, f), nil
	case <-timer.C:
		return 0, ErrTimeout
	}
}

// WriteFrame implements Link.
func (p *Port) WriteFrame(frame []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.seg.deliver(p, frame)
	return nil
}

// Close detaches the port from its segment.
func (p *Port) Close() error {
	p.once.Do(func() {
		p.seg.mu.Lock()
		delete(p.seg.ports, p)
		p.seg.mu.Unlock()
		close(p.done)
	})
	return nil
}
