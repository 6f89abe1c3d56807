package authority

import (
	"context"
	"fmt"
	"sync"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/pkg/models"
	"go.uber.org/zap"
)

// Exchanger carries one authority record to the RTU and returns its ack.
type Exchanger interface {
	ExchangeAuthority(ctx context.Context, req codec.AuthorityRequest) (codec.AuthorityAck, error)
}

type trigger uint8

const (
	triggerRequest trigger = iota
	triggerGranted
	triggerDenied
	triggerRelease
	triggerReleased
	triggerDrop
)

func (t trigger) String() string {
	switch t {
	case triggerRequest:
		return "request"
	case triggerGranted:
		return "granted"
	case triggerDenied:
		return "denied"
	case triggerRelease:
		return "release"
	case triggerReleased:
		return "released"
	case triggerDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// next is the authority state machine. Every (state, trigger) pair not
// listed is invalid.
func next(s models.AuthorityState, t trigger) (models.AuthorityState, error) {
	switch s {
	case models.AuthorityAutonomous:
		switch t {
		case triggerRequest:
			return models.AuthorityHandoffPending, nil
		case triggerDrop:
			return models.AuthorityAutonomous, nil
		}
	case models.AuthorityHandoffPending:
		switch t {
		case triggerGranted:
			return models.AuthoritySupervised, nil
		case triggerDenied, triggerDrop:
			return models.AuthorityAutonomous, nil
		}
	case models.AuthoritySupervised:
		switch t {
		case triggerRelease:
			return models.AuthorityReleasing, nil
		case triggerDrop:
			return models.AuthorityAutonomous, nil
		}
	case models.AuthorityReleasing:
		switch t {
		case triggerReleased, triggerDrop:
			return models.AuthorityAutonomous, nil
		}
	}
	return s, fmt.Errorf("%s on %s: %w", t, s, ErrInvalidTransition)
}

// ChangeFunc observes every state change with the current epoch.
type ChangeFunc func(state models.AuthorityState, epoch uint32)

// Session tracks authority for one device across handoff rounds. Epochs
// issued by a session only ever increase, including across rounds.
type Session struct {
	logger   *zap.Logger
	onChange ChangeFunc

	mu    sync.Mutex
	state models.AuthorityState
	round uint32
	epoch uint32
}

// NewSession returns a session in AUTONOMOUS. onChange may be nil.
func NewSession(logger *zap.Logger, onChange ChangeFunc) *Session {
	return &Session{
		logger:   logger,
		onChange: onChange,
		state:    models.AuthorityAutonomous,
	}
}

// State returns the current state and the last issued epoch.
func (s *Session) State() (models.AuthorityState, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.epoch
}

// Supervised reports whether controller writes are honored.
func (s *Session) Supervised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == models.AuthoritySupervised
}

// apply runs one transition under the lock and returns the resulting
// state and epoch for notification outside it.
func (s *Session) apply(t trigger) (models.AuthorityState, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := next(s.state, t)
	if err != nil {
		return s.state, s.epoch, err
	}
	s.state = st
	return st, s.epoch, nil
}

func (s *Session) notify(st models.AuthorityState, epoch uint32) {
	if s.onChange != nil {
		s.onChange(st, epoch)
	}
}

// Request asks the RTU for authority. It is a no-op when already
// SUPERVISED. A denial, a timeout or a mismatched ack returns the session
// to AUTONOMOUS.
func (s *Session) Request(ctx context.Context, ex Exchanger) error {
	s.mu.Lock()
	if s.state == models.AuthoritySupervised {
		s.mu.Unlock()
		return nil
	}
	st, err := next(s.state, triggerRequest)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = st
	s.round++
	round := s.round
	epoch := s.epoch
	s.mu.Unlock()
	s.notify(st, epoch)

	ack, err := ex.ExchangeAuthority(ctx, codec.AuthorityRequest{Action: codec.AuthorityActionRequest, Round: round})
	if err == nil && (ack.Action != codec.AuthorityActionRequest || ack.Round != round) {
		err = fmt.Errorf("ack for action %d round %d, want round %d: %w", ack.Action, ack.Round, round, ErrHandoffDenied)
	}
	if err == nil && !ack.Granted {
		err = fmt.Errorf("round %d: %w", round, ErrHandoffDenied)
	}
	if err != nil {
		st, epoch, _ := s.apply(triggerDenied)
		s.notify(st, epoch)
		s.logger.Info("authority request failed", zap.Uint32("round", round), zap.Error(err))
		return err
	}

	s.mu.Lock()
	if ack.LastEpoch > s.epoch {
		s.epoch = ack.LastEpoch
	}
	st, err = next(s.state, triggerGranted)
	if err != nil {
		// Dropped while the exchange was in flight.
		s.mu.Unlock()
		return fmt.Errorf("round %d: %w", round, ErrHandoffDenied)
	}
	s.state = st
	epoch = s.epoch
	s.mu.Unlock()
	s.notify(st, epoch)
	s.logger.Info("authority granted", zap.Uint32("round", round), zap.Uint32("epoch", epoch))
	return nil
}

// Release hands authority back. It completes locally even when the RTU
// does not answer; the exchange error is only logged.
func (s *Session) Release(ctx context.Context, ex Exchanger) error {
	s.mu.Lock()
	if s.state == models.AuthorityAutonomous {
		s.mu.Unlock()
		return nil
	}
	st, err := next(s.state, triggerRelease)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = st
	round := s.round
	epoch := s.epoch
	s.mu.Unlock()
	s.notify(st, epoch)

	if ex != nil {
		if _, err := ex.ExchangeAuthority(ctx, codec.AuthorityRequest{Action: codec.AuthorityActionRelease, Round: round}); err != nil {
			s.logger.Warn("authority release not acknowledged", zap.Uint32("round", round), zap.Error(err))
		}
	}

	st, epoch, err = s.apply(triggerReleased)
	if err != nil {
		return nil
	}
	s.notify(st, epoch)
	return nil
}

// Drop returns to AUTONOMOUS without talking to the RTU. Used when the AR
// is gone.
func (s *Session) Drop() {
	s.mu.Lock()
	prev := s.state
	st, _ := next(s.state, triggerDrop)
	s.state = st
	epoch := s.epoch
	s.mu.Unlock()
	if prev != st {
		s.notify(st, epoch)
	}
}

// NextEpoch issues a new epoch for a controller write. It fails unless the
// session is SUPERVISED.
func (s *Session) NextEpoch() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.AuthoritySupervised {
		return s.epoch, false
	}
	s.epoch++
	return s.epoch, true
}

// SubmitEpoch raises the session epoch to a caller-supplied value. The
// caller must have validated it with a Gate.
func (s *Session) SubmitEpoch(epoch uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.AuthoritySupervised {
		return false
	}
	if epoch > s.epoch {
		s.epoch = epoch
	}
	return true
}

// Epoch returns the last issued epoch.
func (s *Session) Epoch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}
