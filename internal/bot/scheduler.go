package bot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler delivers bot replies on time. The first reply of a batch goes
// out immediately; the rest fire on timers so multi-line bot responses
// read naturally instead of arriving as a wall of text. Timers are keyed
// by the owning session so disconnects can cancel anything still pending.
type Scheduler struct {
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string][]*time.Timer // session id -> outstanding timers
}

func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger.With().Str("component", "bot_scheduler").Logger(),
		pending: make(map[string][]*time.Timer),
	}
}

// Schedule arranges delivery of replies via deliver. sessionID keys the
// timers for later cancellation.
func (s *Scheduler) Schedule(ctx context.Context, sessionID string, replies []Reply, deliver func(Reply)) {
	for i, r := range replies {
		if i == 0 && r.DelayMS <= 0 {
			deliver(r)
			continue
		}
		delay := time.Duration(r.DelayMS) * time.Millisecond
		if delay <= 0 {
			delay = time.Duration(i) * 400 * time.Millisecond
		}
		reply := r
		var timer *time.Timer
		timer = time.AfterFunc(delay, func() {
			if ctx.Err() != nil {
				return
			}
			deliver(reply)
			s.forget(sessionID, timer)
		})
		s.track(sessionID, timer)
	}
}

// Cancel stops every pending timer for the session. Disconnect path.
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	timers := s.pending[sessionID]
	delete(s.pending, sessionID)
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	if len(timers) > 0 {
		s.logger.Debug().
			Str("session_id", sessionID).
			Int("cancelled", len(timers)).
			Msg("Cancelled pending bot replies")
	}
}

// PendingCount reports outstanding timers for the session.
func (s *Scheduler) PendingCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[sessionID])
}

func (s *Scheduler) track(sessionID string, t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[sessionID] = append(s.pending[sessionID], t)
}

func (s *Scheduler) forget(sessionID string, t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timers := s.pending[sessionID]
	for i, have := range timers {
		if have == t {
			s.pending[sessionID] = append(timers[:i], timers[i+1:]...)
			break
		}
	}
	if len(s.pending[sessionID]) == 0 {
		delete(s.pending, sessionID)
	}
}
