package reset

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCheckInterval is how often the scheduler re-runs the reset check
// while the process stays up. Apply is idempotent per calendar day, so the
// interval only bounds how late after midnight a reset lands.
const DefaultCheckInterval = time.Minute

// Scheduler periodically fires the reset check. The check itself runs
// inside the reactive store's mutation queue; the scheduler only triggers.
type Scheduler struct {
	interval time.Duration
	trigger  func()

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler firing trigger on Start and then every
// interval until Stop.
func NewScheduler(interval time.Duration, trigger func()) *Scheduler {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Scheduler{
		interval: interval,
		trigger:  trigger,
		stopChan: make(chan struct{}),
	}
}

// Start launches the scheduler loop. The trigger fires once immediately,
// covering the daily-reset-on-resume case.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.trigger()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.trigger()
			case <-s.stopChan:
				return
			}
		}
	}()
	log.Debug().Dur("interval", s.interval).Msg("Reset scheduler started")
}

// Stop halts the loop and waits for it to exit. Safe to call twice.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
