package vacuum

import (
	"time"

	"github.com/nainya/xkv/pkg/engine"
	"github.com/nainya/xkv/pkg/txn"
)

// Scheduler runs vacuum passes in the background, waking either when a
// configurable number of pages have been allocated since the last pass or
// when a timer fires, whichever comes first. It can be paused (e.g. while
// a CLI "dump" command wants a stable view) and resumed.
type Scheduler struct {
	mgr       *txn.Manager
	reclaimer Reclaimer
	cfg       engine.Config

	pause  chan struct{}
	resume chan struct{}
	stop   chan struct{}
	paused bool

	onPass func(Stats)
}

// NewScheduler builds a Scheduler; onPass, if non-nil, is called after
// every vacuum pass (normally wired to internal/telemetry metrics).
func NewScheduler(mgr *txn.Manager, reclaimer Reclaimer, onPass func(Stats)) *Scheduler {
	return &Scheduler{
		mgr:       mgr,
		reclaimer: reclaimer,
		cfg:       mgr.Config(),
		pause:     make(chan struct{}),
		resume:    make(chan struct{}),
		stop:      make(chan struct{}),
		onPass:    onPass,
	}
}

// Start launches the scheduler's background goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop terminates the background goroutine. It is safe to call once.
func (s *Scheduler) Stop() {
	close(s.stop)
}

// Pause blocks the scheduler from running further passes until Resume is
// called, without interrupting a pass already in progress.
func (s *Scheduler) Pause() {
	select {
	case s.pause <- struct{}{}:
	case <-s.stop:
	}
}

// Resume undoes Pause.
func (s *Scheduler) Resume() {
	select {
	case s.resume <- struct{}{}:
	case <-s.stop:
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.VacuumInterval)
	defer ticker.Stop()
	checkTicker := time.NewTicker(50 * time.Millisecond)
	defer checkTicker.Stop()

	var lastAllocated uint64
	for {
		select {
		case <-s.stop:
			return
		case <-s.pause:
			s.waitForResume()
		case <-ticker.C:
			s.maybeRun(&lastAllocated)
		case <-checkTicker.C:
			if s.mgr.Block().Allocated()-lastAllocated >= uint64(s.cfg.VacuumPageThreshold) {
				s.maybeRun(&lastAllocated)
			}
		}
	}
}

func (s *Scheduler) waitForResume() {
	for {
		select {
		case <-s.resume:
			return
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) maybeRun(lastAllocated *uint64) {
	stats := Run(s.mgr, s.reclaimer)
	*lastAllocated = s.mgr.Block().Allocated()
	if s.onPass != nil {
		s.onPass(stats)
	}
}
