package devices

import (
	"context"
	"log"
	"time"
)

// Sweeper revokes devices whose validity window has closed. Expiry is also
// enforced lazily on token redemption; the sweeper catches devices nobody
// touches so their addresses return to the pool.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	stopCh   chan struct{}
	logger   *log.Logger
}

// NewSweeper creates and starts the background expiry loop.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	s := &Sweeper{
		svc:      svc,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.New(log.Writer(), "[DEVICE-SWEEP] ", log.LstdFlags),
	}
	go s.run()
	return s
}

// Stop halts the loop. Safe to call once.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("Started device expiry loop (interval=%s)", s.interval)

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			s.logger.Println("Device expiry loop stopped")
			return
		}
	}
}

// Sweep revokes every expired non-revoked device once and returns how many
// it retired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := time.Now().UTC()
	retired := 0
	_ = s.svc.committer.Locked(func() error {
		for _, d := range s.svc.state.ExpiredDevices(now) {
			if err := s.svc.revokeLocked(ctx, d, Actor, "expired"); err != nil {
				s.logger.Printf("⚠️ expire %s failed: %v", d.ID, err)
				continue
			}
			retired++
		}
		return nil
	})
	if retired > 0 {
		s.logger.Printf("Sweep complete: %d devices expired", retired)
	}
	return retired
}
