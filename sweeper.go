package authgate

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// sweeper runs the periodic purge of expired refresh, challenge, and
// trusted-device rows. Redis TTLs handle the common case; the sweep trims
// family index sets and rows that outlive their TTL under clock skew.
type sweeper struct {
	cron *cron.Cron
}

func newSweeper(schedule string, job func()) (*sweeper, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, job); err != nil {
		return nil, err
	}
	c.Start()
	return &sweeper{cron: c}, nil
}

func (s *sweeper) Stop() {
	if s == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (e *Engine) sweep() {
	ctx := context.Background()

	total := 0
	if n, err := e.refreshStore.PurgeExpired(ctx); err != nil {
		log.Printf("authgate: refresh sweep: %v", err)
	} else {
		total += n
	}
	if n, err := e.challenges.PurgeExpired(ctx); err != nil {
		log.Printf("authgate: challenge sweep: %v", err)
	} else {
		total += n
	}
	if n, err := e.devices.PurgeExpired(ctx); err != nil {
		log.Printf("authgate: device sweep: %v", err)
	} else {
		total += n
	}

	if total > 0 {
		e.metrics.Add(MetricSweepPurged, uint64(total))
	}
}
