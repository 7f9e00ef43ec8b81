// Package janitor deletes completed downloads once they pass their expiry.
package janitor

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"peershare/internal/metrics"
	"peershare/pkg/types"
)

// Expired lists completed downloads whose expiry is before t.
type Expired interface {
	ExpiredBefore(ctx context.Context, t time.Time) ([]types.Download, error)
}

// Janitor removes the local file of every expired download and then its
// record. forget deletes the record; the download manager's Forget also
// tells observers.
type Janitor struct {
	ledger   Expired
	forget   func(context.Context, types.Download) error
	interval time.Duration
	now      func() time.Time
}

func New(ledger Expired, forget func(context.Context, types.Download) error, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{ledger: ledger, forget: forget, interval: interval, now: time.Now}
}

// Run sweeps once immediately and then every interval until ctx ends.
func (j *Janitor) Run(ctx context.Context) {
	if _, err := j.RunNow(ctx); err != nil {
		log.Printf("[janitor] sweep: %v", err)
	}
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := j.RunNow(ctx); err != nil {
				log.Printf("[janitor] sweep: %v", err)
			}
		}
	}
}

// RunNow deletes every expired download and returns how many went away.
// Failures on one item are logged and the item is left for the next sweep.
func (j *Janitor) RunNow(ctx context.Context) (int, error) {
	expired, err := j.ledger.ExpiredBefore(ctx, j.now())
	if err != nil {
		return 0, err
	}
	deleted := 0
	var freed int64
	for _, d := range expired {
		if ctx.Err() != nil {
			break
		}
		if d.LocalPath != "" {
			if err := os.Remove(d.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Printf("[janitor] remove %s: %v", d.LocalPath, err)
				continue
			}
		}
		if err := j.forget(ctx, d); err != nil {
			log.Printf("[janitor] forget %s: %v", d.ID, err)
			continue
		}
		deleted++
		freed += d.TotalBytes
		log.Printf("[janitor] deleted %q (expired %s)", d.FileName, d.ExpiresAt.Format(time.DateOnly))
	}
	if deleted > 0 {
		metrics.AddExpiredDeleted(deleted)
		log.Printf("[janitor] removed %d expired download(s), freed %s", deleted, humanize.IBytes(uint64(freed)))
	}
	return deleted, nil
}

// ExpiredCount is the number of expired records not yet removed.
func (j *Janitor) ExpiredCount(ctx context.Context) (int, error) {
	expired, err := j.ledger.ExpiredBefore(ctx, j.now())
	return len(expired), err
}
