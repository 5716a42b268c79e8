// Package reaper collects expired and abandoned chests in the background.
// Collection is idempotent: blobs go first, rows are tombstoned last, so a
// sweep that dies halfway is simply finished by the next one.
package reaper

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/dropchest/dropchest/pkg/appctx"
	"github.com/dropchest/dropchest/pkg/blobstore"
	"github.com/dropchest/dropchest/pkg/chest"
	"github.com/dropchest/dropchest/pkg/chest/catalog"
)

// DefaultInterval is the sweep interval when none is configured.
const DefaultInterval = time.Hour

// Summary reports what one sweep did. Errors carries the individual failure
// messages; a chest that errored is not counted as collected and stays
// eligible for the next sweep.
type Summary struct {
	Expired      int
	Abandoned    int
	DeletedFiles int
	DeletedBlobs int
	Errors       []string
}

// Reaper periodically sweeps the catalog for dead chests and reclaims their
// storage.
type Reaper struct {
	catalog  catalog.Catalog
	blobs    blobstore.Blobstore
	interval time.Duration
	now      func() time.Time
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock overrides the reaper clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New returns a reaper sweeping at the given interval.
func New(c catalog.Catalog, bs blobstore.Blobstore, interval time.Duration, opts ...Option) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Reaper{catalog: c, blobs: bs, interval: interval, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run sweeps once immediately and then on every tick until the context is
// canceled.
func (r *Reaper) Run(ctx context.Context) {
	log := appctx.GetLogger(ctx)
	log.Info().Dur("interval", r.interval).Msg("reaper started")

	r.sweepAndLog(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Reaper) sweepAndLog(ctx context.Context) {
	s := r.Sweep(ctx)
	appctx.GetLogger(ctx).Info().
		Int("expired", s.Expired).
		Int("abandoned", s.Abandoned).
		Int("files", s.DeletedFiles).
		Int("blobs", s.DeletedBlobs).
		Strs("errors", s.Errors).
		Msg("reaper sweep finished")
}

// Sweep collects every chest that is currently expired or abandoned. A
// failing chest is skipped and retried on the next sweep; it never stops the
// rest of the batch.
func (r *Reaper) Sweep(ctx context.Context) Summary {
	log := appctx.GetLogger(ctx)
	now := r.now()
	var sum Summary

	expired, err := r.catalog.SelectExpiredSessions(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("reaper: selecting expired chests failed")
		sum.Errors = append(sum.Errors, err.Error())
	}
	abandoned, err := r.catalog.SelectAbandonedSessions(ctx, now.Add(-chest.AbandonedAge))
	if err != nil {
		log.Error().Err(err).Msg("reaper: selecting abandoned chests failed")
		sum.Errors = append(sum.Errors, err.Error())
	}

	for _, s := range expired {
		if err := r.collect(ctx, s, now, &sum); err != nil {
			log.Warn().Err(err).Str("session", s.ID).Msg("reaper: collecting expired chest failed")
			sum.Errors = append(sum.Errors, err.Error())
			continue
		}
		sum.Expired++
	}
	for _, s := range abandoned {
		if err := r.collect(ctx, s, now, &sum); err != nil {
			log.Warn().Err(err).Str("session", s.ID).Msg("reaper: collecting abandoned chest failed")
			sum.Errors = append(sum.Errors, err.Error())
			continue
		}
		sum.Abandoned++
	}
	return sum
}

// collect reclaims one chest: pending multipart uploads are aborted, blobs
// deleted, then the rows tombstoned. Every blob delete is attempted even
// when one fails, but any failure withholds the soft-deletes so the rows
// stay live and the chest is selected again next sweep.
func (r *Reaper) collect(ctx context.Context, s *chest.Session, now time.Time, sum *Summary) error {
	prefix := chest.BlobPrefix(s.ID)

	uploads, err := r.blobs.ListMultipartUploads(ctx, prefix)
	if err != nil {
		return err
	}
	for _, u := range uploads {
		if err := r.blobs.AbortMultipart(ctx, u.Key, u.UploadID); err != nil {
			return err
		}
	}

	keys, err := r.blobs.List(ctx, prefix)
	if err != nil {
		return err
	}
	failed := 0
	for _, key := range keys {
		if err := r.blobs.Delete(ctx, key); err != nil {
			sum.Errors = append(sum.Errors, errors.Wrapf(err, "deleting blob %s", key).Error())
			failed++
			continue
		}
		sum.DeletedBlobs++
	}
	if failed > 0 {
		return errors.Errorf("%d of %d blob deletes failed", failed, len(keys))
	}

	files, err := r.catalog.ListSessionFiles(ctx, s.ID)
	if err != nil {
		return err
	}
	if err := r.catalog.SoftDeleteSessionFiles(ctx, s.ID, now); err != nil {
		return err
	}
	if err := r.catalog.SoftDeleteSession(ctx, s.ID, now); err != nil {
		return err
	}
	sum.DeletedFiles += len(files)
	return nil
}
