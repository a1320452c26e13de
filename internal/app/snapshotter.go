/**
 * @description
 * Cron-driven snapshot job. On every tick it lists recently written streams and
 * persists a snapshot for each stream that has moved far enough past its last one.
 */
package app

import (
	"context"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// snapshotScanLimit bounds the streams inspected per run.
const snapshotScanLimit = 1000

// Snapshotter persists snapshots in the background.
type Snapshotter struct {
	cron     *cron.Cron
	catalog  store.StreamCatalog
	service  *Service
	schedule string
	every    int64
	workers  int
	log      *logger.Logger
}

func NewSnapshotter(catalog store.StreamCatalog, service *Service, schedule string, everyEvents, workers int, log *logger.Logger) *Snapshotter {
	if log == nil {
		log = logger.NewNop()
	}
	if everyEvents <= 0 {
		everyEvents = 1
	}
	if workers <= 0 {
		workers = 1
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(log.SugaredLogger.Desugar()))
	return &Snapshotter{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		catalog:  catalog,
		service:  service,
		schedule: schedule,
		every:    int64(everyEvents),
		workers:  workers,
		log:      log.With("component", "snapshotter"),
	}
}

// Start registers the job and starts the cron scheduler.
func (s *Snapshotter) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		return err
	}
	s.log.Info("scheduled snapshot job", "schedule", s.schedule, "every_events", s.every, "workers", s.workers)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once a running job finishes.
func (s *Snapshotter) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Snapshotter) tick() {
	saved, err := s.RunOnce(context.Background())
	if err != nil {
		s.log.Error("snapshot run failed", "err", err)
		return
	}
	if saved > 0 {
		s.log.Info("snapshot run finished", "saved", saved)
	}
}

// RunOnce snapshots every due stream and returns how many snapshots were written.
// A failure on one stream is logged and does not stop the others.
func (s *Snapshotter) RunOnce(ctx context.Context) (int, error) {
	streams, err := s.catalog.ListStreams(ctx, snapshotScanLimit)
	if err != nil {
		return 0, err
	}

	var saved atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, sv := range streams {
		sv := sv
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			last, err := s.service.repo.LatestSnapshotVersion(gctx, sv.Stream)
			if err != nil {
				s.log.Warn("could not read latest snapshot", "aggregate_type", sv.Stream.Type, "aggregate_id", sv.Stream.ID, "err", err)
				return nil
			}
			if sv.Version-last < s.every {
				return nil
			}
			if _, err := s.service.PersistSnapshot(gctx, sv.Stream); err != nil {
				s.log.Warn("snapshot failed", "aggregate_type", sv.Stream.Type, "aggregate_id", sv.Stream.ID, "err", err)
				s.service.metrics.SnapshotFailed(string(sv.Stream.Type))
				return nil
			}
			saved.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(saved.Load()), err
}
