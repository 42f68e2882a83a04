package services

import (
	"context"
	"fmt"
	"log/slog"

	"cyclerdata/internal/assembler"
	"cyclerdata/internal/pipeline"
	"cyclerdata/internal/remote/sqlstore"
	"cyclerdata/pkg/contracts/domain"
)

// StoreService serves tests recorded in the rig's SQL data store. A nil
// store disables it; every method then returns ErrStoreDisabled.
type StoreService struct {
	store    *sqlstore.Store
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

// NewStoreService creates a store service
func NewStoreService(store *sqlstore.Store, p *pipeline.Pipeline, logger *slog.Logger) *StoreService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreService{store: store, pipeline: p, logger: logger}
}

// Enabled reports whether a store is configured
func (s *StoreService) Enabled() bool {
	return s != nil && s.store != nil
}

// Ping checks the store connection
func (s *StoreService) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return ErrStoreDisabled
	}
	return s.store.Ping(ctx)
}

// Tests lists the recorded tests
func (s *StoreService) Tests(ctx context.Context) ([]sqlstore.TestInfo, error) {
	if !s.Enabled() {
		return nil, ErrStoreDisabled
	}
	tests, err := s.store.Tests(ctx)
	if err != nil {
		return nil, err
	}
	if tests == nil {
		tests = []sqlstore.TestInfo{}
	}
	return tests, nil
}

// Run assembles q's test from the stored records. The query's time range
// restricts the records read.
func (s *StoreService) Run(ctx context.Context, q domain.Query) (domain.TestRun, error) {
	if !s.Enabled() {
		return domain.TestRun{}, ErrStoreDisabled
	}
	info, err := s.store.Test(ctx, q.TestID, q.ChannelID)
	if err != nil {
		return domain.TestRun{}, err
	}

	name := fmt.Sprintf("sql:test%d/%s", q.TestID, q.ChannelID)
	runs, err := s.pipeline.AssembleSource(ctx, name, s.store.Source(q), assembler.RunMeta{
		Program:   info.Program,
		Barcode:   info.Barcode,
		StartTime: info.StartTime,
	})
	if err != nil {
		return domain.TestRun{}, err
	}
	for _, r := range runs {
		if r.TestID == q.TestID {
			s.logger.DebugContext(ctx, "Stored test assembled",
				slog.Uint64("test_id", q.TestID),
				slog.String("channel_id", q.ChannelID),
				slog.Int("records", r.RecordCount()))
			return r, nil
		}
	}
	return domain.TestRun{}, fmt.Errorf("%w: test %d on channel %s has no records", ErrRunNotFound, q.TestID, q.ChannelID)
}
