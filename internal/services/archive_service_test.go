package services

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclerdata/internal/container"
	apierrors "cyclerdata/internal/errors"
	"cyclerdata/internal/pipeline"
	"cyclerdata/internal/remote/sqlstore"
	"cyclerdata/internal/shared/testutil"
	"cyclerdata/internal/synth"
	"cyclerdata/pkg/contracts/domain"
)

func writeArchive(t *testing.T, dir, name string, a synth.Archive) string {
	t.Helper()
	data, err := a.Bytes()
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func newArchiveService(t *testing.T) (*ArchiveService, string) {
	t.Helper()
	dir := t.TempDir()
	logger, _ := testutil.NewTestLogger(t)
	return NewArchiveService(dir, pipeline.New(pipeline.Options{Logger: logger}), logger), dir
}

func TestArchiveService_List(t *testing.T) {
	svc, dir := newArchiveService(t)

	writeArchive(t, dir, "old.nda", synth.ChargeRestArchive(container.KindRaw, 10, 1))
	newer := writeArchive(t, dir, "new.zip", synth.ChargeRestArchive(container.KindZip, 10, 1))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.nda"), 0755))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(newer, future, future))

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new.zip", list[0].Name)
	assert.Equal(t, "old.nda", list[1].Name)
	assert.Positive(t, list[1].Size)
}

func TestArchiveService_ListMissingDir(t *testing.T) {
	svc := NewArchiveService(filepath.Join(t.TempDir(), "absent"), pipeline.New(pipeline.Options{}), nil)
	list, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestArchiveService_Summary(t *testing.T) {
	svc, dir := newArchiveService(t)
	a := synth.ChargeRestArchive(container.KindRaw, 100, 1, 2)
	a.Channels[1].Records = a.Channels[1].Records[:50]
	a.Channels[1].Records = append(a.Channels[1].Records, synth.ChargeRest(100, a.TestID, "", synth.FixtureStart)[60:]...)
	writeArchive(t, dir, "run.nda", a)

	sum, err := svc.Summary(context.Background(), "run.nda")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), sum.TestID)
	assert.Equal(t, "CELL-0001", sum.Barcode)
	require.Len(t, sum.Channels, 2)

	ch1 := sum.Channels[0]
	assert.Equal(t, "1", ch1.ChannelID)
	assert.Equal(t, 100, ch1.Records)
	require.Len(t, ch1.Runs, 1)
	assert.Equal(t, 2, ch1.Runs[0].Steps)
	assert.Empty(t, ch1.Error)

	ch2 := sum.Channels[1]
	assert.NotEmpty(t, ch2.Error)
	assert.Equal(t, string(apierrors.ErrorTypeSequence), ch2.ErrorType)
}

func TestArchiveService_Lookups(t *testing.T) {
	svc, dir := newArchiveService(t)
	writeArchive(t, dir, "run.nda", synth.ChargeRestArchive(container.KindRaw, 20, 3))
	ctx := context.Background()

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"unknown archive", func() error { _, err := svc.Decode(ctx, "none.nda"); return err }, ErrArchiveNotFound},
		{"traversal", func() error { _, err := svc.Decode(ctx, "../run.nda"); return err }, ErrArchiveNotFound},
		{"not an archive", func() error { _, err := svc.Decode(ctx, "run.txt"); return err }, ErrArchiveNotFound},
		{"unknown channel", func() error { _, err := svc.Channel(ctx, "run.nda", "9"); return err }, ErrChannelNotFound},
		{"unknown test", func() error { _, err := svc.Run(ctx, "run.nda", "3", 7); return err }, ErrRunNotFound},
		{"found", func() error { _, err := svc.Run(ctx, "run.nda", "3", 42); return err }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestArchiveService_RunCoversResumedTest(t *testing.T) {
	svc, dir := newArchiveService(t)
	a := synth.ChargeRestArchive(container.KindRaw, 30, 1)
	// test 43 interrupts test 42 on the same channel for records 11..15
	for i := 10; i < 15; i++ {
		a.Channels[0].Records[i].TestID = 43
	}
	writeArchive(t, dir, "run.nda", a)

	ch, err := svc.Channel(context.Background(), "run.nda", "1")
	require.NoError(t, err)
	require.NoError(t, ch.Err)
	assert.Len(t, ch.Runs, 2)

	run, err := svc.Run(context.Background(), "run.nda", "1", 42)
	require.NoError(t, err)
	assert.Equal(t, 25, run.RecordCount())
	require.Len(t, run.Warnings(), 1)
	assert.Equal(t, domain.WarningRunReopened, run.Warnings()[0].Kind)

	other, err := svc.Run(context.Background(), "run.nda", "1", 43)
	require.NoError(t, err)
	assert.Equal(t, 5, other.RecordCount())
}

func TestArchiveService_Cache(t *testing.T) {
	svc, dir := newArchiveService(t)
	path := writeArchive(t, dir, "run.nda", synth.ChargeRestArchive(container.KindRaw, 20, 1))
	ctx := context.Background()

	first, err := svc.Decode(ctx, "run.nda")
	require.NoError(t, err)
	second, err := svc.Decode(ctx, "run.nda")
	require.NoError(t, err)
	assert.Same(t, first, second)

	writeArchive(t, dir, "run.nda", synth.ChargeRestArchive(container.KindRaw, 30, 1))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	third, err := svc.Decode(ctx, "run.nda")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 30, third.Runs()[0].RecordCount())
	assert.Len(t, svc.cache, 1, "the stale entry is replaced")
}

func TestArchiveService_CacheEviction(t *testing.T) {
	svc, dir := newArchiveService(t)
	svc.cacheSize = 2
	for _, name := range []string{"a.nda", "b.nda", "c.nda"} {
		writeArchive(t, dir, name, synth.ChargeRestArchive(container.KindRaw, 5, 1))
		_, err := svc.Decode(context.Background(), name)
		require.NoError(t, err)
	}
	assert.Len(t, svc.cache, 2)
	assert.Len(t, svc.order, 2)
}

func newStoreService(t *testing.T) (*StoreService, *sqlstore.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "rig.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger, _ := testutil.NewTestLogger(t)
	store := sqlstore.New(db, sqlstore.DialectSQLite, logger)
	require.NoError(t, store.Migrate(context.Background()))
	return NewStoreService(store, pipeline.New(pipeline.Options{Logger: logger}), logger), store
}

func TestStoreService(t *testing.T) {
	svc, store := newStoreService(t)
	ctx := context.Background()

	recs := synth.ChargeRest(100, 5, "1-1-1", synth.FixtureStart)
	require.NoError(t, store.Insert(ctx, sqlstore.TestInfo{
		TestID:    5,
		ChannelID: "1-1-1",
		StartTime: synth.FixtureStart,
		Program:   "formation.xml",
		Barcode:   "CELL-0005",
	}, recs))

	tests, err := svc.Tests(ctx)
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, uint64(5), tests[0].TestID)

	run, err := svc.Run(ctx, domain.Query{TestID: 5, ChannelID: "1-1-1"})
	require.NoError(t, err)
	assert.Equal(t, "CELL-0005", run.Barcode)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, 60, run.Steps[0].Len())
	assert.Equal(t, 40, run.Steps[1].Len())

	_, err = svc.Run(ctx, domain.Query{TestID: 6, ChannelID: "1-1-1"})
	var noTest *apierrors.NoSuchTestError
	assert.ErrorAs(t, err, &noTest)
}

func TestStoreService_Disabled(t *testing.T) {
	svc := NewStoreService(nil, pipeline.New(pipeline.Options{}), nil)
	assert.False(t, svc.Enabled())

	_, err := svc.Tests(context.Background())
	assert.ErrorIs(t, err, ErrStoreDisabled)
	_, err = svc.Run(context.Background(), domain.Query{ChannelID: "1"})
	assert.ErrorIs(t, err, ErrStoreDisabled)
}

func TestHealthService(t *testing.T) {
	archives, _ := newArchiveService(t)
	store, _ := newStoreService(t)
	hs := NewHealthService(archives, store, nil)
	ctx := context.Background()

	assert.Equal(t, "ok", hs.HealthCheck(ctx).Status)
	assert.Equal(t, "alive", hs.LivenessCheck(ctx).Status)

	ready := hs.ReadinessCheck(ctx)
	assert.True(t, ready.Ready())
	assert.Contains(t, ready.Services, "archives")
	assert.Contains(t, ready.Services, "sql_store")

	missing := NewArchiveService(filepath.Join(t.TempDir(), "absent"), pipeline.New(pipeline.Options{}), nil)
	notReady := NewHealthService(missing, nil, nil).ReadinessCheck(ctx)
	assert.False(t, notReady.Ready())
	assert.NotContains(t, notReady.Services, "sql_store")
}
