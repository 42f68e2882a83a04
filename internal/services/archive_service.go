package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cyclerdata/internal/errors"
	"cyclerdata/internal/files"
	"cyclerdata/internal/pipeline"
	"cyclerdata/pkg/contracts/domain"
)

// DefaultCacheSize is the number of decoded archives kept in memory
const DefaultCacheSize = 8

// ArchiveInfo is one archive file in the archive directory
type ArchiveInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ChannelSummary describes one decoded channel without its samples
type ChannelSummary struct {
	ChannelID      string              `json:"channel_id"`
	Model          string              `json:"model"`
	Version        int                 `json:"version"`
	Records        int                 `json:"records"`
	TruncatedBytes int                 `json:"truncated_bytes"`
	Runs           []domain.RunSummary `json:"runs"`
	DurationMS     int64               `json:"duration_ms"`
	Error          string              `json:"error,omitempty"`
	ErrorType      string              `json:"error_type,omitempty"`
}

// ArchiveSummary describes a decoded archive
type ArchiveSummary struct {
	ArchiveInfo
	TestID    uint64           `json:"test_id"`
	StartTime time.Time        `json:"start_time"`
	Barcode   string           `json:"barcode,omitempty"`
	Program   string           `json:"program,omitempty"`
	Steps     int              `json:"program_steps"`
	Channels  []ChannelSummary `json:"channels"`
}

// ArchiveService lists the archive directory and decodes archives through
// the pipeline. Decoded results are cached by file name, size and
// modification time, and concurrent requests for one archive share a
// single decode.
type ArchiveService struct {
	dir       string
	discovery *files.Discovery
	pipeline  *pipeline.Pipeline
	logger    *slog.Logger

	group     singleflight.Group
	mu        sync.Mutex
	cache     map[string]*cachedResult
	order     []string
	cacheSize int
}

type cachedResult struct {
	info   ArchiveInfo
	result *pipeline.Result
}

// NewArchiveService creates an archive service over dir
func NewArchiveService(dir string, p *pipeline.Pipeline, logger *slog.Logger) *ArchiveService {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("ArchiveService initialized", slog.String("archive_dir", dir))
	return &ArchiveService{
		dir:       dir,
		discovery: files.NewDiscovery(dir),
		pipeline:  p,
		logger:    logger,
		cache:     make(map[string]*cachedResult),
		cacheSize: DefaultCacheSize,
	}
}

// Dir returns the archive directory
func (s *ArchiveService) Dir() string {
	return s.dir
}

// List returns the archives in the directory, newest first. A missing
// directory lists as empty.
func (s *ArchiveService) List(ctx context.Context) ([]ArchiveInfo, error) {
	found, err := s.discovery.FindArchives("")
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return []ArchiveInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	list := make([]ArchiveInfo, 0, len(found))
	for _, f := range found {
		list = append(list, archiveInfo(f))
	}
	s.logger.DebugContext(ctx, "Archives listed", slog.Int("count", len(list)))
	return list, nil
}

// Stat returns the directory entry of the named archive
func (s *ArchiveService) Stat(name string) (ArchiveInfo, error) {
	f, err := s.discovery.Stat("", name)
	if err != nil {
		return ArchiveInfo{}, ErrArchiveNotFound
	}
	return archiveInfo(f), nil
}

func archiveInfo(f files.FileInfo) ArchiveInfo {
	return ArchiveInfo{Name: f.Name, Size: f.Size, Modified: f.ModTime}
}

// Decode decodes the named archive, from cache when the file is unchanged.
// Channel failures are reported inside the result, not as an error.
func (s *ArchiveService) Decode(ctx context.Context, name string) (*pipeline.Result, error) {
	info, err := s.Stat(name)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%d|%d", info.Name, info.Size, info.Modified.UnixNano())

	s.mu.Lock()
	if c, ok := s.cache[key]; ok {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "Archive served from cache", slog.String("archive", name))
		return c.result, nil
	}
	s.mu.Unlock()

	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		res, err := s.pipeline.DecodeFile(context.WithoutCancel(ctx), filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		s.store(key, &cachedResult{info: info, result: res})
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "Archive decoded",
		slog.String("archive", name),
		slog.Bool("shared", shared))
	return v.(*pipeline.Result), nil
}

func (s *ArchiveService) store(key string, c *cachedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// a newer version of the same file replaces the old entry
	for k, old := range s.cache {
		if old.info.Name == c.info.Name {
			delete(s.cache, k)
		}
	}
	s.cache[key] = c
	s.order = append(s.order, key)

	kept := s.order[:0]
	for _, k := range s.order {
		if _, ok := s.cache[k]; ok {
			kept = append(kept, k)
		}
	}
	s.order = kept
	for len(s.order) > s.cacheSize {
		delete(s.cache, s.order[0])
		s.order = s.order[1:]
	}
}

// Summary decodes the named archive and summarises it
func (s *ArchiveService) Summary(ctx context.Context, name string) (ArchiveSummary, error) {
	res, err := s.Decode(ctx, name)
	if err != nil {
		return ArchiveSummary{}, err
	}
	info, err := s.Stat(name)
	if err != nil {
		return ArchiveSummary{}, err
	}

	sum := ArchiveSummary{
		ArchiveInfo: info,
		TestID:      res.Descriptor.TestID,
		StartTime:   res.Descriptor.StartTime(),
		Barcode:     res.Descriptor.Barcode,
		Program:     res.Descriptor.Program,
		Steps:       len(res.Steps),
		Channels:    make([]ChannelSummary, 0, len(res.Channels)),
	}
	for _, c := range res.Channels {
		sum.Channels = append(sum.Channels, SummarizeChannel(c))
	}
	return sum, nil
}

// SummarizeChannel drops the samples of a channel result
func SummarizeChannel(c pipeline.ChannelResult) ChannelSummary {
	cs := ChannelSummary{
		ChannelID:      c.ChannelID,
		Model:          c.Model,
		Version:        c.Stats.Version,
		Records:        c.Stats.Records,
		TruncatedBytes: c.Stats.TruncatedBytes,
		Runs:           make([]domain.RunSummary, 0, len(c.Runs)),
		DurationMS:     c.Duration.Milliseconds(),
	}
	for _, r := range c.Runs {
		cs.Runs = append(cs.Runs, r.Summary())
	}
	if c.Err != nil {
		cs.Error = c.Err.Error()
		cs.ErrorType = string(errors.TypeOf(c.Err))
	}
	return cs
}

// Channel returns one channel of the named archive. A channel that failed
// to decode is returned together with its error.
func (s *ArchiveService) Channel(ctx context.Context, name, channelID string) (pipeline.ChannelResult, error) {
	res, err := s.Decode(ctx, name)
	if err != nil {
		return pipeline.ChannelResult{}, err
	}
	c, ok := res.Channel(channelID)
	if !ok {
		return pipeline.ChannelResult{}, fmt.Errorf("%w: %s in %s", ErrChannelNotFound, channelID, name)
	}
	return c, c.Err
}

// Run returns the test run with testID on a channel of the named archive
func (s *ArchiveService) Run(ctx context.Context, name, channelID string, testID uint64) (domain.TestRun, error) {
	c, err := s.Channel(ctx, name, channelID)
	if err != nil {
		return domain.TestRun{}, err
	}
	for _, r := range c.Runs {
		if r.TestID == testID {
			return r, nil
		}
	}
	return domain.TestRun{}, fmt.Errorf("%w: test %s on channel %s", ErrRunNotFound, strconv.FormatUint(testID, 10), channelID)
}
