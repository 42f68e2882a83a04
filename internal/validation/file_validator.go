package validation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cyclerdata/internal/files"
)

// FileValidator checks command line inputs and outputs before any work
// starts
type FileValidator struct {
	logger *slog.Logger
}

// NewFileValidator creates a new file validator
func NewFileValidator(logger *slog.Logger) *FileValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileValidator{
		logger: logger,
	}
}

// ValidateOutputDirectory ensures output directory exists or can be created
// and is writable
func (v *FileValidator) ValidateOutputDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		v.logger.Error("Failed to create output directory",
			slog.String("directory", dir),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		v.logger.Error("Output directory is not writable",
			slog.String("directory", dir),
			slog.String("error", err.Error()))
		return fmt.Errorf("output directory %s is not writable: %w", dir, err)
	}
	tmp.Close()
	os.Remove(tmp.Name())

	v.logger.Debug("Output directory validated", slog.String("directory", dir))
	return nil
}

// ValidateArchive checks that path is a readable, non-empty file with an
// archive extension
func (v *FileValidator) ValidateArchive(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		v.logger.Error("Archive does not exist", slog.String("file", path))
		return fmt.Errorf("archive %s does not exist", path)
	}
	if err != nil {
		return fmt.Errorf("failed to stat archive %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not an archive", path)
	}
	if !files.IsArchive(path) {
		v.logger.Error("File is not an archive",
			slog.String("file", path),
			slog.String("extension", filepath.Ext(path)))
		return fmt.Errorf("%s is not an archive (want one of %v)", path, files.ArchiveExtensions)
	}
	if info.Size() == 0 {
		return fmt.Errorf("archive %s is empty", path)
	}

	f, err := os.Open(path)
	if err != nil {
		v.logger.Error("Archive is not readable",
			slog.String("file", path),
			slog.String("error", err.Error()))
		return fmt.Errorf("archive %s is not readable: %w", path, err)
	}
	f.Close()

	v.logger.Debug("Archive validated",
		slog.String("file", path),
		slog.Int64("size", info.Size()))
	return nil
}

// ValidateArchives validates every path and stops at the first failure
func (v *FileValidator) ValidateArchives(paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no archives to decode")
	}
	for _, p := range paths {
		if err := v.ValidateArchive(p); err != nil {
			return err
		}
	}
	return nil
}
