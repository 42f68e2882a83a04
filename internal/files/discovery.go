package files

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ArchiveExtensions are the file extensions treated as archives. Raw
// single-file archives use .nda or .bin, zip archives .ndax or .zip.
var ArchiveExtensions = []string{".nda", ".ndax", ".bin", ".zip"}

// IsArchive reports whether name has an archive extension
func IsArchive(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range ArchiveExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

// FileInfo represents information about a discovered file
type FileInfo struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

// Discovery provides file discovery operations
type Discovery struct {
	basePath string
}

// NewDiscovery creates a new file discovery instance. Relative
// directories are resolved against basePath.
func NewDiscovery(basePath string) *Discovery {
	return &Discovery{basePath: basePath}
}

func (d *Discovery) resolve(dir string) string {
	if filepath.IsAbs(dir) || d.basePath == "" {
		return dir
	}
	return filepath.Join(d.basePath, dir)
}

// FindArchives lists the archives directly inside dir, newest first and
// then by name. Errors wrap the os error, so a missing directory satisfies
// errors.Is(err, fs.ErrNotExist).
func (d *Discovery) FindArchives(dir string) ([]FileInfo, error) {
	fullPath := d.resolve(dir)

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", fullPath, err)
	}

	files := []FileInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !IsArchive(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Path:    filepath.Join(fullPath, entry.Name()),
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.After(files[j].ModTime)
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// Stat returns the archive called name inside dir. name must be a bare
// file name with an archive extension.
func (d *Discovery) Stat(dir, name string) (FileInfo, error) {
	if name != filepath.Base(name) || !IsArchive(name) {
		return FileInfo{}, fmt.Errorf("%q is not an archive name", name)
	}
	path := filepath.Join(d.resolve(dir), name)
	info, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	if info.IsDir() {
		return FileInfo{}, fmt.Errorf("%s is a directory", path)
	}
	return FileInfo{Path: path, Name: name, Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

// Expand replaces every directory in paths by the archives it contains,
// oldest first. Other paths are kept as given, in order.
func (d *Discovery) Expand(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(d.resolve(p))
		if err != nil || !info.IsDir() {
			out = append(out, d.resolve(p))
			continue
		}

		found, err := d.FindArchives(p)
		if err != nil {
			return nil, err
		}
		for i := len(found) - 1; i >= 0; i-- {
			out = append(out, found[i].Path)
		}
	}
	return out, nil
}
