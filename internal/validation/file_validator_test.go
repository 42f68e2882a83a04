package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclerdata/internal/shared/testutil"
)

func TestValidateArchive(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	v := NewFileValidator(logger)
	dir := t.TempDir()

	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0644))
		return path
	}
	good := write("run.nda", []byte("NDA"))
	empty := write("empty.ndax", nil)
	text := write("notes.txt", []byte("x"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder.nda"), 0755))

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"valid", good, ""},
		{"missing", filepath.Join(dir, "none.nda"), "does not exist"},
		{"directory", filepath.Join(dir, "folder.nda"), "is a directory"},
		{"wrong extension", text, "is not an archive"},
		{"empty", empty, "is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateArchive(tt.path)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.Error(t, v.ValidateArchives(nil))
	assert.Error(t, v.ValidateArchives([]string{good, text}))
	assert.NoError(t, v.ValidateArchives([]string{good}))
}

func TestValidateOutputDirectory(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	v := NewFileValidator(logger)

	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, v.ValidateOutputDirectory(dir))
	assert.DirExists(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary file is removed")

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	assert.Error(t, v.ValidateOutputDirectory(filepath.Join(file, "sub")))
}
