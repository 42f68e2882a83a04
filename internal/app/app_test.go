package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclerdata/internal/config"
	"cyclerdata/internal/container"
	"cyclerdata/internal/services"
	"cyclerdata/internal/shared/testutil"
	"cyclerdata/internal/synth"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ArchiveDir = t.TempDir()
	cfg.Server.RateLimit.Enabled = false
	return cfg
}

func TestNewApplication(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)

	t.Run("nil config", func(t *testing.T) {
		_, err := NewApplication(context.Background(), nil, logger)
		assert.Error(t, err)
	})

	t.Run("missing scale table", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Scale.TablePath = filepath.Join(t.TempDir(), "scales.yaml")
		_, err := NewApplication(context.Background(), cfg, logger)
		assert.ErrorContains(t, err, "scale table")
	})

	t.Run("unsupported driver", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Remote.SQLDriver = "oracle"
		cfg.Remote.SQLDSN = "whatever"
		_, err := NewApplication(context.Background(), cfg, logger)
		assert.ErrorContains(t, err, "unsupported sql driver")
	})

	t.Run("without store", func(t *testing.T) {
		app, err := NewApplication(context.Background(), testConfig(t), logger)
		require.NoError(t, err)
		t.Cleanup(func() { app.close(context.Background()) })

		assert.False(t, app.Store.Enabled())
		assert.NotNil(t, app.Router)
		assert.Equal(t, ":8080", app.Server.Addr)

		rec := httptest.NewRecorder()
		app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tests", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("with sqlite store", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Remote.SQLDSN = filepath.Join(t.TempDir(), "rig.db")
		app, err := NewApplication(context.Background(), cfg, logger)
		require.NoError(t, err)
		t.Cleanup(func() { app.close(context.Background()) })

		assert.True(t, app.Store.Enabled())
		rec := httptest.NewRecorder()
		app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tests", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestOpenStore_NoDSN(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	store, db, err := OpenStore(context.Background(), config.Default().Remote, logger)
	require.NoError(t, err)
	assert.Nil(t, store)
	assert.Nil(t, db)
}

func TestApplication_StartStop(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	cfg := testConfig(t)

	data, err := synth.ChargeRestArchive(container.KindRaw, 20, 1).Bytes()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Server.ArchiveDir, "cell.nda"), data, 0644))

	app, err := NewApplication(context.Background(), cfg, logger)
	require.NoError(t, err)
	app.Server.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.Start(ctx, cancel))

	resp, err := http.Get("http://" + app.Addr() + "/api/health/ready")
	require.NoError(t, err)
	var status services.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, status.Ready())

	resp, err = http.Get("http://" + app.Addr() + "/api/v1/archives/cell.nda")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, app.Stop(context.Background()))
	assert.NoError(t, ctx.Err(), "a clean shutdown does not cancel")

	_, err = http.Get("http://" + app.Addr() + "/api/health")
	assert.Error(t, err)
}
