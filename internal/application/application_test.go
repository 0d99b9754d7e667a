package application

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"backup-orchestrator/internal/api"
	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/logging"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenantsYAML = `tenants:
  - tenant_id: acme
    tenant_name: Acme Corp
    frequency: daily
    scheduled_time: "02:00"
  - tenant_id: paused
    enabled: false
    frequency: weekly
    scheduled_time: "03:30"
`

type staticExporter struct{}

func (staticExporter) ExportSnapshot(ctx context.Context, tenant backup.BackupConfig) (backup.Snapshot, error) {
	envelope := backup.SnapshotEnvelope{
		TenantID:   tenant.TenantID,
		TenantName: tenant.TenantName,
		CreatedAt:  time.Now().UTC(),
		Version:    backup.SnapshotVersion,
		Tables: map[string][]map[string]interface{}{
			"users":  {{"id": 1, "name": "alice"}, {"id": 2, "name": "bob"}},
			"orders": {{"id": 10, "total": 42.5}},
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return backup.Snapshot{}, err
	}
	return backup.Snapshot{Data: data, ExpectedRows: envelope.RowCount()}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	tenants := filepath.Join(dir, "tenants.yaml")
	require.NoError(t, os.WriteFile(tenants, []byte(tenantsYAML), 0600))

	cfg := config.Default()
	cfg.Storage.RootDir = filepath.Join(dir, "backups")
	cfg.Tenants.File = tenants
	cfg.Store.Driver = config.StoreMemory
	cfg.Audit.File = filepath.Join(dir, "logs", "audit.log")
	cfg.API.Address = "127.0.0.1:0"
	cfg.Scheduler.InitialDelay = -1
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	app, err := New(context.Background(), cfg, Options{
		Logger:   logging.NewDiscardLogger(),
		Exporter: staticExporter{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

func TestNew(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	assert.NotNil(t, app.Scheduler())
	assert.NotNil(t, app.Store())
	assert.NotNil(t, app.Provider())
	assert.NotNil(t, app.Retention())
	assert.NotNil(t, app.Validator())
	assert.NotNil(t, app.Logger())
	assert.False(t, app.Scheduler().IsActive())

	configs, err := app.Provider().All(context.Background())
	require.NoError(t, err)
	assert.Len(t, configs, 2)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		opts   Options
	}{
		{
			name:   "unknown store driver",
			mutate: func(cfg *config.Config) { cfg.Store.Driver = "postgres" },
			opts:   Options{Exporter: staticExporter{}},
		},
		{
			name:   "sql tenant source without database",
			mutate: func(cfg *config.Config) { cfg.Tenants.Source = config.SourceSQL },
			opts:   Options{Exporter: staticExporter{}},
		},
		{
			name:   "exporter without database",
			mutate: func(cfg *config.Config) {},
		},
		{
			name:   "bad timezone",
			mutate: func(cfg *config.Config) { cfg.Scheduler.Timezone = "Mars/Olympus" },
			opts:   Options{Exporter: staticExporter{}},
		},
		{
			name:   "unsupported compression",
			mutate: func(cfg *config.Config) { cfg.Storage.Compression = "rar" },
			opts:   Options{Exporter: staticExporter{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			tt.opts.Logger = logging.NewDiscardLogger()

			app, err := New(context.Background(), cfg, tt.opts)
			require.Error(t, err)
			assert.Nil(t, app)
		})
	}
}

func TestApplication_ServeAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	app := newTestApp(t, cfg)

	require.NoError(t, app.Start(context.Background()))
	require.NotEmpty(t, app.Addr())
	assert.True(t, app.Scheduler().IsActive())

	client := resty.New().SetBaseURL("http://" + app.Addr()).SetTimeout(10 * time.Second)

	var run api.RunResponse
	resp, err := client.R().SetResult(&run).Post("/api/tenants/acme/backup")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), resp.String())
	require.NotNil(t, run.Record)
	assert.Equal(t, backup.BackupStatusSucceeded, run.Record.Status)
	assert.Equal(t, backup.TriggerManual, run.Record.Trigger)
	assert.Equal(t, 3, run.Record.ExpectedRows)
	assert.FileExists(t, run.Record.FilePath)

	var record api.RecordResponse
	resp, err = client.R().SetResult(&record).Get("/api/records/" + run.Record.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	require.NotNil(t, record.Validation)
	assert.True(t, record.Validation.IsValid())

	resp, err = client.R().Post("/api/tenants/ghost/backup")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())

	var status backup.SchedulerStatus
	resp, err = client.R().SetResult(&status).Get("/api/scheduler/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.True(t, status.Active)

	resp, err = client.R().Get("/metrics")
	require.NoError(t, err)
	assert.Contains(t, resp.String(), "backup_runs_total")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
	assert.False(t, app.Scheduler().IsActive())

	_, err = client.R().Get("/healthz")
	assert.Error(t, err)

	assert.FileExists(t, cfg.Audit.File)
}

func TestApplication_SQLiteStorePersists(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "data", "orchestrator.db")
	cfg.API.Enabled = false

	app := newTestApp(t, cfg)
	record, err := app.Scheduler().RunTenant(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, backup.BackupStatusSucceeded, record.Status)
	require.NoError(t, app.Close())
	require.NoError(t, app.Close())

	reopened := newTestApp(t, cfg)
	stored, err := reopened.Store().GetRecord(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", stored.TenantID)
	assert.Equal(t, record.Checksum, stored.Checksum)
}

func TestApplication_StartWithoutAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = false
	app := newTestApp(t, cfg)

	require.NoError(t, app.Start(context.Background()))
	assert.Empty(t, app.Addr())
	assert.ErrorIs(t, app.Scheduler().Start(), backup.ErrSchedulerRunning)
	require.NoError(t, app.Shutdown(context.Background()))
}
