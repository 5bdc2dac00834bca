package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurrence-engine/config"
	"github.com/warp/recurrence-engine/recurrence"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, config.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 12, cfg.HorizonMonths)
	assert.Equal(t, 90, cfg.LookbackDays)
	assert.Equal(t, "@every 1h", cfg.MaintenanceCron)
	assert.Equal(t, recurrence.ElapsedRemove, cfg.EngineOptions().ElapsedPolicy)
}

func TestLoad_Precedence(t *testing.T) {
	// GIVEN: A YAML file, a .env file and a RECUR_ variable
	// WHEN: Loading
	// THEN: The environment beats .env, which beats the file

	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "recur.yaml", `
port: 9000
horizon_months: 6
timezone: Europe/Paris
log_level: debug
`)
	writeFile(t, dir, ".env", "RECUR_ITERATION_CAP=500\nRECUR_WORKERS=2\n")
	t.Setenv("RECUR_WORKERS", "8")
	// godotenv sets process variables.
	t.Cleanup(func() { os.Unsetenv("RECUR_ITERATION_CAP") })

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port, "from file")
	assert.Equal(t, 6, cfg.HorizonMonths, "from file")
	assert.Equal(t, 500, cfg.IterationCap, "from .env")
	assert.Equal(t, 8, cfg.Workers, "environment wins over .env")
	assert.Equal(t, "Europe/Paris", cfg.Location().String())

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_Rejections(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "unknown key", yaml: "prot: 80\n"},
		{name: "unknown driver", yaml: "db_driver: mongo\n"},
		{name: "postgres without url", yaml: "db_driver: postgres\n"},
		{name: "bad policy", yaml: "elapsed_policy: archive\n"},
		{name: "bad timezone", yaml: "timezone: Mars/Olympus\n"},
		{name: "zero horizon", yaml: "horizon_months: 0\n"},
		{name: "caldav without collection", yaml: "caldav_url: https://dav.example.com\n"},
		{name: "non-numeric env", env: map[string]string{"RECUR_PORT": "eighty"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, t.TempDir(), "recur.yaml", tt.yaml)
			}
			_, err := config.Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
