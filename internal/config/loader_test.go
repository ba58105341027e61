package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Address())
	assert.Equal(t, 4, cfg.Scheduler.MaxCommandsPerHost)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.DefaultCommandTimeout)
	assert.Equal(t, "@daily", cfg.Housekeeping.Schedule)
	assert.Equal(t, "kadmin", cfg.Kerberos.KDC.KadminPath)
}

func TestLoad_FileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
scheduler:
  tick_interval: 250ms
  max_commands_per_host: 2
role_order:
  sections: [namenode_optional_ha]
kerberos:
  default_realm: CORP.LOCAL
  kdc:
    host: kdc.corp.local
`))
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, 2, cfg.Scheduler.MaxCommandsPerHost)
	assert.Equal(t, []string{"namenode_optional_ha"}, cfg.RoleOrder.Sections)
	assert.Equal(t, "CORP.LOCAL", cfg.Kerberos.DefaultRealm)
	assert.Equal(t, "kdc.corp.local", cfg.Kerberos.KDC.Host)
	assert.Equal(t, 22, cfg.Kerberos.KDC.Port)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CLUSTERD_SCHEDULER_MAX_COMMANDS_PER_HOST", "7")
	cfg, err := Load(writeConfig(t, "scheduler:\n  max_commands_per_host: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.MaxCommandsPerHost)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "scheduler:\n  max_commands_per_host: 0\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "clusterd", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=clusterd sslmode=disable", d.DSN())
}
