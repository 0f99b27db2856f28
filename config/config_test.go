package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	// an empty directory has no config.yaml to pick up
	chdir(t, t.TempDir())

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "clinic.db", cfg.Database.Path)
	rate, err := cfg.CommissionRate()
	require.NoError(t, err)
	assert.Equal(t, "0.1", rate.String())
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: a config file and an env override for one of its keys
	dir := t.TempDir()
	file := filepath.Join(dir, "clinic.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  address: ":9090"
database:
  path: /var/lib/clinic/clinic.db
commission:
  rate: "0.05"
logging:
  format: console
`), 0o600))
	t.Setenv("CLINIC_COMMISSION_RATE", "0.12")

	// WHEN
	cfg, err := Load(file)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "/var/lib/clinic/clinic.db", cfg.Database.Path)
	assert.Equal(t, "console", cfg.Logging.Format)
	rate, err := cfg.CommissionRate()
	require.NoError(t, err)
	assert.Equal(t, "0.12", rate.String())
}

func TestLoad_CORSOriginsFromEnv(t *testing.T) {
	chdir(t, t.TempDir())

	for name, value := range map[string]string{
		"space separated": "http://a.example http://b.example",
		"comma separated": "http://a.example,http://b.example",
		"mixed":           " http://a.example, http://b.example ",
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CLINIC_SERVER_CORS_ORIGINS", value)

			cfg, err := Load("")

			require.NoError(t, err)
			assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Server.CORSOrigins)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Server:     ServerConfig{Address: ":8080"},
		Database:   DatabaseConfig{Path: ":memory:"},
		Commission: CommissionConfig{Rate: "0.10"},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(c *Config){
		"rate above one":  func(c *Config) { c.Commission.Rate = "1.5" },
		"negative rate":   func(c *Config) { c.Commission.Rate = "-0.1" },
		"rate not number": func(c *Config) { c.Commission.Rate = "ten percent" },
		"bad level":       func(c *Config) { c.Logging.Level = "loud" },
		"bad format":      func(c *Config) { c.Logging.Format = "xml" },
		"no database":     func(c *Config) { c.Database.Path = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
