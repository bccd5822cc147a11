package modrt

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1, cfg.BeginningStartLevel)
	assert.Equal(t, 1, cfg.InitialBundleStartLevel)
	assert.Equal(t, 5*time.Second, cfg.StateChangeTimeout)
	assert.Equal(t, 1024, cfg.EventQueueSize)
	assert.Equal(t, []string{"GO-1.22"}, cfg.ExecutionEnvironments)
	assert.Equal(t, SingletonPolicyFirst, cfg.SingletonPolicy)
	assert.NotEmpty(t, cfg.OSName)
	assert.NotEmpty(t, cfg.Processor)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		target error
	}{
		{"start level", func(c *Config) { c.InitialBundleStartLevel = 0 }, ErrInvalidStartLevel},
		{"timeout", func(c *Config) { c.StateChangeTimeout = -time.Second }, nil},
		{"queue", func(c *Config) { c.EventQueueSize = 0 }, nil},
		{"singleton policy", func(c *Config) { c.SingletonPolicy = "last" }, ErrUnknownSingletonPolicy},
		{"execution environment", func(c *Config) { c.ExecutionEnvironments = []string{"GO"} }, ErrConfigValidationFailed},
		{"refresh schedule", func(c *Config) { c.RefreshSchedule = "every now and then" }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestParseExecutionEnvironments(t *testing.T) {
	cfg := &Config{ExecutionEnvironments: []string{"GO-1.22", "Go-Lite-2.0"}}
	envs, err := cfg.ParseExecutionEnvironments()
	require.NoError(t, err)
	assert.Equal(t, []ExecutionEnvironment{{Name: "GO", Version: "1.22"}, {Name: "Go-Lite", Version: "2.0"}}, envs)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "modrt.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
storageDir: /var/lib/modrt
beginningStartLevel: 3
stateChangeTimeout: 2s
singletonPolicy: highest
properties:
  team: platform
`), 0o600))
	tomlPath := filepath.Join(dir, "override.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("eventQueueSize = 16\nrefreshSchedule = \"*/5 * * * *\"\n"), 0o600))

	t.Setenv("MODRT_BEGINNING_START_LEVEL", "4")
	t.Setenv("MODRT_EXECUTION_ENVIRONMENTS", "GO-1.22, GO-1.23")

	cfg, err := LoadConfig(yamlPath, tomlPath, filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/modrt", cfg.StorageDir)
	assert.Equal(t, 4, cfg.BeginningStartLevel, "environment wins over files")
	assert.Equal(t, 1, cfg.InitialBundleStartLevel)
	assert.Equal(t, 2*time.Second, cfg.StateChangeTimeout)
	assert.Equal(t, SingletonPolicyHighest, cfg.SingletonPolicy)
	assert.Equal(t, 16, cfg.EventQueueSize)
	assert.Equal(t, "*/5 * * * *", cfg.RefreshSchedule)
	assert.Equal(t, []string{"GO-1.22", "GO-1.23"}, cfg.ExecutionEnvironments)
	assert.Equal(t, map[string]string{"team": "platform"}, cfg.Properties)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("beginningStartLevel: [\n"), 0o600))
	_, err := LoadConfig(broken)
	assert.ErrorIs(t, err, ErrConfigFeederError)

	t.Setenv("MODRT_SINGLETON_POLICY", "random")
	_, err = LoadConfig()
	assert.ErrorIs(t, err, ErrUnknownSingletonPolicy)
}

func TestGenerateSampleConfig(t *testing.T) {
	data, err := GenerateSampleConfig(&Config{}, "yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "singletonPolicy: first")

	data, err = GenerateSampleConfig(&Config{}, "toml")
	require.NoError(t, err)
	assert.Contains(t, string(data), `singletonPolicy = "first"`)

	_, err = GenerateSampleConfig(&Config{}, "ini")
	assert.ErrorIs(t, err, ErrUnsupportedFormatType)
	_, err = GenerateSampleConfig(Config{}, "yaml")
	assert.ErrorIs(t, err, ErrConfigNotPointer)

	path := filepath.Join(t.TempDir(), "sample.yaml")
	require.NoError(t, SaveSampleConfig(&Config{}, "yaml", path))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, SingletonPolicyFirst, loaded.SingletonPolicy)
}

func TestDescribeConfig(t *testing.T) {
	desc := DescribeConfig(&Config{})
	assert.Contains(t, desc["RefreshSchedule"], "Cron")
	assert.NotContains(t, desc, "missing")
}

type requiredConfig struct {
	Name  string `required:"true"`
	Inner struct {
		Port int `required:"true" default:"8080"`
	}
}

func TestValidateConfigRequired(t *testing.T) {
	cfg := &requiredConfig{}
	err := ValidateConfig(cfg)
	require.ErrorIs(t, err, ErrConfigRequiredFieldMissing)
	assert.Contains(t, err.Error(), "Name")
	assert.Equal(t, 8080, cfg.Inner.Port)

	cfg.Name = "x"
	require.NoError(t, ValidateConfig(cfg))
	assert.ErrorIs(t, ValidateConfig(nil), ErrConfigNil)
}
