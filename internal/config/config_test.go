package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("endpoint", "", "")
	flags.String("bucket", "", "")
	flags.String("access-key", "", "")
	flags.String("secret-key", "", "")
	flags.Int64("part-size", 0, "")
	flags.Int("concurrency", 4, "")
	flags.Duration("part-timeout", 0, "")
	flags.StringSlice("exclude", nil, "")
	flags.String("log-level", "info", "")
	return flags
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
storage:
  endpoint: play.min.io:9000
  bucket: backups
  access_key: AKIA
  secret_key: secret
transfer:
  part_size: 16777216
  concurrency: 8
  part_timeout: 2m
sync:
  interval: 30s
  conflict_policy: overwrite
  exclude: ["*.tmp"]
log_level: debug
`

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML), newFlags())
	require.NoError(t, err)

	assert.Equal(t, "minio", cfg.Storage.Provider)
	assert.Equal(t, "play.min.io:9000", cfg.Storage.Endpoint)
	assert.Equal(t, int64(16<<20), cfg.Transfer.PartSize)
	assert.Equal(t, 8, cfg.Transfer.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Transfer.PartTimeout)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, "overwrite", cfg.Sync.ConflictPolicy)
	assert.Equal(t, []string{"*.tmp"}, cfg.Sync.Exclude)
	assert.Equal(t, "debug", cfg.LogLevel)

	// untouched defaults survive
	assert.Equal(t, 16, cfg.Transfer.MaxConcurrentParts)
	assert.Equal(t, 10*time.Minute, cfg.Sync.RemoteCacheTTL)
	assert.True(t, cfg.Transfer.VerifyChecksums)
}

func TestFlagsOverrideFile(t *testing.T) {
	flags := newFlags()
	require.NoError(t, flags.Parse([]string{
		"--concurrency=2",
		"--part-timeout=90s",
		"--exclude=*.iso,*.vmdk",
	}))

	cfg, err := Load(writeConfig(t, validYAML), flags)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Transfer.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Transfer.PartTimeout)
	assert.Equal(t, []string{"*.iso", "*.vmdk"}, cfg.Sync.Exclude)
	assert.Equal(t, "debug", cfg.LogLevel, "unset flag keeps file value")
}

func TestEnvironmentCredentials(t *testing.T) {
	t.Setenv(EnvAccessKey, "env-access")
	t.Setenv(EnvSecretKey, "env-secret")

	flags := newFlags()
	require.NoError(t, flags.Parse([]string{"--access-key=flag-access"}))

	cfg, err := Load(writeConfig(t, validYAML), flags)
	require.NoError(t, err)
	assert.Equal(t, "env-access", cfg.Storage.AccessKey)
	assert.Equal(t, "env-secret", cfg.Storage.SecretKey)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"small part size", []string{"--part-size=1048576"}, "part size must be at least 5MB"},
		{"zero concurrency", []string{"--concurrency=0"}, "concurrency must be positive"},
		{"missing bucket", []string{"--bucket="}, "bucket is required"},
		{"missing endpoint", []string{"--endpoint="}, "storage endpoint is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := newFlags()
			require.NoError(t, flags.Parse(tt.args))

			_, err := Load(writeConfig(t, validYAML), flags)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUnknownConflictPolicy(t *testing.T) {
	path := writeConfig(t, `
storage:
  provider: s3
  bucket: backups
sync:
  conflict_policy: merge
`)
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict policy")
}

func TestShortLeaseTTL(t *testing.T) {
	path := writeConfig(t, `
storage:
  provider: s3
  bucket: backups
transfer:
  lease_ttl: 200ms
`)
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease ttl")
}

func TestS3ProviderNeedsNoStaticKeys(t *testing.T) {
	path := writeConfig(t, `
storage:
  provider: s3
  bucket: backups
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.Storage.Provider)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}
