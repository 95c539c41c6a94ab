package config

import (
	"os"
	"path/filepath"
	"testing"

	"haruki-sekai-api/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFromYAML(t *testing.T, yamlContent string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "haruki-sekai-configs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))
	t.Setenv("CONFIG_PATH", path)
	return LoadConfig()
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadFromYAML(t, `
backend: {}
servers:
  jp:
    enabled: true
    api_url: https://example.com
`)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Backend.Host)
	assert.Equal(t, 9999, cfg.Backend.Port)
	assert.Equal(t, "info", cfg.Backend.LogLevel)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)

	jp, ok := cfg.Servers[utils.HarukiSekaiServerRegionJP]
	require.True(t, ok)
	assert.True(t, jp.Enabled)
	assert.Equal(t, "https://example.com", jp.APIURL)
}

func TestLoadConfigFullServerBlock(t *testing.T) {
	cfg, err := loadFromYAML(t, `
proxy: socks5://localhost:1080
git:
  enabled: true
  username: bot
  email: bot@example.com
  password: secret
servers:
  tw:
    enabled: true
    api_url: https://tw.example.com
    nuverse_master_data_url: https://tw.example.com/master
    nuverse_structure_file_path: /data/structures.json
    aes_key_hex: "000102030405060708090a0b0c0d0e0f"
    aes_iv_hex: "101112131415161718191a1b1c1d1e1f"
    enable_master_updater: true
    master_updater_cron: "0 */10 * * * *"
apphash_sources:
  - type: file
    dir: /data/apphash
  - type: url
    url: https://hashes.example.com/{region}.json
`)
	require.NoError(t, err)

	assert.Equal(t, "socks5://localhost:1080", cfg.Proxy)
	assert.True(t, cfg.Git.Enabled)

	tw := cfg.Servers[utils.HarukiSekaiServerRegionTW]
	assert.Equal(t, "https://tw.example.com/master", tw.NuverseMasterDataURL)
	assert.Equal(t, "0 */10 * * * *", tw.MasterUpdaterCron)

	require.Len(t, cfg.AppHashSources, 2)
	assert.Equal(t, utils.HarukiSekaiAppHashSourceTypeFile, cfg.AppHashSources[0].Type)
	assert.Equal(t, utils.HarukiSekaiAppHashSourceTypeUrl, cfg.AppHashSources[1].Type)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := loadFromYAML(t, `
backend: {}
some_typo_key: true
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfigRejectsInvalidRegion(t *testing.T) {
	_, err := loadFromYAML(t, `
servers:
  us:
    enabled: true
`)
	require.Error(t, err)
	assert.True(t, utils.IsErrorKind(err, utils.ErrKindInvalidServerRegion))
}

func TestLoadConfigRejectsInvalidAppHashSourceType(t *testing.T) {
	_, err := loadFromYAML(t, `
apphash_sources:
  - type: ftp
    url: ftp://example.com
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid app hash source type: ftp")
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open config file")
}
