package config

import (
	"fmt"
	"os"

	"haruki-sekai-api/utils"

	"gopkg.in/yaml.v3"
)

const Version = "v3.1.0"

const defaultConfigPath = "haruki-sekai-configs.yaml"

type GitConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

type DatabaseConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	MaxConnections int    `yaml:"max_connections"`
}

type BackendConfig struct {
	Host                   string   `yaml:"host"`
	Port                   int      `yaml:"port"`
	SSL                    bool     `yaml:"ssl"`
	SSLCert                string   `yaml:"ssl_cert"`
	SSLKey                 string   `yaml:"ssl_key"`
	LogLevel               string   `yaml:"log_level"`
	MainLogFile            string   `yaml:"main_log_file"`
	AccessLog              string   `yaml:"access_log"`
	AccessLogPath          string   `yaml:"access_log_path"`
	SekaiUserJWTSigningKey string   `yaml:"sekai_user_jwt_signing_key"`
	EnableTrustProxy       bool     `yaml:"enable_trust_proxy"`
	TrustedProxies         []string `yaml:"trusted_proxies"`
	ProxyHeader            string   `yaml:"proxy_header"`
}

type HarukiSekaiServerConfig struct {
	Enabled                  bool              `yaml:"enabled"`
	MasterDir                string            `yaml:"master_dir"`
	VersionPath              string            `yaml:"version_path"`
	AccountDir               string            `yaml:"account_dir"`
	APIURL                   string            `yaml:"api_url"`
	NuverseMasterDataURL     string            `yaml:"nuverse_master_data_url"`
	NuverseStructureFilePath string            `yaml:"nuverse_structure_file_path"`
	RequireCookies           bool              `yaml:"require_cookies"`
	Headers                  map[string]string `yaml:"headers"`
	AESKeyHex                string            `yaml:"aes_key_hex"`
	AESIVHex                 string            `yaml:"aes_iv_hex"`
	EnableMasterUpdater      bool              `yaml:"enable_master_updater"`
	MasterUpdaterCron        string            `yaml:"master_updater_cron"`
	EnableAppHashUpdater     bool              `yaml:"enable_app_hash_updater"`
	AppHashUpdaterCron       string            `yaml:"app_hash_updater_cron"`
}

type Config struct {
	Proxy               string                                                       `yaml:"proxy"`
	JPSekaiCookieURL    string                                                       `yaml:"jp_sekai_cookie_url"`
	Git                 GitConfig                                                    `yaml:"git"`
	Redis               RedisConfig                                                  `yaml:"redis"`
	Backend             BackendConfig                                                `yaml:"backend"`
	Database            DatabaseConfig                                               `yaml:"database"`
	AppHashSources      []utils.HarukiSekaiAppHashSource                             `yaml:"apphash_sources"`
	AssetUpdaterServers []utils.HarukiAssetUpdaterInfo                               `yaml:"asset_updater_servers"`
	Servers             map[utils.HarukiSekaiServerRegion]HarukiSekaiServerConfig    `yaml:"servers"`
}

var Cfg Config

// LoadConfig reads the YAML config from CONFIG_PATH (falling back to
// haruki-sekai-configs.yaml in the working directory), validates it and
// stores it in Cfg.
func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	Cfg = cfg
	return &Cfg, nil
}

func (c *Config) validate() error {
	for region := range c.Servers {
		if _, err := utils.ParseSekaiServerRegion(string(region)); err != nil {
			return err
		}
	}
	for _, src := range c.AppHashSources {
		switch src.Type {
		case utils.HarukiSekaiAppHashSourceTypeFile, utils.HarukiSekaiAppHashSourceTypeUrl:
		default:
			return fmt.Errorf("invalid app hash source type: %s", src.Type)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Backend.Host == "" {
		c.Backend.Host = "0.0.0.0"
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 9999
	}
	if c.Backend.LogLevel == "" {
		c.Backend.LogLevel = "info"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
}
