package api

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"haruki-sekai-api/client"
	"haruki-sekai-api/config"
	"haruki-sekai-api/utils"
	"haruki-sekai-api/utils/git"
	harukiLogger "haruki-sekai-api/utils/logger"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
)

var (
	apiLogger                    = harukiLogger.NewLogger("API", "INFO", nil)
	harukiGit                    *git.HarukiGitUpdater
	HarukiSekaiManagers          map[utils.HarukiSekaiServerRegion]*client.SekaiClientManager
	HarukiSekaiRedis             *redis.Client
	HarukiSekaiUserDB            *gorm.DB
	HarukiSekaiUserJWTSigningKey *string
)

func openGorm(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if !cfg.Enabled || cfg.Driver == "" || cfg.DSN == "" {
		return nil, nil
	}
	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "mysql":
		db, err = gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	case "postgres", "postgresql":
		db, err = gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	case "sqlite", "sqlite3":
		db, err = gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	case "sqlserver", "mssql":
		db, err = gorm.Open(sqlserver.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil && cfg.MaxConnections > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	}
	return db, nil
}

func openRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       0,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

// InitAPIUtils opens the auxiliary stores and brings up one client
// manager per enabled region. A region whose manager fails to
// initialize is logged and skipped; the service still starts.
func InitAPIUtils(cfg config.Config) error {
	if cfg.Git.Enabled {
		harukiGit = git.NewHarukiGitUpdater(cfg.Git.Username, cfg.Git.Email, cfg.Git.Password, cfg.Proxy)
	}

	db, err := openGorm(cfg.Database)
	if err != nil {
		return err
	}
	HarukiSekaiUserDB = db
	if HarukiSekaiUserDB != nil {
		if err := HarukiSekaiUserDB.AutoMigrate(&SekaiUser{}, &SekaiUserServer{}); err != nil {
			return err
		}
	}

	rdb, err := openRedis(cfg.Redis)
	if err != nil {
		return err
	}
	HarukiSekaiRedis = rdb

	if cfg.Backend.SekaiUserJWTSigningKey != "" {
		HarukiSekaiUserJWTSigningKey = &cfg.Backend.SekaiUserJWTSigningKey
	}

	managers := make(map[utils.HarukiSekaiServerRegion]*client.SekaiClientManager)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for server, serverConfig := range cfg.Servers {
		if !serverConfig.Enabled {
			continue
		}
		wg.Add(1)
		go func(region utils.HarukiSekaiServerRegion, sc config.HarukiSekaiServerConfig) {
			defer wg.Done()
			mgr, err := client.NewSekaiClientManager(region, sc, cfg.AssetUpdaterServers, harukiGit, cfg.Proxy, cfg.JPSekaiCookieURL)
			if err != nil {
				apiLogger.Errorf("%s server manager construction failed: %v",
					strings.ToUpper(string(region)), err)
				return
			}
			if err := mgr.Init(context.Background()); err != nil {
				apiLogger.Errorf("%s server manager initialization failed: %v",
					strings.ToUpper(string(region)), err)
				return
			}
			mu.Lock()
			managers[region] = mgr
			mu.Unlock()
		}(server, serverConfig)
	}
	wg.Wait()
	HarukiSekaiManagers = managers
	return nil
}
