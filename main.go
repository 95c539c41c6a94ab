package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"haruki-sekai-api/api"
	"haruki-sekai-api/config"
	"haruki-sekai-api/updater"
	harukiLogger "haruki-sekai-api/utils/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

func main() {
	if _, err := config.LoadConfig(); err != nil {
		bootLogger := harukiLogger.NewLogger("Main", "info", os.Stdout)
		bootLogger.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}

	var logFile *os.File
	var loggerWriter io.Writer = os.Stdout
	if config.Cfg.Backend.MainLogFile != "" {
		var err error
		logFile, err = os.OpenFile(config.Cfg.Backend.MainLogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			mainLogger := harukiLogger.NewLogger("Main", config.Cfg.Backend.LogLevel, os.Stdout)
			mainLogger.Errorf("failed to open main log file: %v", err)
			os.Exit(1)
		}
		loggerWriter = io.MultiWriter(os.Stdout, logFile)
		defer logFile.Close()
	}
	mainLogger := harukiLogger.NewLogger("Main", config.Cfg.Backend.LogLevel, loggerWriter)
	mainLogger.Infof("========================= Haruki Sekai API %s =========================", config.Version)
	mainLogger.Infof("Powered By Haruki Dev Team")

	if err := api.InitAPIUtils(config.Cfg); err != nil {
		mainLogger.Errorf("failed to initialize API utils: %v", err)
		os.Exit(1)
	}

	scheduler, err := updater.NewScheduler(config.Cfg, api.HarukiSekaiManagers)
	if err != nil {
		mainLogger.Warnf("failed to build scheduler: %v", err)
	} else {
		scheduler.Start()
	}

	app := fiber.New(fiber.Config{
		BodyLimit:               30 * 1024 * 1024,
		EnableTrustedProxyCheck: config.Cfg.Backend.EnableTrustProxy,
		TrustedProxies:          config.Cfg.Backend.TrustedProxies,
		ProxyHeader:             config.Cfg.Backend.ProxyHeader,
	})

	if config.Cfg.Backend.AccessLog != "" {
		logCfg := logger.Config{Format: config.Cfg.Backend.AccessLog, Output: loggerWriter}
		if config.Cfg.Backend.AccessLogPath != "" {
			accessLogFile, err := os.OpenFile(config.Cfg.Backend.AccessLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				mainLogger.Errorf("failed to open access log file: %v", err)
				os.Exit(1)
			}
			defer accessLogFile.Close()
			logCfg.Output = accessLogFile
		}
		app.Use(logger.New(logCfg))
	}

	api.RegisterRoutes(app)

	addr := fmt.Sprintf("%s:%d", config.Cfg.Backend.Host, config.Cfg.Backend.Port)
	go func() {
		var err error
		if config.Cfg.Backend.SSL {
			err = app.ListenTLS(addr, config.Cfg.Backend.SSLCert, config.Cfg.Backend.SSLKey)
		} else {
			err = app.Listen(addr)
		}
		if err != nil {
			mainLogger.Errorf("server stopped: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	mainLogger.Infof("Shutting down...")
	if scheduler != nil {
		if err := scheduler.Shutdown(); err != nil {
			mainLogger.Warnf("scheduler shutdown error: %v", err)
		}
	}
	for _, mgr := range api.HarukiSekaiManagers {
		mgr.Shutdown()
	}
	if err := app.Shutdown(); err != nil {
		mainLogger.Warnf("server shutdown error: %v", err)
	}
	mainLogger.Infof("Bye.")
}
