package updater

import (
	"context"
	"strings"

	"haruki-sekai-api/client"
	"haruki-sekai-api/config"
	"haruki-sekai-api/utils"
	harukiLogger "haruki-sekai-api/utils/logger"

	"github.com/go-co-op/gocron/v2"
)

const cookieRefreshCron = "0 0 */20 * * *"

// Scheduler owns the cron jobs: per-region cookie refresh, master data
// sync and app-hash sync.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *harukiLogger.Logger
}

// NewScheduler wires jobs for every enabled region. A job whose cron
// expression fails to parse is logged and skipped; the scheduler is
// still returned usable.
func NewScheduler(
	cfg config.Config,
	managers map[utils.HarukiSekaiServerRegion]*client.SekaiClientManager,
) (*Scheduler, error) {
	logger := harukiLogger.NewLogger("Scheduler", "INFO", nil)
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sched := &Scheduler{scheduler: s, logger: logger}

	for region, serverConfig := range cfg.Servers {
		if !serverConfig.Enabled {
			continue
		}
		mgr, ok := managers[region]
		if !ok || mgr == nil {
			continue
		}
		regionTag := strings.ToUpper(string(region))

		if serverConfig.RequireCookies && mgr.CookieHelper != nil {
			sched.addCronJob(regionTag+" cookie refresh", cookieRefreshCron, func() {
				mgr.RefreshCookies(context.Background())
			})
		}

		if serverConfig.EnableMasterUpdater && serverConfig.MasterUpdaterCron != "" {
			sched.addCronJob(regionTag+" master sync", serverConfig.MasterUpdaterCron,
				mgr.CheckSekaiMasterUpdate)
		}

		if serverConfig.EnableAppHashUpdater && serverConfig.AppHashUpdaterCron != "" {
			if len(cfg.AppHashSources) == 0 {
				logger.Warnf("%s server: AppHash updater disabled: no sources configured", regionTag)
				continue
			}
			appHash := NewAppHashUpdater(region, cfg.AppHashSources, serverConfig.VersionPath, cfg.Proxy)
			sched.addCronJob(regionTag+" app hash sync", serverConfig.AppHashUpdaterCron, func() {
				if _, err := appHash.CheckAppVersion(context.Background()); err != nil {
					logger.Warnf("%s server app hash check failed: %v", regionTag, err)
				}
			})
		}
	}
	return sched, nil
}

func (s *Scheduler) addCronJob(name, cron string, task func()) {
	_, err := s.scheduler.NewJob(gocron.CronJob(cron, true), gocron.NewTask(task))
	if err != nil {
		s.logger.Errorf("Failed to schedule %s job (%q): %v", name, cron, err)
		return
	}
	s.logger.Infof("Scheduled %s job: %s", name, cron)
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}
