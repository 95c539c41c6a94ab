package updater

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"haruki-sekai-api/utils"
	harukiLogger "haruki-sekai-api/utils/logger"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/iancoleman/orderedmap"
)

// AppHashUpdater tracks one region's app version/hash pair against a
// list of external sources and patches the region's version manifest
// when a source moves ahead.
type AppHashUpdater struct {
	region      utils.HarukiSekaiServerRegion
	sources     []utils.HarukiSekaiAppHashSource
	versionPath string
	httpClient  *resty.Client
	logger      *harukiLogger.Logger
}

func NewAppHashUpdater(
	region utils.HarukiSekaiServerRegion,
	sources []utils.HarukiSekaiAppHashSource,
	versionPath string,
	proxy string,
) *AppHashUpdater {
	cli := resty.New()
	cli.SetTimeout(10 * time.Second)
	if proxy != "" {
		cli.SetProxy(proxy)
	}
	return &AppHashUpdater{
		region:      region,
		sources:     sources,
		versionPath: versionPath,
		httpClient:  cli,
		logger:      harukiLogger.NewLogger("HarukiAppHashUpdater", "INFO", nil),
	}
}

// fetchFromSource reads one source; a nil result without error means the
// source had nothing usable for this region.
func (a *AppHashUpdater) fetchFromSource(ctx context.Context, source utils.HarukiSekaiAppHashSource) (*utils.HarukiSekaiAppInfo, error) {
	switch source.Type {
	case utils.HarukiSekaiAppHashSourceTypeFile:
		path := filepath.Join(source.Dir, strings.ToLower(string(a.region))+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, utils.NewIoError(err.Error())
		}
		var app utils.HarukiSekaiAppInfo
		if err := sonic.Unmarshal(data, &app); err != nil {
			return nil, nil
		}
		return &app, nil

	case utils.HarukiSekaiAppHashSourceTypeUrl:
		url := strings.ReplaceAll(source.URL, "{region}", strings.ToLower(string(a.region)))
		resp, err := a.httpClient.R().SetContext(ctx).Get(url)
		if err != nil {
			return nil, utils.NewNetworkError(err.Error())
		}
		if resp.StatusCode() != 200 {
			return nil, nil
		}
		var app utils.HarukiSekaiAppInfo
		if err := sonic.Unmarshal(resp.Body(), &app); err != nil {
			return nil, nil
		}
		return &app, nil
	}
	return nil, nil
}

// remoteAppInfo walks the sources in order and takes the first one that
// yields an answer.
func (a *AppHashUpdater) remoteAppInfo(ctx context.Context) *utils.HarukiSekaiAppInfo {
	for _, source := range a.sources {
		app, err := a.fetchFromSource(ctx, source)
		if err != nil {
			a.logger.Warnf("%s server app hash source error: %v", strings.ToUpper(string(a.region)), err)
			continue
		}
		if app != nil && app.AppVersion != "" {
			return app
		}
	}
	return nil
}

func (a *AppHashUpdater) currentAppInfo() *utils.HarukiSekaiAppInfo {
	data, err := os.ReadFile(a.versionPath)
	if err != nil {
		return nil
	}
	var app utils.HarukiSekaiAppInfo
	if err := sonic.Unmarshal(data, &app); err != nil {
		return nil
	}
	return &app
}

var appHashFileJSON = sonic.Config{EscapeHTML: false}.Froze()

// saveAppInfo patches appVersion and appHash in the version manifest,
// leaving every other key in place.
func (a *AppHashUpdater) saveAppInfo(app *utils.HarukiSekaiAppInfo) error {
	om := orderedmap.New()
	om.SetEscapeHTML(false)
	if data, err := os.ReadFile(a.versionPath); err == nil {
		_ = sonic.Unmarshal(data, om)
	}
	om.Set("appVersion", app.AppVersion)
	om.Set("appHash", app.AppHash)

	if err := os.MkdirAll(filepath.Dir(a.versionPath), 0755); err != nil {
		return utils.NewIoError(err.Error())
	}
	raw, err := appHashFileJSON.MarshalIndent(om, "", "  ")
	if err != nil {
		return utils.NewParseError(err.Error())
	}
	if err := os.WriteFile(a.versionPath, raw, 0644); err != nil {
		return utils.NewIoError(err.Error())
	}
	return nil
}

// CheckAppVersion is the cron entrypoint. The manifest is updated when
// either the version or the hash differs from the freshest source.
func (a *AppHashUpdater) CheckAppVersion(ctx context.Context) (bool, error) {
	regionTag := strings.ToUpper(string(a.region))

	remote := a.remoteAppInfo(ctx)
	if remote == nil {
		a.logger.Warnf("%s server: no app hash source yielded a version", regionTag)
		return false, nil
	}
	local := a.currentAppInfo()
	if local == nil {
		a.logger.Warnf("%s server: local version manifest unavailable at %s", regionTag, a.versionPath)
		return false, nil
	}

	if remote.AppVersion == local.AppVersion && remote.AppHash == local.AppHash {
		a.logger.Infof("%s server no new app version found", regionTag)
		return false, nil
	}

	a.logger.Infof("%s server found new app version: %s, saving new app hash...", regionTag, remote.AppVersion)
	if err := a.saveAppInfo(remote); err != nil {
		a.logger.Warnf("%s server failed to save new app hash: %v", regionTag, err)
		return false, fmt.Errorf("save app hash: %w", err)
	}
	a.logger.Infof("%s server saved new app hash", regionTag)
	return true, nil
}
