package client

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"haruki-sekai-api/config"
	harukiHTTP "haruki-sekai-api/http"
	"haruki-sekai-api/utils"

	"github.com/go-git/go-git/v5"
	"github.com/go-resty/resty/v2"
	"github.com/iancoleman/orderedmap"
	"golang.org/x/sync/semaphore"
)

func (mgr *SekaiClientManager) callHarukiAssetUpdater(updaterInfo utils.HarukiAssetUpdaterInfo, payload HarukiSekaiAssetUpdaterPayload) {
	endpoint := updaterInfo.URL
	cli := resty.New()
	cli.SetTimeout(30 * time.Second)
	for {
		req := cli.R().
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", fmt.Sprintf("Haruki-Sekai-API/%s", config.Version)).
			SetBody(payload)
		if updaterInfo.Authorization != "" {
			req.SetHeader("Authorization", "Bearer "+updaterInfo.Authorization)
		}
		resp, err := req.Post(endpoint)
		if err != nil {
			mgr.Logger.Warnf("Sekai updater failed to call asset updater %s: %v", endpoint, err)
			return
		}
		if resp.StatusCode() == 409 {
			time.Sleep(1 * time.Minute)
			continue
		}
		if resp.StatusCode() != 200 {
			mgr.Logger.Warnf("Sekai updater asset updater %s returned status %d, skipped",
				endpoint, resp.StatusCode())
		}
		return
	}
}

func (mgr *SekaiClientManager) callAllHarukiAssetUpdater(assetVersion, assetHash string) {
	if len(mgr.AssetUpdaterServers) == 0 {
		return
	}
	payload := HarukiSekaiAssetUpdaterPayload{Server: mgr.Server, AssetVersion: assetVersion, AssetHash: assetHash}
	var wg sync.WaitGroup
	for _, info := range mgr.AssetUpdaterServers {
		wg.Add(1)
		go func(u utils.HarukiAssetUpdaterInfo) {
			defer wg.Done()
			mgr.callHarukiAssetUpdater(u, payload)
		}(info)
	}
	wg.Wait()
}

// CheckSekaiMasterUpdate is the cron entrypoint: compare the local
// manifest against a fresh login, notify asset updaters and pull new
// master data when the upstream moved ahead.
func (mgr *SekaiClientManager) CheckSekaiMasterUpdate() {
	ctx := context.Background()
	var requireUpdateMasterData, requireUpdateAsset bool
	var splitMasterDataList []string

	localManifest, err := mgr.VersionHelper.Load()
	if err != nil {
		mgr.Logger.Errorf("Sekai updater failed to load version file: %v", err)
		return
	}
	session, err := mgr.GetClient()
	if err != nil {
		mgr.Logger.Errorf("Sekai updater has no client available, skipped.")
		return
	}
	loginResponse, err := mgr.Login(ctx, session)
	if err != nil {
		mgr.Logger.Errorf("Sekai updater failed to login: %v", err)
		return
	}

	serverManifest := localManifest
	serverManifest.DataVersion = loginResponse.DataVersion
	serverManifest.AssetVersion = loginResponse.AssetVersion
	serverManifest.AssetHash = loginResponse.AssetHash

	if mgr.Server.IsCP() {
		isNewer, err := utils.CompareVersion(loginResponse.DataVersion, localManifest.DataVersion)
		if err != nil {
			mgr.Logger.Warnf("Sekai updater failed to compare data version: %v", err)
			return
		} else if isNewer {
			mgr.Logger.Criticalf("Sekai updater found new master data version: %s", loginResponse.DataVersion)
			if len(loginResponse.SuiteMasterSplitPath) > 0 {
				splitMasterDataList = loginResponse.SuiteMasterSplitPath
			} else {
				mgr.Logger.Warnf("Sekai updater can not find suiteMasterSplitPath")
			}
			requireUpdateMasterData = true
		}
		isNewer, err = utils.CompareVersion(loginResponse.AssetVersion, localManifest.AssetVersion)
		if err != nil {
			mgr.Logger.Warnf("Sekai updater failed to compare asset version: %v", err)
			return
		} else if isNewer {
			mgr.Logger.Criticalf("Sekai updater found new asset version: %s", loginResponse.AssetVersion)
			requireUpdateAsset = true
		}
	} else {
		serverManifest.CDNVersion = loginResponse.CDNVersion
		if localManifest.CDNVersion < loginResponse.CDNVersion {
			mgr.Logger.Criticalf("Sekai updater found new cdn version: %d", loginResponse.CDNVersion)
			requireUpdateMasterData = true
			requireUpdateAsset = true
		}
	}

	if requireUpdateAsset {
		go mgr.callAllHarukiAssetUpdater(loginResponse.AssetVersion, loginResponse.AssetHash)
	}

	if requireUpdateMasterData {
		go mgr.updateMasterData(loginResponse.DataVersion, splitMasterDataList, loginResponse.CDNVersion)
	}

	if requireUpdateMasterData || requireUpdateAsset {
		includeCDN := !mgr.Server.IsCP()
		if err := mgr.VersionHelper.Save(serverManifest, includeCDN); err != nil {
			mgr.Logger.Errorf("Sekai updater failed to save version file: %v", err)
			return
		}
		if err := mgr.VersionHelper.SaveSnapshot(serverManifest, includeCDN); err != nil {
			mgr.Logger.Errorf("Sekai updater failed to save version snapshot: %v", err)
			return
		}
		if err := mgr.refreshVersionHeaders(); err != nil {
			mgr.Logger.Warnf("Sekai updater failed to refresh version headers: %v", err)
		}
	}
}

func (mgr *SekaiClientManager) updateMasterData(dataVersion string, paths []string, cdnVersion int) {
	mgr.Logger.Infof("Sekai updater downloading new master data...")
	session, err := mgr.GetClient()
	if err != nil {
		mgr.Logger.Errorf("Sekai updater has no client available, skipped.")
		return
	}

	if mgr.Server.IsCP() {
		err = mgr.streamCPMasterData(session, paths)
	} else {
		err = mgr.streamNuverseMasterData(cdnVersion)
	}
	if err != nil {
		mgr.Logger.Errorf("Sekai updater failed to get master data: %v", err)
		return
	}

	mgr.Logger.Infof("Sekai updater saved new master data.")
	repoRoot := filepath.Dir(mgr.ServerConfig.MasterDir)
	if mgr.Git != nil {
		repo, err := git.PlainOpen(repoRoot)
		if err != nil {
			mgr.Logger.Errorf("Sekai updater failed to open git repo at %s: %v", repoRoot, err)
			return
		}
		if err := mgr.Git.PushRemote(repo, dataVersion); err != nil {
			mgr.Logger.Errorf("Sekai updater failed to push repo: %v", err)
			return
		}
		mgr.Logger.Infof("Sekai updater pushed changes to remote with data version %s", dataVersion)
	} else {
		mgr.Logger.Warnf("Sekai updater Git is not configured, skipped pushing to remote repo.")
	}

	runtime.GC()
	mgr.Logger.Debugf("Sekai updater triggered GC to free memory")
}

type masterWriteStats struct {
	mu      sync.Mutex
	written int
	failed  int
}

func (s *masterWriteStats) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed++
	} else {
		s.written++
	}
}

func (s *masterWriteStats) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written == 0 && s.failed > 0 {
		return utils.NewParseError("failed to write any master data file")
	}
	return nil
}

// streamCPMasterData fetches every suite-master split path through the
// engine, at most three in flight, and writes each table to its own
// file as it arrives.
func (mgr *SekaiClientManager) streamCPMasterData(session *SekaiSession, paths []string) error {
	if err := os.MkdirAll(mgr.ServerConfig.MasterDir, 0755); err != nil {
		return utils.NewIoError(fmt.Sprintf("failed to create master data directory: %v", err))
	}

	ctx := context.Background()
	sem := semaphore.NewWeighted(3)
	errChan := make(chan error, len(paths))
	stats := &masterWriteStats{}
	var wg sync.WaitGroup

	for _, rawPath := range paths {
		if rawPath == "" {
			continue
		}
		wg.Add(1)
		go func(rp string) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				errChan <- err
				return
			}
			defer sem.Release(1)

			p := rp
			if !strings.HasPrefix(p, "/") {
				p = "/" + p
			}

			resp, err := mgr.Get(ctx, session, p, nil)
			if err != nil {
				errChan <- fmt.Errorf("failed to get %s: %w", rp, err)
				return
			}
			result, err := mgr.handleResponseOrdered(resp)
			if err != nil {
				errChan <- fmt.Errorf("unpack master part failed: path=%s, err=%w", rp, err)
				return
			}
			om, ok := result.Data.(*orderedmap.OrderedMap)
			if !ok {
				errChan <- fmt.Errorf("unexpected master data shape at path %s", rp)
				return
			}

			for _, k := range om.Keys() {
				v, _ := om.Get(k)
				filePath := filepath.Join(mgr.ServerConfig.MasterDir, k+".json")
				saveErr := writePrettyJSON(filePath, v)
				stats.record(saveErr)
				if saveErr != nil {
					errChan <- fmt.Errorf("failed to save %s: %w", k, saveErr)
				}
				om.Delete(k)
			}
		}(rawPath)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		mgr.Logger.Errorf("Sekai updater master data error: %v", err)
	}
	return stats.result()
}

// streamNuverseMasterData fetches the single encrypted blob from the
// CDN, restores its packed tables and writes them out, at most three
// writes in flight.
func (mgr *SekaiClientManager) streamNuverseMasterData(cdnVersion int) error {
	if err := os.MkdirAll(mgr.ServerConfig.MasterDir, 0755); err != nil {
		return utils.NewIoError(fmt.Sprintf("failed to create master data directory: %v", err))
	}

	ctx := context.Background()
	blobURL := fmt.Sprintf("%s/master-data-%d.info", mgr.ServerConfig.NuverseMasterDataURL, cdnVersion)

	headers := map[string]string{}
	if parsed, err := url.Parse(blobURL); err == nil && parsed.Hostname() != "" {
		headers["Host"] = parsed.Hostname()
	}
	rawClient := &harukiHTTP.Client{Proxy: mgr.Proxy, Timeout: 60 * time.Second}
	status, _, body, err := rawClient.Request(ctx, "GET", blobURL, headers, nil)
	if err != nil {
		return utils.NewNetworkError(err.Error())
	}
	if status < 200 || status >= 300 {
		return utils.NewNetworkError(fmt.Sprintf("non-success status=%d fetching %s", status, blobURL))
	}

	masterOM, err := mgr.Cryptor.UnpackOrdered(body)
	if err != nil {
		return fmt.Errorf("unpack nuverse master info failed: %w", err)
	}

	restored, err := NuverseMasterRestorer(masterOM, mgr.ServerConfig.NuverseStructureFilePath)
	if err != nil {
		return fmt.Errorf("nuverse master restore failed: %w", err)
	}

	sem := semaphore.NewWeighted(3)
	stats := &masterWriteStats{}
	errChan := make(chan error, len(restored.Keys()))
	var wg sync.WaitGroup

	for _, key := range restored.Keys() {
		value, _ := restored.Get(key)
		wg.Add(1)
		go func(k string, v any) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				errChan <- err
				return
			}
			defer sem.Release(1)

			filePath := filepath.Join(mgr.ServerConfig.MasterDir, k+".json")
			saveErr := writePrettyJSON(filePath, v)
			stats.record(saveErr)
			if saveErr != nil {
				errChan <- fmt.Errorf("failed to save %s: %w", k, saveErr)
			}
		}(key, value)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		mgr.Logger.Errorf("Sekai updater master data error: %v", err)
	}
	return stats.result()
}
