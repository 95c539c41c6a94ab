package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"haruki-sekai-api/config"
	"haruki-sekai-api/utils"
	"haruki-sekai-api/utils/git"
	harukiLogger "haruki-sekai-api/utils/logger"

	"github.com/bytedance/sonic"
	"github.com/fsnotify/fsnotify"
	"github.com/go-resty/resty/v2"
	"github.com/iancoleman/orderedmap"
)

const reloadDebounce = 2 * time.Second

type orderedResult struct {
	Data   any
	Status int
}

// SekaiClientManager owns everything one region needs: the crypto
// codec, the shared header book, the session pool and its hot reload,
// and the recovery state machine.
type SekaiClientManager struct {
	Server              utils.HarukiSekaiServerRegion
	ServerConfig        config.HarukiSekaiServerConfig
	Cryptor             *SekaiCryptor
	VersionHelper       *SekaiVersionHelper
	CookieHelper        *SekaiCookieHelper
	Git                 *git.HarukiGitUpdater
	AssetUpdaterServers []utils.HarukiAssetUpdaterInfo
	Proxy               string
	Logger              *harukiLogger.Logger

	httpClient *resty.Client

	headerMu sync.Mutex
	headers  map[string]string

	poolMu   sync.RWMutex
	sessions []*SekaiSession
	rrIndex  atomic.Uint64

	reloading     atomic.Bool
	lastReloadAt  atomic.Int64
	reloadCounter atomic.Int64

	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	watchOnce sync.Once
}

func NewSekaiClientManager(
	server utils.HarukiSekaiServerRegion,
	serverConfig config.HarukiSekaiServerConfig,
	assetUpdaterServers []utils.HarukiAssetUpdaterInfo,
	gitUpdater *git.HarukiGitUpdater,
	proxy string,
	cookieURL string,
) (*SekaiClientManager, error) {
	cryptor, err := NewSekaiCryptorFromHex(serverConfig.AESKeyHex, serverConfig.AESIVHex)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
	}
	httpClient := resty.NewWithClient(&http.Client{
		Transport: transport,
		Timeout:   45 * time.Second,
	})
	if proxy != "" {
		httpClient.SetProxy(proxy)
	}

	mgr := &SekaiClientManager{
		Server:              server,
		ServerConfig:        serverConfig,
		Cryptor:             cryptor,
		VersionHelper:       NewSekaiVersionHelper(serverConfig.VersionPath),
		Git:                 gitUpdater,
		AssetUpdaterServers: assetUpdaterServers,
		Proxy:               proxy,
		Logger:              harukiLogger.NewLogger("SekaiClientManager", "DEBUG", nil),
		httpClient:          httpClient,
		headers:             map[string]string{},
	}
	if serverConfig.RequireCookies && cookieURL != "" {
		mgr.CookieHelper = NewSekaiCookieHelper(cookieURL)
	}
	for k, v := range serverConfig.Headers {
		mgr.headers[k] = v
	}
	return mgr, nil
}

// refreshVersionHeaders reloads the version manifest into the shared
// header book.
func (mgr *SekaiClientManager) refreshVersionHeaders() error {
	manifest, err := mgr.VersionHelper.Load()
	if err != nil {
		return err
	}
	mgr.headerMu.Lock()
	for k, v := range manifest.headerBook() {
		mgr.headers[k] = v
	}
	mgr.headerMu.Unlock()
	return nil
}

func (mgr *SekaiClientManager) refreshCookies(ctx context.Context) error {
	if mgr.CookieHelper == nil {
		return nil
	}
	cookie, err := mgr.CookieHelper.GetCookies(ctx, mgr.Proxy)
	if err != nil {
		return err
	}
	mgr.headerMu.Lock()
	mgr.headers["Cookie"] = cookie
	mgr.headerMu.Unlock()
	return nil
}

// RefreshCookies is the cron entrypoint for cookie regions.
func (mgr *SekaiClientManager) RefreshCookies(ctx context.Context) {
	if err := mgr.refreshCookies(ctx); err != nil {
		mgr.Logger.Warnf("%s server failed to refresh cookies: %v",
			strings.ToUpper(string(mgr.Server)), err)
	}
}

type accountRecord struct {
	UserID      flexibleID `json:"userId"`
	DeviceID    flexibleID `json:"deviceId"`
	Credential  string     `json:"credential"`
	AccessToken string     `json:"accessToken"`
}

func (mgr *SekaiClientManager) accountFromRecord(rec accountRecord, origin string) SekaiAccountInterface {
	if mgr.Server.IsCP() {
		account := &SekaiAccountCP{}
		account.SetupAccount(string(rec.UserID), string(rec.DeviceID), rec.Credential)
		if account.GetUserId() != "" {
			return account
		}
		derived, err := ExtractUserIDFromJWT(rec.Credential)
		if err != nil {
			mgr.Logger.Warnf("%s failed to derive user id: %v", origin, err)
			return nil
		}
		if derived == "" {
			mgr.Logger.Warnf("%s account has no user id, skipped", origin)
			return nil
		}
		account.SetUserId(derived)
		return account
	}

	account := &SekaiAccountNuverse{}
	account.SetupAccount(string(rec.UserID), string(rec.DeviceID), rec.AccessToken)
	derived, err := ExtractUserIDFromNuverseToken(rec.AccessToken)
	if err == nil {
		account.SetUserId(derived)
		return account
	}
	if account.GetUserId() != "" && account.GetUserId() != "0" {
		mgr.Logger.Warnf("%s failed to derive user id (%v), keeping stored id %s",
			origin, err, account.GetUserId())
		return account
	}
	mgr.Logger.Warnf("%s failed to derive user id: %v", origin, err)
	return nil
}

// parseAccounts walks account_dir for .json files, each holding one
// account object or an array of them.
func (mgr *SekaiClientManager) parseAccounts() []SekaiAccountInterface {
	var accounts []SekaiAccountInterface

	entries, err := os.ReadDir(mgr.ServerConfig.AccountDir)
	if err != nil {
		mgr.Logger.Errorf("Failed to read account dir %s: %v", mgr.ServerConfig.AccountDir, err)
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(mgr.ServerConfig.AccountDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			mgr.Logger.Warnf("[%s] read error: %v", path, err)
			continue
		}

		var records []accountRecord
		var single accountRecord
		if err := sonic.Unmarshal(data, &records); err != nil {
			if err := sonic.Unmarshal(data, &single); err != nil {
				mgr.Logger.Warnf("[%s] decode error: %v", path, err)
				continue
			}
			records = []accountRecord{single}
		}

		for i, rec := range records {
			origin := fmt.Sprintf("[%s][%d]", path, i)
			if account := mgr.accountFromRecord(rec, origin); account != nil {
				accounts = append(accounts, account)
			}
		}
	}
	return accounts
}

// Init loads the version headers and cookies, builds the session pool
// by logging in every parsed account, and starts the account watcher.
func (mgr *SekaiClientManager) Init(ctx context.Context) error {
	mgr.Logger.Debugf("Initializing %s server client manager...", strings.ToUpper(string(mgr.Server)))

	if err := mgr.refreshVersionHeaders(); err != nil {
		return err
	}
	if mgr.ServerConfig.RequireCookies {
		if err := mgr.refreshCookies(ctx); err != nil {
			return err
		}
	}

	accounts := mgr.parseAccounts()
	if len(accounts) == 0 {
		return utils.NewNoAccountError()
	}
	sessions := mgr.loginAccounts(ctx, accounts)

	mgr.poolMu.Lock()
	mgr.sessions = sessions
	mgr.rrIndex.Store(0)
	mgr.poolMu.Unlock()

	if err := mgr.StartFileWatcher(); err != nil {
		mgr.Logger.Warnf("%s server account watcher not started: %v",
			strings.ToUpper(string(mgr.Server)), err)
	}

	mgr.Logger.Infof("%s server client manager initialized with %d session(s)",
		strings.ToUpper(string(mgr.Server)), len(sessions))
	return nil
}

// loginAccounts logs every account in; only successful logins join the
// pool.
func (mgr *SekaiClientManager) loginAccounts(ctx context.Context, accounts []SekaiAccountInterface) []*SekaiSession {
	var (
		mu       sync.Mutex
		sessions []*SekaiSession
		wg       sync.WaitGroup
	)
	for _, account := range accounts {
		wg.Add(1)
		go func(acc SekaiAccountInterface) {
			defer wg.Done()
			session := NewSekaiSession(acc)
			if _, err := mgr.Login(ctx, session); err != nil {
				mgr.Logger.Errorf("%s server account #%s login error: %v",
					strings.ToUpper(string(mgr.Server)), acc.GetUserId(), err)
				return
			}
			mu.Lock()
			sessions = append(sessions, session)
			mu.Unlock()
		}(account)
	}
	wg.Wait()
	return sessions
}

// GetClient returns the next pool session round-robin.
func (mgr *SekaiClientManager) GetClient() (*SekaiSession, error) {
	mgr.poolMu.RLock()
	defer mgr.poolMu.RUnlock()
	if len(mgr.sessions) == 0 {
		return nil, utils.NewNoClientAvailableError()
	}
	idx := mgr.rrIndex.Add(1) - 1
	return mgr.sessions[idx%uint64(len(mgr.sessions))], nil
}

func errorBody(err error) (any, int) {
	status := 500
	message := err.Error()
	if he, ok := utils.AsHarukiSekaiError(err); ok {
		status = he.HTTPStatus()
	}
	return map[string]any{
		"result":  "failed",
		"status":  status,
		"message": message,
	}, status
}

// GetGameAPI is the high-level GET with recovery: re-login on session
// loss, cookie refresh on cookie loss, version reload on forced
// upgrade, immediate surfacing of maintenance.
func (mgr *SekaiClientManager) GetGameAPI(ctx context.Context, path string, params map[string]any) (any, int) {
	for mgr.reloading.Load() {
		time.Sleep(100 * time.Millisecond)
	}

	session, err := mgr.GetClient()
	if err != nil {
		body, status := errorBody(err)
		return body, status
	}

	for round := 0; round < 4; round++ {
		resp, err := mgr.Get(ctx, session, path, params)
		if err != nil {
			body, status := errorBody(err)
			return body, status
		}

		result, err := mgr.handleResponseOrdered(resp)
		if err == nil {
			// any body the codec decoded is a success, whatever the
			// upstream status said
			return result.Data, 200
		}

		he, ok := utils.AsHarukiSekaiError(err)
		if !ok {
			body, status := errorBody(err)
			return body, status
		}

		switch he.Kind {
		case utils.ErrKindSessionError:
			mgr.Logger.Warnf("%s server account #%s session expired, re-login...",
				strings.ToUpper(string(mgr.Server)), session.Account.GetUserId())
			if _, lerr := mgr.Login(ctx, session); lerr != nil {
				body, status := errorBody(he)
				return body, status
			}
			time.Sleep(1 * time.Second)

		case utils.ErrKindCookieExpired:
			if !mgr.ServerConfig.RequireCookies || mgr.CookieHelper == nil {
				body, status := errorBody(he)
				return body, status
			}
			mgr.Logger.Warnf("%s server cookies expired, refreshing...",
				strings.ToUpper(string(mgr.Server)))
			if cerr := mgr.refreshCookies(ctx); cerr != nil {
				body, status := errorBody(cerr)
				return body, status
			}
			time.Sleep(1 * time.Second)

		case utils.ErrKindUpgradeRequired:
			mgr.Logger.Warnf("%s server upgrade required, reloading version headers...",
				strings.ToUpper(string(mgr.Server)))
			if verr := mgr.refreshVersionHeaders(); verr != nil {
				body, status := errorBody(verr)
				return body, status
			}
			time.Sleep(1 * time.Second)

		default:
			body, status := errorBody(he)
			return body, status
		}
	}

	body, status := errorBody(utils.NewNetworkError("Max retry attempts reached"))
	return body, status
}

// StartFileWatcher watches account_dir and schedules debounced reloads;
// a 5 s poll covers filesystems fsnotify cannot observe.
func (mgr *SekaiClientManager) StartFileWatcher() error {
	var startErr error
	mgr.watchOnce.Do(func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			startErr = err
			return
		}
		if err := watcher.Add(mgr.ServerConfig.AccountDir); err != nil {
			_ = watcher.Close()
			startErr = err
			return
		}
		mgr.watcher = watcher
		mgr.stopWatch = make(chan struct{})
		go mgr.watchLoop()
	})
	return startErr
}

func (mgr *SekaiClientManager) watchLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastState := mgr.accountDirState()
	for {
		select {
		case event, ok := <-mgr.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				lastState = mgr.accountDirState()
				mgr.scheduleReload()
			}
		case <-ticker.C:
			state := mgr.accountDirState()
			if state != lastState {
				lastState = state
				mgr.scheduleReload()
			}
		case err, ok := <-mgr.watcher.Errors:
			if !ok {
				return
			}
			mgr.Logger.Warnf("%s server account watcher error: %v",
				strings.ToUpper(string(mgr.Server)), err)
		case <-mgr.stopWatch:
			return
		}
	}
}

// accountDirState fingerprints the account dir for the polling
// fallback.
func (mgr *SekaiClientManager) accountDirState() string {
	entries, err := os.ReadDir(mgr.ServerConfig.AccountDir)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "%s:%d:%d;", entry.Name(), info.Size(), info.ModTime().UnixNano())
	}
	return sb.String()
}

// scheduleReload applies a leading-edge debounce: an event within two
// seconds of the previous accepted one is dropped.
func (mgr *SekaiClientManager) scheduleReload() {
	now := time.Now().UnixNano()
	last := mgr.lastReloadAt.Load()
	if now-last < int64(reloadDebounce) {
		return
	}
	if !mgr.lastReloadAt.CompareAndSwap(last, now) {
		return
	}
	go mgr.ReloadAccounts(context.Background())
}

// ReloadAccounts swaps the session pool for a freshly logged-in one.
// The reload flag parks new GetGameAPI callers; in-flight callers keep
// their old session and finish on it.
func (mgr *SekaiClientManager) ReloadAccounts(ctx context.Context) {
	n := mgr.reloadCounter.Add(1)
	mgr.Logger.Infof("%s server account reload #%d started",
		strings.ToUpper(string(mgr.Server)), n)

	mgr.reloading.Store(true)
	defer mgr.reloading.Store(false)

	time.Sleep(3 * time.Second)

	mgr.poolMu.Lock()
	mgr.sessions = nil
	mgr.rrIndex.Store(0)
	mgr.poolMu.Unlock()

	accounts := mgr.parseAccounts()
	sessions := mgr.loginAccounts(ctx, accounts)

	mgr.poolMu.Lock()
	mgr.sessions = sessions
	mgr.poolMu.Unlock()

	mgr.Logger.Infof("%s server account reload #%d finished with %d session(s)",
		strings.ToUpper(string(mgr.Server)), n, len(sessions))
}

// GetCPMySekaiImage fetches a photo blob straight from the CP image
// host.
func (mgr *SekaiClientManager) GetCPMySekaiImage(ctx context.Context, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/image/mysekai-photo/%s", mgr.ServerConfig.APIURL, strings.TrimPrefix(path, "/"))
	resp, err := mgr.httpClient.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, utils.NewNetworkError(err.Error())
	}
	if resp.StatusCode() != 200 {
		return nil, utils.NewNetworkError(fmt.Sprintf("unexpected status %d fetching %s", resp.StatusCode(), url))
	}
	return resp.Body(), nil
}

// GetNuverseMySekaiImage asks the game API for the photo record and
// decodes its base64 thumbnail.
func (mgr *SekaiClientManager) GetNuverseMySekaiImage(ctx context.Context, userID, index string) ([]byte, error) {
	session, err := mgr.GetClient()
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/user/%s/mysekai/photo/%s", userID, index)
	resp, err := mgr.Get(ctx, session, path, nil)
	if err != nil {
		return nil, err
	}
	result, err := mgr.handleResponseOrdered(resp)
	if err != nil {
		return nil, err
	}
	om, ok := result.Data.(*orderedmap.OrderedMap)
	if !ok {
		return nil, utils.NewParseError("unexpected mysekai photo response shape")
	}
	b64, _ := om.Get("thumbnail")
	b64Str, ok := b64.(string)
	if !ok || b64Str == "" {
		return nil, utils.NewParseError("missing thumbnail in mysekai photo response")
	}
	img, err := base64.StdEncoding.DecodeString(b64Str)
	if err != nil {
		return nil, utils.NewParseError(fmt.Sprintf("decode thumbnail base64 failed: %v", err))
	}
	return img, nil
}

// Shutdown stops the watcher.
func (mgr *SekaiClientManager) Shutdown() {
	if mgr.stopWatch != nil {
		close(mgr.stopWatch)
		mgr.stopWatch = nil
	}
	if mgr.watcher != nil {
		_ = mgr.watcher.Close()
		mgr.watcher = nil
	}
	mgr.Logger.Debugf("%s server client manager shut down", strings.ToUpper(string(mgr.Server)))
}
