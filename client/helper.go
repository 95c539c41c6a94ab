package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"haruki-sekai-api/utils"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/iancoleman/orderedmap"
)

// SekaiCookieHelper fetches the session cookie some regions gate their
// API behind. The header set mirrors the iOS game client.
type SekaiCookieHelper struct {
	url     string
	cookies string
	mu      sync.Mutex
}

func NewSekaiCookieHelper(url string) *SekaiCookieHelper {
	return &SekaiCookieHelper{url: url}
}

func (h *SekaiCookieHelper) Cookies() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cookies
}

func (h *SekaiCookieHelper) GetCookies(ctx context.Context, proxy string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		client := resty.New()
		client.SetTimeout(10 * time.Second)
		if proxy != "" {
			client.SetProxy(proxy)
		}

		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Accept", "*/*").
			SetHeader("User-Agent", "ProductName/134 CFNetwork/1408.0.4 Darwin/22.5.0").
			SetHeader("Connection", "keep-alive").
			SetHeader("Accept-Language", "zh-CN,zh-Hans;q=0.9").
			SetHeader("Accept-Encoding", "gzip, deflate, br").
			SetHeader("X-Unity-Version", "2022.3.21f1").
			Post(h.url)

		if err != nil {
			lastErr = utils.NewNetworkError(err.Error())
			time.Sleep(1 * time.Second)
			continue
		}

		if resp.StatusCode() >= 200 && resp.StatusCode() < 300 {
			if cookie := resp.Header().Get("Set-Cookie"); cookie != "" {
				h.cookies = cookie
				return cookie, nil
			}
		}
		lastErr = utils.NewNetworkError("failed to fetch cookies")
		time.Sleep(1 * time.Second)
	}
	return "", lastErr
}

// SekaiVersionManifest is the persisted current_version.json shape.
// Missing fields read back as zero values.
type SekaiVersionManifest struct {
	AppVersion   string `json:"appVersion"`
	AppHash      string `json:"appHash"`
	DataVersion  string `json:"dataVersion"`
	AssetVersion string `json:"assetVersion"`
	AssetHash    string `json:"assetHash"`
	CDNVersion   int    `json:"cdnVersion"`
}

// SekaiVersionHelper owns the version manifest file for one region and
// keeps the last loaded copy.
type SekaiVersionHelper struct {
	versionFilePath string
	mu              sync.Mutex
	manifest        SekaiVersionManifest
}

func NewSekaiVersionHelper(versionFilePath string) *SekaiVersionHelper {
	return &SekaiVersionHelper{versionFilePath: versionFilePath}
}

func (h *SekaiVersionHelper) Load() (SekaiVersionManifest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.versionFilePath)
	if err != nil {
		return SekaiVersionManifest{}, utils.NewIoError(err.Error())
	}
	var manifest SekaiVersionManifest
	if err := sonic.Unmarshal(data, &manifest); err != nil {
		return SekaiVersionManifest{}, utils.NewParseError(err.Error())
	}
	h.manifest = manifest
	return manifest, nil
}

func (h *SekaiVersionHelper) Current() SekaiVersionManifest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manifest
}

var fileJSON = sonic.Config{EscapeHTML: false}.Froze()

// Save rewrites only the known manifest fields, keeping any other keys
// present in the file, and refreshes the cached copy.
func (h *SekaiVersionHelper) Save(manifest SekaiVersionManifest, includeCDNVersion bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	om := orderedmap.New()
	om.SetEscapeHTML(false)
	if data, err := os.ReadFile(h.versionFilePath); err == nil {
		_ = sonic.Unmarshal(data, om)
	}
	om.Set("appVersion", manifest.AppVersion)
	om.Set("appHash", manifest.AppHash)
	om.Set("dataVersion", manifest.DataVersion)
	om.Set("assetVersion", manifest.AssetVersion)
	om.Set("assetHash", manifest.AssetHash)
	if includeCDNVersion {
		om.Set("cdnVersion", manifest.CDNVersion)
	}

	if err := writePrettyJSON(h.versionFilePath, om); err != nil {
		return err
	}
	h.manifest = manifest
	return nil
}

// SaveSnapshot writes a <dataVersion>.json copy of the manifest next to
// the current_version file.
func (h *SekaiVersionHelper) SaveSnapshot(manifest SekaiVersionManifest, includeCDNVersion bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	om := orderedmap.New()
	om.SetEscapeHTML(false)
	om.Set("appVersion", manifest.AppVersion)
	om.Set("appHash", manifest.AppHash)
	om.Set("dataVersion", manifest.DataVersion)
	om.Set("assetVersion", manifest.AssetVersion)
	om.Set("assetHash", manifest.AssetHash)
	if includeCDNVersion {
		om.Set("cdnVersion", manifest.CDNVersion)
	}
	path := filepath.Join(filepath.Dir(h.versionFilePath), manifest.DataVersion+".json")
	return writePrettyJSON(path, om)
}

func writePrettyJSON(filePath string, data any) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return utils.NewIoError(err.Error())
	}
	jsonData, err := fileJSON.MarshalIndent(data, "", "  ")
	if err != nil {
		return utils.NewParseError(err.Error())
	}
	if err := os.WriteFile(filePath, jsonData, 0644); err != nil {
		return utils.NewIoError(err.Error())
	}
	return nil
}

// headerBook renders the manifest into the version headers the upstream
// expects on every call.
func (m SekaiVersionManifest) headerBook() map[string]string {
	return map[string]string{
		"X-App-Version":   m.AppVersion,
		"X-Data-Version":  m.DataVersion,
		"X-Asset-Version": m.AssetVersion,
		"X-App-Hash":      m.AppHash,
	}
}
