package updater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"haruki-sekai-api/utils"

	"github.com/bytedance/sonic"
	"github.com/iancoleman/orderedmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVersionFile(t *testing.T, dir string, content string) string {
	t.Helper()
	path := filepath.Join(dir, "current_version.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestAppHashFileSourceUpdatesManifest(t *testing.T) {
	sourceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "jp.json"),
		[]byte(`{"appVersion":"4.0.0","appHash":"new-hash"}`), 0644))

	versionPath := writeVersionFile(t, t.TempDir(),
		`{"appVersion":"3.9.0","appHash":"old-hash","dataVersion":"3.9.0.5"}`)

	updater := NewAppHashUpdater(
		utils.HarukiSekaiServerRegionJP,
		[]utils.HarukiSekaiAppHashSource{{Type: utils.HarukiSekaiAppHashSourceTypeFile, Dir: sourceDir}},
		versionPath, "")

	updated, err := updater.CheckAppVersion(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)

	data, err := os.ReadFile(versionPath)
	require.NoError(t, err)
	om := orderedmap.New()
	require.NoError(t, sonic.Unmarshal(data, om))

	appVersion, _ := om.Get("appVersion")
	assert.Equal(t, "4.0.0", appVersion)
	appHash, _ := om.Get("appHash")
	assert.Equal(t, "new-hash", appHash)
	// untouched keys survive the rewrite
	dataVersion, _ := om.Get("dataVersion")
	assert.Equal(t, "3.9.0.5", dataVersion)
}

func TestAppHashNoChangeNoWrite(t *testing.T) {
	sourceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "jp.json"),
		[]byte(`{"appVersion":"3.9.0","appHash":"same"}`), 0644))

	versionPath := writeVersionFile(t, t.TempDir(),
		`{"appVersion":"3.9.0","appHash":"same"}`)
	before, err := os.Stat(versionPath)
	require.NoError(t, err)

	updater := NewAppHashUpdater(
		utils.HarukiSekaiServerRegionJP,
		[]utils.HarukiSekaiAppHashSource{{Type: utils.HarukiSekaiAppHashSourceTypeFile, Dir: sourceDir}},
		versionPath, "")

	updated, err := updater.CheckAppVersion(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)

	after, err := os.Stat(versionPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestAppHashFirstSourceWins(t *testing.T) {
	firstDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(firstDir, "tw.json"),
		[]byte(`{"appVersion":"2.0.0","appHash":"first"}`), 0644))

	var urlHit bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urlHit = true
		_, _ = w.Write([]byte(`{"appVersion":"9.9.9","appHash":"second"}`))
	}))
	defer ts.Close()

	versionPath := writeVersionFile(t, t.TempDir(), `{"appVersion":"1.0.0","appHash":"x"}`)

	updater := NewAppHashUpdater(
		utils.HarukiSekaiServerRegionTW,
		[]utils.HarukiSekaiAppHashSource{
			{Type: utils.HarukiSekaiAppHashSourceTypeFile, Dir: firstDir},
			{Type: utils.HarukiSekaiAppHashSourceTypeUrl, URL: ts.URL + "/{region}.json"},
		},
		versionPath, "")

	updated, err := updater.CheckAppVersion(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)
	assert.False(t, urlHit)

	var app utils.HarukiSekaiAppInfo
	data, _ := os.ReadFile(versionPath)
	require.NoError(t, sonic.Unmarshal(data, &app))
	assert.Equal(t, "2.0.0", app.AppVersion)
}

func TestAppHashURLSourceSubstitutesRegion(t *testing.T) {
	var requestedPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		_, _ = w.Write([]byte(`{"appVersion":"5.0.0","appHash":"url-hash"}`))
	}))
	defer ts.Close()

	versionPath := writeVersionFile(t, t.TempDir(), `{"appVersion":"1.0.0","appHash":"x"}`)

	updater := NewAppHashUpdater(
		utils.HarukiSekaiServerRegionCN,
		[]utils.HarukiSekaiAppHashSource{
			{Type: utils.HarukiSekaiAppHashSourceTypeUrl, URL: ts.URL + "/hashes/{region}.json"},
		},
		versionPath, "")

	updated, err := updater.CheckAppVersion(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, "/hashes/cn.json", requestedPath)
}

func TestAppHashMissingFileSourceSkipped(t *testing.T) {
	versionPath := writeVersionFile(t, t.TempDir(), `{"appVersion":"1.0.0","appHash":"x"}`)

	updater := NewAppHashUpdater(
		utils.HarukiSekaiServerRegionKR,
		[]utils.HarukiSekaiAppHashSource{
			{Type: utils.HarukiSekaiAppHashSourceTypeFile, Dir: t.TempDir()},
		},
		versionPath, "")

	updated, err := updater.CheckAppVersion(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)
}
