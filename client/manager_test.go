package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"haruki-sekai-api/config"
	"haruki-sekai-api/utils"
	harukiLogger "haruki-sekai-api/utils/logger"

	"github.com/iancoleman/orderedmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, apiURL string) *SekaiClientManager {
	t.Helper()
	serverConfig := config.HarukiSekaiServerConfig{
		APIURL:      apiURL,
		AESKeyHex:   testKeyHex,
		AESIVHex:    testIVHex,
		AccountDir:  t.TempDir(),
		VersionPath: filepath.Join(t.TempDir(), "current_version.json"),
	}
	mgr, err := NewSekaiClientManager(utils.HarukiSekaiServerRegionJP, serverConfig, nil, nil, "", "")
	require.NoError(t, err)
	return mgr
}

func newCPSession(userID string) *SekaiSession {
	account := &SekaiAccountCP{}
	account.SetupAccount(userID, "device-1", "credential")
	return NewSekaiSession(account)
}

func (mgr *SekaiClientManager) setPool(sessions ...*SekaiSession) {
	mgr.poolMu.Lock()
	mgr.sessions = sessions
	mgr.rrIndex.Store(0)
	mgr.poolMu.Unlock()
}

func writeEncrypted(t *testing.T, w http.ResponseWriter, c *SekaiCryptor, status int, body any) {
	t.Helper()
	encrypted, err := c.Pack(body)
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(status)
	_, _ = w.Write(encrypted)
}

func TestGetClientRoundRobin(t *testing.T) {
	mgr := newTestManager(t, "http://unused.invalid")
	s1, s2, s3 := newCPSession("1"), newCPSession("2"), newCPSession("3")
	mgr.setPool(s1, s2, s3)

	var got []string
	for i := 0; i < 6; i++ {
		s, err := mgr.GetClient()
		require.NoError(t, err)
		got = append(got, s.Account.GetUserId())
	}
	assert.Equal(t, []string{"1", "2", "3", "1", "2", "3"}, got)
}

func TestGetClientEmptyPool(t *testing.T) {
	mgr := newTestManager(t, "http://unused.invalid")
	_, err := mgr.GetClient()
	require.Error(t, err)
	assert.True(t, utils.IsErrorKind(err, utils.ErrKindNoClientAvailable))
}

func TestGetGameAPISessionRecovery(t *testing.T) {
	var gameCalls, loginCalls atomic.Int64
	cryptor := newTestCryptor(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/100/auth":
			require.Equal(t, http.MethodPut, r.Method)
			loginCalls.Add(1)
			writeEncrypted(t, w, cryptor, 200, map[string]any{"sessionToken": "tok"})
		case "/api/ping":
			if gameCalls.Add(1) <= 2 {
				writeEncrypted(t, w, cryptor, 403, map[string]any{})
				return
			}
			writeEncrypted(t, w, cryptor, 200, map[string]any{"ok": true})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(500)
		}
	}))
	defer ts.Close()

	mgr := newTestManager(t, ts.URL)
	mgr.setPool(newCPSession("100"))

	data, status := mgr.GetGameAPI(context.Background(), "/ping", nil)
	assert.Equal(t, 200, status)
	om, ok := data.(*orderedmap.OrderedMap)
	require.True(t, ok)
	okVal, _ := om.Get("ok")
	assert.Equal(t, true, okVal)

	assert.Equal(t, int64(3), gameCalls.Load())
	assert.Equal(t, int64(2), loginCalls.Load())
}

func TestCPAccountStoredIDSurvivesBadCredential(t *testing.T) {
	mgr := newTestManager(t, "http://unused.invalid")

	account := mgr.accountFromRecord(accountRecord{
		UserID:     "555",
		Credential: "not-a-jwt-credential",
	}, "[test]")
	require.NotNil(t, account)
	assert.Equal(t, "555", account.GetUserId())
}

func TestCPAccountDerivesIDWhenStoredMissing(t *testing.T) {
	mgr := newTestManager(t, "http://unused.invalid")

	account := mgr.accountFromRecord(accountRecord{
		Credential: makeJWT(t, `{"userId":"777"}`),
	}, "[test]")
	require.NotNil(t, account)
	assert.Equal(t, "777", account.GetUserId())
}

func TestCPAccountDroppedWithoutAnyID(t *testing.T) {
	mgr := newTestManager(t, "http://unused.invalid")

	account := mgr.accountFromRecord(accountRecord{
		Credential: "not-a-jwt-credential",
	}, "[test]")
	assert.Nil(t, account)
}

func TestGetGameAPIDecodedClientErrorReturns200(t *testing.T) {
	var gameCalls atomic.Int64
	cryptor := newTestCryptor(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gameCalls.Add(1)
		writeEncrypted(t, w, cryptor, 400, map[string]any{"errorCode": "something"})
	}))
	defer ts.Close()

	mgr := newTestManager(t, ts.URL)
	mgr.setPool(newCPSession("100"))

	data, status := mgr.GetGameAPI(context.Background(), "/ping", nil)
	assert.Equal(t, 200, status)
	om, ok := data.(*orderedmap.OrderedMap)
	require.True(t, ok)
	code, _ := om.Get("errorCode")
	assert.Equal(t, "something", code)
	assert.Equal(t, int64(1), gameCalls.Load())
}

func TestGetGameAPIFailedReloginSurfacesSessionError(t *testing.T) {
	var gameCalls, loginCalls atomic.Int64
	cryptor := newTestCryptor(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/100/auth":
			loginCalls.Add(1)
			writeEncrypted(t, w, cryptor, 403, map[string]any{})
		case "/api/ping":
			gameCalls.Add(1)
			writeEncrypted(t, w, cryptor, 403, map[string]any{})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(500)
		}
	}))
	defer ts.Close()

	mgr := newTestManager(t, ts.URL)
	mgr.setPool(newCPSession("100"))

	data, status := mgr.GetGameAPI(context.Background(), "/ping", nil)
	assert.Equal(t, 403, status)
	body, ok := data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed", body["result"])
	assert.Equal(t, "Session expired", body["message"])
	assert.Equal(t, int64(1), gameCalls.Load())
	assert.Equal(t, int64(1), loginCalls.Load())
}

func TestGetGameAPIMaintenanceSurfacesImmediately(t *testing.T) {
	var gameCalls atomic.Int64
	cryptor := newTestCryptor(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gameCalls.Add(1)
		writeEncrypted(t, w, cryptor, 503, map[string]any{})
	}))
	defer ts.Close()

	mgr := newTestManager(t, ts.URL)
	mgr.setPool(newCPSession("100"))

	data, status := mgr.GetGameAPI(context.Background(), "/ping", nil)
	assert.Equal(t, 503, status)
	body, ok := data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed", body["result"])
	assert.Equal(t, "Server under maintenance", body["message"])
	assert.Equal(t, int64(1), gameCalls.Load())
}

func TestSessionTokenRotation(t *testing.T) {
	cryptor := newTestCryptor(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		w.Header().Set("X-Session-Token", "rotated")
		writeEncrypted(t, w, cryptor, 200, map[string]any{})
	}))
	defer ts.Close()

	mgr := newTestManager(t, ts.URL)
	session := newCPSession("100")
	session.SetToken("old")

	_, err := mgr.Get(context.Background(), session, "/ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "rotated", session.Token())
}

func TestCallApiSerializesPerSession(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	cryptor := newTestCryptor(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		inFlight.Add(-1)
		writeEncrypted(t, w, cryptor, 200, map[string]any{})
	}))
	defer ts.Close()

	mgr := newTestManager(t, ts.URL)
	session := newCPSession("100")

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, err := mgr.Get(context.Background(), session, "/slow", nil)
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.Equal(t, int64(1), maxInFlight.Load())
}

func TestScheduleReloadDebounce(t *testing.T) {
	mgr := newTestManager(t, "http://unused.invalid")

	for i := 0; i < 5; i++ {
		mgr.scheduleReload()
	}
	// one reload (3 s drain inside) must absorb the whole burst
	time.Sleep(4 * time.Second)
	assert.Equal(t, int64(1), mgr.reloadCounter.Load())

	// past the debounce window a fresh event schedules again
	mgr.scheduleReload()
	time.Sleep(4 * time.Second)
	assert.Equal(t, int64(2), mgr.reloadCounter.Load())
}

func TestAssetUpdaterNon409FailureLoggedAndSkipped(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(500)
	}))
	defer ts.Close()

	mgr := newTestManager(t, "http://unused.invalid")
	var buf bytes.Buffer
	mgr.Logger = harukiLogger.NewLogger("SekaiClientManager", "INFO", &buf)

	mgr.callHarukiAssetUpdater(
		utils.HarukiAssetUpdaterInfo{URL: ts.URL},
		HarukiSekaiAssetUpdaterPayload{Server: mgr.Server, AssetVersion: "1.0.0", AssetHash: "hash"},
	)

	assert.Equal(t, int64(1), calls.Load())
	assert.Contains(t, buf.String(), "returned status 500")
}

func TestUserIDTemplateExpansion(t *testing.T) {
	cryptor := newTestCryptor(t)
	var seenPath atomic.Value

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath.Store(r.URL.Path)
		writeEncrypted(t, w, cryptor, 200, map[string]any{})
	}))
	defer ts.Close()

	mgr := newTestManager(t, ts.URL)
	session := newCPSession("42")

	_, err := mgr.Get(context.Background(), session, "/user/{userId}/profile", nil)
	require.NoError(t, err)
	assert.Equal(t, "/api/user/42/profile", seenPath.Load())
}
