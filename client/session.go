package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"haruki-sekai-api/utils"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/jtacoma/uritemplates"
	"github.com/samber/lo"
)

// SekaiSession pairs one upstream account with its rotating session
// token. The upstream replaces the token on every response, so the cell
// sits behind its own mutex; apiLock serializes exchanges so at most
// one request per session is in flight.
type SekaiSession struct {
	Account SekaiAccountInterface

	tokenMu sync.Mutex
	token   string

	apiLock sync.Mutex
}

func NewSekaiSession(account SekaiAccountInterface) *SekaiSession {
	return &SekaiSession{Account: account}
}

func (s *SekaiSession) Token() string {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	return s.token
}

func (s *SekaiSession) SetToken(token string) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	s.token = token
}

// prepareRequest snapshots the manager's header book, dropping any
// stored request id, and stamps the session token plus a fresh
// X-Request-Id.
func (mgr *SekaiClientManager) prepareRequest(ctx context.Context, session *SekaiSession) *resty.Request {
	req := mgr.httpClient.R()
	req.SetContext(ctx)

	mgr.headerMu.Lock()
	for k, v := range mgr.headers {
		if strings.EqualFold(k, "X-Request-Id") {
			continue
		}
		req.SetHeader(k, v)
	}
	mgr.headerMu.Unlock()

	if token := session.Token(); token != "" {
		req.SetHeader("X-Session-Token", token)
	}
	req.SetHeader("X-Request-Id", uuid.New().String())
	return req
}

// sendRequest performs one exchange with up to four attempts one second
// apart, capturing the rotated session token from the response.
func (mgr *SekaiClientManager) sendRequest(ctx context.Context, session *SekaiSession, method, url string, body []byte, params map[string]any) (*resty.Response, error) {
	mgr.Logger.Infof("%s server account #%s %s %s",
		strings.ToUpper(string(mgr.Server)), session.Account.GetUserId(), method, url)

	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			time.Sleep(1 * time.Second)
		}

		req := mgr.prepareRequest(ctx, session)
		for k, v := range params {
			req.SetQueryParam(k, fmt.Sprintf("%v", v))
		}
		if body != nil {
			req.SetBody(body)
		}

		resp, err := req.Execute(strings.ToUpper(method), url)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				mgr.Logger.Warnf("%s server account #%s request timeout: %v",
					strings.ToUpper(string(mgr.Server)), session.Account.GetUserId(), err)
			} else {
				mgr.Logger.Warnf("%s server account #%s request error: %v",
					strings.ToUpper(string(mgr.Server)), session.Account.GetUserId(), err)
			}
			lastErr = utils.NewNetworkError(err.Error())
			continue
		}

		if token := resp.Header().Get("X-Session-Token"); token != "" {
			session.SetToken(token)
		}
		return resp, nil
	}
	return nil, lastErr
}

// CallApi performs an authenticated game API exchange. The path may
// carry a literal {userId} placeholder which expands to the session's
// current user id.
func (mgr *SekaiClientManager) CallApi(ctx context.Context, session *SekaiSession, method, path string, data any, params map[string]any) (*resty.Response, error) {
	session.apiLock.Lock()
	defer session.apiLock.Unlock()

	uri := fmt.Sprintf("%s/api%s", mgr.ServerConfig.APIURL, path)
	template, err := uritemplates.Parse(uri)
	if err != nil {
		return nil, utils.NewParseError(err.Error())
	}
	url, err := template.Expand(map[string]any{"userId": session.Account.GetUserId()})
	if err != nil {
		return nil, utils.NewParseError(err.Error())
	}

	var body []byte
	if data != nil {
		body, err = mgr.Cryptor.Pack(data)
		if err != nil {
			return nil, err
		}
	}

	return mgr.sendRequest(ctx, session, method, url, body, params)
}

func (mgr *SekaiClientManager) Get(ctx context.Context, session *SekaiSession, path string, params map[string]any) (*resty.Response, error) {
	return mgr.CallApi(ctx, session, "GET", path, nil, params)
}

func (mgr *SekaiClientManager) Post(ctx context.Context, session *SekaiSession, path string, data any, params map[string]any) (*resty.Response, error) {
	return mgr.CallApi(ctx, session, "POST", path, data, params)
}

func isBinaryContentType(resp *resty.Response) bool {
	ct := strings.ToLower(resp.Header().Get("Content-Type"))
	return lo.SomeBy([]string{"octet-stream", "binary"}, func(marker string) bool {
		return strings.Contains(ct, marker)
	})
}

// handleResponse classifies an upstream response and decodes the body
// into T when the status carries a payload.
func handleResponse[T any](mgr *SekaiClientManager, resp *resty.Response) (*T, error) {
	statusCode, err := ParseSekaiApiHttpStatus(resp.StatusCode())
	if err != nil {
		return nil, utils.NewSekaiUnknownClientException(resp.StatusCode(), string(resp.Body()))
	}

	if isBinaryContentType(resp) {
		switch statusCode {
		case SekaiApiHttpStatusOk,
			SekaiApiHttpStatusClientError,
			SekaiApiHttpStatusNotFound,
			SekaiApiHttpStatusConflict:
			return UnpackInto[T](mgr.Cryptor, resp.Body())
		case SekaiApiHttpStatusSessionError:
			return nil, utils.NewSessionError()
		case SekaiApiHttpStatusGameUpgrade:
			return nil, utils.NewUpgradeRequiredError()
		case SekaiApiHttpStatusUnderMaintenance:
			return nil, utils.NewUnderMaintenanceError()
		default:
			return nil, utils.NewSekaiUnknownClientException(resp.StatusCode(), string(resp.Body()))
		}
	}

	switch {
	case statusCode == SekaiApiHttpStatusUnderMaintenance:
		return nil, utils.NewUnderMaintenanceError()
	case statusCode == SekaiApiHttpStatusServerError:
		return nil, utils.NewSekaiUnknownClientException(resp.StatusCode(), string(resp.Body()))
	case statusCode == SekaiApiHttpStatusSessionError &&
		strings.Contains(strings.ToLower(resp.Header().Get("Content-Type")), "xml"):
		return nil, utils.NewCookieExpiredError()
	default:
		return nil, utils.NewSekaiUnknownClientException(resp.StatusCode(), string(resp.Body()))
	}
}

// handleResponseOrdered is the ordered-map variant used by game calls.
// Non-binary responses never decode here.
func (mgr *SekaiClientManager) handleResponseOrdered(resp *resty.Response) (*orderedResult, error) {
	statusCode, err := ParseSekaiApiHttpStatus(resp.StatusCode())
	if err != nil {
		return nil, utils.NewSekaiUnknownClientException(resp.StatusCode(), string(resp.Body()))
	}

	if isBinaryContentType(resp) {
		switch statusCode {
		case SekaiApiHttpStatusOk,
			SekaiApiHttpStatusClientError,
			SekaiApiHttpStatusNotFound,
			SekaiApiHttpStatusConflict:
			om, err := mgr.Cryptor.UnpackOrdered(resp.Body())
			if err != nil {
				return nil, err
			}
			return &orderedResult{Data: om, Status: int(statusCode)}, nil
		case SekaiApiHttpStatusSessionError:
			return nil, utils.NewSessionError()
		case SekaiApiHttpStatusGameUpgrade:
			return nil, utils.NewUpgradeRequiredError()
		case SekaiApiHttpStatusUnderMaintenance:
			return nil, utils.NewUnderMaintenanceError()
		}
	}
	return nil, utils.NewSekaiUnknownClientException(resp.StatusCode(), string(resp.Body()))
}

// Login authenticates the session. It deliberately bypasses apiLock so
// recovery can re-login while the failed exchange still holds it.
func (mgr *SekaiClientManager) Login(ctx context.Context, session *SekaiSession) (*LoginResponse, error) {
	dump, err := session.Account.Dump()
	if err != nil {
		return nil, err
	}
	body, err := mgr.Cryptor.PackBytes(dump)
	if err != nil {
		return nil, err
	}

	var loginURL, method string
	if _, ok := session.Account.(*SekaiAccountCP); ok {
		loginURL = fmt.Sprintf("%s/api/user/%s/auth?refreshUpdatedResources=False",
			mgr.ServerConfig.APIURL, session.Account.GetUserId())
		method = "PUT"
	} else {
		loginURL = fmt.Sprintf("%s/api/user/auth", mgr.ServerConfig.APIURL)
		method = "POST"
	}

	resp, err := mgr.sendRequest(ctx, session, method, loginURL, body, nil)
	if err != nil {
		return nil, err
	}

	retData, err := handleResponse[LoginResponse](mgr, resp)
	if err != nil {
		mgr.Logger.Errorf("%s server account #%s login failed: %v",
			strings.ToUpper(string(mgr.Server)), session.Account.GetUserId(), err)
		return nil, err
	}

	if retData.SessionToken != "" {
		session.SetToken(retData.SessionToken)
	}
	if _, ok := session.Account.(*SekaiAccountNuverse); ok {
		if uid := retData.RegisteredUserID(); uid != "" && uid != "0" {
			session.Account.SetUserId(uid)
		}
	}

	mgr.Logger.Infof("%s server account #%s login successful",
		strings.ToUpper(string(mgr.Server)), session.Account.GetUserId())
	return retData, nil
}
