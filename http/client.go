package http

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
)

// Client is a thin fasthttp wrapper for raw blob downloads where the
// resty stack would get in the way (custom Host headers, socks5
// proxies, large bodies).
type Client struct {
	Proxy   string
	Timeout time.Duration

	initOnce sync.Once
	client   *fasthttp.Client
	initErr  error
}

func (c *Client) init() {
	c.client = &fasthttp.Client{}
	if c.Proxy == "" {
		return
	}
	proxyURL, err := url.Parse(c.Proxy)
	if err != nil {
		c.initErr = fmt.Errorf("invalid proxy url: %v", err)
		return
	}
	switch proxyURL.Scheme {
	case "http", "https":
		c.client.Dial = fasthttpproxy.FasthttpHTTPDialer(proxyURL.Host)
	case "socks5":
		c.client.Dial = fasthttpproxy.FasthttpSocksDialer(proxyURL.Host)
	default:
		c.initErr = fmt.Errorf("unsupported proxy scheme: %s", proxyURL.Scheme)
	}
}

// Request performs one exchange and returns copies of the status,
// headers and body. The context can cancel the wait but not the
// underlying dial.
func (c *Client) Request(ctx context.Context, method, uri string, headers map[string]string, body []byte) (status int, respHeaders map[string]string, respBody []byte, err error) {
	c.initOnce.Do(c.init)
	if c.initErr != nil {
		return 0, nil, nil, c.initErr
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.SetBody(body)
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	errChan := make(chan error, 1)
	go func() {
		errChan <- c.client.DoTimeout(req, resp, timeout)
	}()

	select {
	case <-ctx.Done():
		return 0, nil, nil, ctx.Err()
	case err := <-errChan:
		if err != nil {
			return 0, nil, nil, err
		}
	}

	status = resp.StatusCode()
	respHeaders = make(map[string]string)
	resp.Header.VisitAll(func(k, v []byte) {
		respHeaders[string(k)] = string(v)
	})
	respBody = append([]byte(nil), resp.Body()...)
	return status, respHeaders, respBody, nil
}
