package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/registry"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

// DefaultMaxResponseBytes caps how much of an upstream body is read.
const DefaultMaxResponseBytes = 10 << 20

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Dispatcher sends one request to one endpoint. A response with status >= 400
// is returned together with a *util.DispatchFailureError carrying its status.
type Dispatcher interface {
	Dispatch(ctx context.Context, inst registry.Instance, ep registry.Endpoint, req *Request) (*Response, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, inst registry.Instance, ep registry.Endpoint, req *Request) (*Response, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, inst registry.Instance, ep registry.Endpoint, req *Request) (*Response, error) {
	return f(ctx, inst, ep, req)
}

// HTTPDispatcher forwards requests over HTTP.
type HTTPDispatcher struct {
	Client           *http.Client
	MaxResponseBytes int64
}

// NewHTTPDispatcher creates a dispatcher with a pooled transport.
func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

// TargetURL builds the upstream URL of req on ep.
func TargetURL(inst registry.Instance, ep registry.Endpoint, req *Request) string {
	scheme := "http"
	if inst.Protocol == registry.ProtocolHTTPS {
		scheme = "https"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     ep.Address(),
		Path:     joinPath(ep.Path, req.Path),
		RawQuery: req.Query.Encode(),
	}
	return u.String()
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		if p == "" {
			return "/"
		}
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, inst registry.Instance, ep registry.Endpoint, req *Request) (*Response, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, TargetURL(inst, ep, req), body)
	if err != nil {
		return nil, util.NewDispatchFailureError(ep.ID, 0, err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, util.NewDispatchFailureError(ep.ID, 0, err)
	}
	defer resp.Body.Close()

	limit := d.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, util.NewDispatchFailureError(ep.ID, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	headers := resp.Header.Clone()
	for _, h := range hopHeaders {
		headers.Del(h)
	}
	out := &Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       data,
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, util.NewDispatchFailureError(ep.ID, resp.StatusCode, nil)
	}
	return out, nil
}
