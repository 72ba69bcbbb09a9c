package gateway

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avamesh/internal/util"
)

// DefaultMaxRequestBodyBytes bounds request bodies read by the HTTP adapter.
const DefaultMaxRequestBodyBytes = 10 << 20

// ginModeOnce keeps gin.SetMode from racing between engines.
var ginModeOnce sync.Once

// NewEngine returns a gin engine that hands every request to g.
func NewEngine(g *Gateway, maxBodyBytes int64) *gin.Engine {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxRequestBodyBytes
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.NoRoute(func(c *gin.Context) {
		g.serveGin(c, maxBodyBytes)
	})
	return engine
}

func (g *Gateway) serveGin(c *gin.Context, maxBodyBytes int64) {
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				ve := util.NewValidationError("request body too large")
				writeResponse(c, errorResponse(ve))
				return
			}
			writeResponse(c, errorResponse(util.NewValidationError("failed to read request body")))
			return
		}
	}

	req := &Request{
		ID:       c.GetHeader("X-Request-ID"),
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		Headers:  c.Request.Header.Clone(),
		Query:    c.Request.URL.Query(),
		Body:     body,
		ClientID: c.ClientIP(),
	}
	writeResponse(c, g.HandleHTTP(c.Request.Context(), req))
}

func writeResponse(c *gin.Context, resp *Response) {
	h := c.Writer.Header()
	for k, vs := range resp.Headers {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if resp.Metadata.CacheHit {
		h.Set("X-Cache", "HIT")
	}
	c.Status(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = c.Writer.Write(resp.Body)
	}
}
