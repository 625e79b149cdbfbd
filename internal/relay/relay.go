// Package relay proxies the camera's continuous stream to browser clients.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smazurov/blindspot/internal/metrics"
	"github.com/smazurov/blindspot/internal/version"
)

// ErrUpstream wraps failures to reach the camera.
var ErrUpstream = errors.New("camera upstream unavailable")

// BadGatewayMessage is the body sent when the camera cannot be reached.
const BadGatewayMessage = "Bad Gateway: Could not connect to camera stream."

// Config locates the camera stream.
type Config struct {
	Host           string
	Port           int
	Path           string
	ConnectTimeout time.Duration
}

// URL returns the upstream stream URL.
func (c Config) URL() *url.URL {
	path := c.Path
	if path == "" {
		path = "/stream"
	}
	return &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   path,
	}
}

// Handler relays one upstream response per request. There is no retry and
// no caching; the upstream request lives exactly as long as the downstream
// request context.
type Handler struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// New creates a relay for cfg.
func New(cfg Config, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("camera host is empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid camera port %d", cfg.Port)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	h := &Handler{
		target: cfg.URL(),
		logger: logger.With("component", "relay"),
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		// Each relay owns its upstream connection.
		DisableKeepAlives: true,
	}

	h.proxy = &httputil.ReverseProxy{
		Rewrite:        h.rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: h.modifyResponse,
		ErrorHandler:   h.errorHandler,
		ErrorLog:       slog.NewLogLogger(h.logger.Handler(), slog.LevelDebug),
	}

	return h, nil
}

// Target returns the upstream URL.
func (h *Handler) Target() string {
	return h.target.String()
}

func (h *Handler) rewrite(r *httputil.ProxyRequest) {
	r.Out.Method = http.MethodGet
	r.Out.URL = &url.URL{
		Scheme: h.target.Scheme,
		Host:   h.target.Host,
		Path:   h.target.Path,
	}
	r.Out.Host = h.target.Host
	r.Out.Body = nil
	r.Out.ContentLength = 0

	// Client credentials and cookies never reach the camera.
	r.Out.Header = make(http.Header)
	if accept := r.In.Header.Get("Accept"); accept != "" {
		r.Out.Header.Set("Accept", accept)
	}
	r.Out.Header.Set("User-Agent", version.UserAgent())
}

func (h *Handler) modifyResponse(res *http.Response) error {
	h.logger.Debug("Camera stream connected",
		"status", res.StatusCode,
		"content_type", res.Header.Get("Content-Type"))
	// CORS is answered by the server, not the camera.
	for key := range res.Header {
		if strings.HasPrefix(key, "Access-Control-") {
			res.Header.Del(key)
		}
	}
	res.Body = &countingBody{ReadCloser: res.Body}
	return nil
}

func (h *Handler) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		// The client left before the camera answered.
		h.logger.Debug("Relay cancelled", "remote", r.RemoteAddr)
		return
	}

	metrics.RecordRelayFailure("connect")
	h.logger.Error("Camera proxy request failed",
		"error", fmt.Errorf("%w: %v", ErrUpstream, err),
		"target", h.target.String())

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, BadGatewayMessage)
}

// ServeHTTP relays the camera stream until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.RelayStarted()
	start := time.Now()
	h.logger.Debug("Relay started", "remote", r.RemoteAddr, "target", h.target.String())

	defer func() {
		metrics.RelayFinished()
		h.logger.Debug("Relay finished", "remote", r.RemoteAddr, "duration", time.Since(start))
	}()

	h.proxy.ServeHTTP(w, r)
}

// countingBody counts relayed bytes.
type countingBody struct {
	io.ReadCloser
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		metrics.AddRelayBytes(n)
	}
	return n, err
}
