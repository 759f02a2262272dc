package gateway

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"time"
)

// Headers that describe the client hop and must not reach the backend.
var hopHeaders = []string{
	"Host",
	"Connection",
	"Transfer-Encoding",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Upgrade",
}

// newBackendClient returns a client that opens a fresh connection per
// request and hands redirects back to the browser.
func newBackendClient(dialer *net.Dialer, responseTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			DisableKeepAlives:     true,
			DisableCompression:    true,
			ResponseHeaderTimeout: responseTimeout,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (g *Gateway) serveForward(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.logger.Warn("read request body", "error", err, "path", r.URL.Path)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	target := "http://" + g.config.BackendAddr + r.URL.RequestURI()
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		g.logger.Error("build backend request", "error", err, "target", target)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	out.Header = backendHeaders(r)
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if len(body) == 0 {
		out.Body = http.NoBody
		out.ContentLength = 0
	}
	out.Host = g.config.BackendAddr
	out.Close = true

	resp, err := g.client.Do(out)
	if err != nil {
		g.logger.Warn("backend request failed", "error", err, "method", r.Method, "path", r.URL.Path)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Del("Transfer-Encoding")
	w.Header().Set("Connection", "close")
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.Debug("copy backend response", "error", err, "path", r.URL.Path)
	}
}
