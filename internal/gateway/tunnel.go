package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

func (g *Gateway) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	logger := g.logger.With("path", r.URL.Path, "upgrade", r.Header.Get("Upgrade"))

	// Dial before hijacking so a dead backend still gets a proper 502.
	backend, err := g.dialer.DialContext(r.Context(), "tcp", g.config.BackendAddr)
	if err != nil {
		logger.Warn("backend dial failed", "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	client, buffered, err := http.NewResponseController(w).Hijack()
	if err != nil {
		backend.Close()
		logger.Error("hijack failed", "error", err)
		http.Error(w, "Upgrade not supported", http.StatusInternalServerError)
		return
	}

	if err := writeRequestHead(backend, r); err != nil {
		logger.Warn("replay request to backend", "error", err)
		client.Close()
		backend.Close()
		return
	}

	logger.Debug("tunnel open")
	t := &tunnel{idle: g.config.TunnelIdleTimeout, logger: logger}
	t.run(client, buffered.Reader, backend)
	logger.Debug("tunnel closed")
}

// writeRequestHead replays the client's request line and headers.
func writeRequestHead(backend net.Conn, r *http.Request) error {
	bw := bufio.NewWriter(backend)
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	fmt.Fprintf(bw, "%s %s %s\r\n", r.Method, uri, r.Proto)
	fmt.Fprintf(bw, "Host: %s\r\n", r.Host)
	if err := backendHeaders(r).Write(bw); err != nil {
		return err
	}
	bw.WriteString("\r\n")
	return bw.Flush()
}

type closeWriter interface {
	CloseWrite() error
}

// tunnel relays bytes both ways until both directions finish or the whole
// tunnel has been idle for longer than idle.
type tunnel struct {
	idle   time.Duration
	logger *slog.Logger

	lastActivity atomic.Int64 // unix nanos
}

func (t *tunnel) run(client net.Conn, clientReader io.Reader, backend net.Conn) {
	t.touch()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.pump("client->backend", backend, client, clientReader)
	}()
	go func() {
		defer wg.Done()
		t.pump("backend->client", client, backend, backend)
	}()
	wg.Wait()

	client.Close()
	backend.Close()
}

// pump copies src to dst. On a clean end of input it half-closes dst so
// the peer sees EOF while the other direction keeps flowing.
func (t *tunnel) pump(dir string, dst, src net.Conn, r io.Reader) {
	n, err := t.copy(dst, src, r)

	switch {
	case err == nil:
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		} else {
			dst.Close()
		}
	case isTimeout(err):
		t.logger.Debug("tunnel idle", "direction", dir, "bytes", n)
		// Unblock the other direction.
		dst.Close()
		src.Close()
	default:
		if !isExpectedCloseError(err) {
			t.logger.Debug("relay error", "direction", dir, "bytes", n, "error", err)
		}
		dst.Close()
		src.Close()
	}
}

func (t *tunnel) copy(dst, src net.Conn, r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if t.idle > 0 {
			src.SetReadDeadline(time.Now().Add(t.idle))
		}
		n, err := r.Read(buf)
		if n > 0 {
			t.touch()
			if t.idle > 0 {
				dst.SetWriteDeadline(time.Now().Add(t.idle))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			return total, nil
		}
		// Only tear down once neither direction has moved for idle.
		if isTimeout(err) && !t.expired() {
			continue
		}
		return total, err
	}
}

func (t *tunnel) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}

func (t *tunnel) expired() bool {
	last := time.Unix(0, t.lastActivity.Load())
	return time.Since(last) >= t.idle
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// isExpectedCloseError reports whether err is a normal connection teardown.
func isExpectedCloseError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
