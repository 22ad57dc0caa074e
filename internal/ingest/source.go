package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/lox/tempcast/internal/httputil"
	"github.com/lox/tempcast/internal/metrics"
)

const (
	defaultHTTPTimeout = 5 * time.Minute
	defaultFTPTimeout  = 30 * time.Second
	defaultMaxElapsed  = 2 * time.Minute
)

// Opener resolves a dataset source to a stream. Sources are local paths,
// file://, http(s):// or ftp:// URLs.
type Opener struct {
	client     *http.Client
	ftpTimeout time.Duration
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

func NewOpener(logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{
		client:     httputil.NewClient(defaultHTTPTimeout),
		ftpTimeout: defaultFTPTimeout,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = defaultMaxElapsed
			return bo
		},
		logger: logger.With("component", "ingest"),
	}
}

func (o *Opener) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	u, err := url.Parse(source)
	if err != nil || len(u.Scheme) <= 1 {
		// Plain path, including Windows drive letters.
		return openFile(source)
	}

	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "http", "https":
		return o.openHTTP(ctx, u.String())
	case "ftp":
		return o.openFTP(u)
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		metrics.SourceFetches.WithLabelValues("file", "error").Inc()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	metrics.SourceFetches.WithLabelValues("file", "ok").Inc()
	return f, nil
}

func (o *Opener) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	start := time.Now()
	defer func() {
		metrics.SourceFetchLatency.WithLabelValues("http").Observe(time.Since(start).Seconds())
	}()

	var body io.ReadCloser
	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		resp, err := o.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("fetch source: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 500 {
			resp.Body.Close()
			o.logger.Warn("source fetch retry", "url", rawURL, "status", resp.StatusCode, "attempt", attempt)
			return fmt.Errorf("fetch source: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return backoff.Permanent(fmt.Errorf("fetch source: status %d: %s", resp.StatusCode, string(b)))
		}

		body = resp.Body
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(o.newBackOff(), ctx)); err != nil {
		metrics.SourceFetches.WithLabelValues("http", "error").Inc()
		return nil, err
	}
	metrics.SourceFetches.WithLabelValues("http", "ok").Inc()
	o.logger.Info("source fetched", "url", rawURL, "attempts", attempt)
	return body, nil
}

// ftpBody closes the transfer before ending the session.
type ftpBody struct {
	*ftp.Response
	conn *ftp.ServerConn
}

func (b *ftpBody) Close() error {
	err := b.Response.Close()
	if qerr := b.conn.Quit(); err == nil {
		err = qerr
	}
	return err
}

func (o *Opener) openFTP(u *url.URL) (io.ReadCloser, error) {
	host := u.Host
	if u.Port() == "" {
		host = host + ":21"
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(o.ftpTimeout))
	if err != nil {
		metrics.SourceFetches.WithLabelValues("ftp", "error").Inc()
		return nil, fmt.Errorf("ftp dial: %w", err)
	}

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		metrics.SourceFetches.WithLabelValues("ftp", "error").Inc()
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		conn.Quit()
		metrics.SourceFetches.WithLabelValues("ftp", "error").Inc()
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	metrics.SourceFetches.WithLabelValues("ftp", "ok").Inc()
	return &ftpBody{Response: resp, conn: conn}, nil
}
