package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/store"
)

// ProgressFunc is called synchronously after each chunk is written.
// total is -1 when the server did not announce a length.
type ProgressFunc func(ref artifact.Ref, written, total int64)

// Config holds Manager settings.
type Config struct {
	// CacheRoot is the root of <root>/<name>/<version>/<fileName>.
	CacheRoot string
	// TargetOS and Arch are sent with every artifact query.
	TargetOS string
	Arch     string

	UserAgent string
	// Timeout bounds a whole transfer; zero leaves it to the transport.
	Timeout   time.Duration
	Transport http.RoundTripper
	Logger    *slog.Logger
	Progress  ProgressFunc
}

// Manager performs resumable artifact retrieval into the cache.
type Manager struct {
	layout    artifact.Layout
	state     store.Store
	client    *http.Client
	targetOS  string
	arch      string
	userAgent string
	logger    *slog.Logger
	progress  ProgressFunc
}

func New(cfg Config, state store.Store) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "deployr"
	}
	return &Manager{
		layout:    artifact.Layout{Root: cfg.CacheRoot},
		state:     state,
		client:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		targetOS:  cfg.TargetOS,
		arch:      cfg.Arch,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
		progress:  cfg.Progress,
	}
}

// Layout returns the cache layout.
func (m *Manager) Layout() artifact.Layout { return m.layout }

// QueryURL builds the artifact endpoint URL for ref.
func (m *Manager) QueryURL(rootURL string, ref artifact.Ref) string {
	q := url.Values{}
	q.Set("appName", ref.Name)
	q.Set("version", ref.Version)
	q.Set("targetOs", m.targetOS)
	q.Set("arch", m.arch)
	return strings.TrimRight(rootURL, "/") + "/apps?" + q.Encode()
}

// Acquire guarantees the finalized cache file for ref exists and returns its
// path. A finalized file is reused without any network call. A partial file
// with a stored validator is resumed with a conditional range request.
func (m *Manager) Acquire(ctx context.Context, rootURL string, ref artifact.Ref) (string, error) {
	label := ref.Name
	if err := ref.Validate(); err != nil {
		return "", &Error{Op: "validate", Ref: ref, Kind: KindFilesystem, Err: err}
	}

	final := m.layout.Path(ref)
	if fi, err := os.Stat(final); err == nil && fi.Mode().IsRegular() {
		metrics.IncDownload(label, "cached")
		return final, nil
	}

	if err := os.MkdirAll(m.layout.Dir(ref), 0o755); err != nil {
		return "", &Error{Op: "create cache dir", Ref: ref, Kind: KindFilesystem, Err: err}
	}

	part := m.layout.PartPath(ref)
	offset, validator, err := m.resumePoint(ctx, ref, part)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.QueryURL(rootURL, ref), nil)
	if err != nil {
		return "", &Error{Op: "create request", Ref: ref, Kind: KindNetwork, Err: err}
	}
	req.Header.Set("User-Agent", m.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		req.Header.Set("If-Range", validator)
		m.logger.Info("resuming download", "artifact", ref.String(), "from", humanize.IBytes(uint64(offset)))
	} else {
		m.logger.Info("starting download", "artifact", ref.String())
	}

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.IncDownload(label, "failed")
		return "", &Error{Op: "request", Ref: ref, Kind: KindNetwork, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			m.logger.Warn("error closing response body", "error", cerr)
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		err = m.restream(ctx, ref, part, resp)
	case http.StatusPartialContent:
		err = m.appendRange(ref, part, offset, resp)
	case http.StatusRequestedRangeNotSatisfiable:
		err = m.unsatisfiable(ctx, ref, part, offset, resp)
	case http.StatusNotFound:
		err = &Error{Op: "fetch", Ref: ref, Kind: KindNotFound, Status: resp.StatusCode}
	default:
		err = &Error{Op: "fetch", Ref: ref, Kind: KindStatus, Status: resp.StatusCode}
	}
	if err != nil {
		metrics.IncDownload(label, "failed")
		return "", err
	}

	if err := os.Rename(part, final); err != nil {
		metrics.IncDownload(label, "failed")
		return "", &Error{Op: "finalize", Ref: ref, Kind: KindFilesystem, Err: err}
	}
	if err := m.state.Delete(ctx, ref.Name, ref.Version); err != nil {
		// The file is final; a stale record is discarded on the next partial.
		m.logger.Warn("failed to clear download record", "artifact", ref.String(), "error", err)
	}
	metrics.IncDownload(label, "completed")
	m.logger.Info("download complete", "artifact", ref.String(), "path", final)
	return final, nil
}

// resumePoint returns the offset to resume from and its validator. A partial
// file without a usable validator is truncated so the download restarts.
func (m *Manager) resumePoint(ctx context.Context, ref artifact.Ref, part string) (int64, string, error) {
	fi, err := os.Stat(part)
	if errors.Is(err, os.ErrNotExist) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", &Error{Op: "stat partial", Ref: ref, Kind: KindFilesystem, Err: err}
	}
	if fi.Size() == 0 {
		return 0, "", nil
	}

	rec, err := m.state.Get(ctx, ref.Name, ref.Version)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return 0, "", &Error{Op: "load validator", Ref: ref, Kind: KindState, Err: err}
	case rec.Validator != "":
		return fi.Size(), rec.Validator, nil
	}

	m.logger.Info("partial download has no validator, restarting", "artifact", ref.String())
	if err := os.Truncate(part, 0); err != nil {
		return 0, "", &Error{Op: "reset partial", Ref: ref, Kind: KindFilesystem, Err: err}
	}
	return 0, "", nil
}

// restream handles a full-content response: the new validator is recorded
// before the partial file is truncated and rewritten from zero.
func (m *Manager) restream(ctx context.Context, ref artifact.Ref, part string, resp *http.Response) error {
	validator := responseValidator(resp)
	var err error
	if validator != "" {
		err = m.state.Put(ctx, store.Record{Name: ref.Name, Version: ref.Version, Validator: validator, UpdatedAt: time.Now().UTC()})
	} else {
		err = m.state.Delete(ctx, ref.Name, ref.Version)
	}
	if err != nil {
		return &Error{Op: "store validator", Ref: ref, Kind: KindState, Err: err}
	}

	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &Error{Op: "open partial", Ref: ref, Kind: KindFilesystem, Err: err}
	}
	return m.copyBody(ref, f, resp.Body, 0, resp.ContentLength)
}

// appendRange handles a partial-content response continuing at offset.
func (m *Manager) appendRange(ref artifact.Ref, part string, offset int64, resp *http.Response) error {
	start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil || start != offset {
		if err == nil {
			err = fmt.Errorf("range starts at %d, partial file has %d bytes", start, offset)
		}
		return &Error{Op: "resume", Ref: ref, Kind: KindStatus, Status: resp.StatusCode, Err: err}
	}
	metrics.IncResume(ref.Name)

	f, err := os.OpenFile(part, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &Error{Op: "open partial", Ref: ref, Kind: KindFilesystem, Err: err}
	}
	if err := m.copyBody(ref, f, resp.Body, offset, total); err != nil {
		return err
	}
	if total >= 0 {
		fi, err := os.Stat(part)
		if err != nil {
			return &Error{Op: "stat partial", Ref: ref, Kind: KindFilesystem, Err: err}
		}
		if fi.Size() != total {
			return &Error{Op: "resume", Ref: ref, Kind: KindNetwork, Err: fmt.Errorf("have %d of %d bytes", fi.Size(), total)}
		}
	}
	return nil
}

// unsatisfiable handles 416. A partial that already holds every byte is
// finalized; anything else is discarded with its record.
func (m *Manager) unsatisfiable(ctx context.Context, ref artifact.Ref, part string, offset int64, resp *http.Response) error {
	if total, ok := parseUnsatisfiedRange(resp.Header.Get("Content-Range")); ok && offset > 0 && total == offset {
		return nil
	}
	if err := os.Remove(part); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to discard partial download", "path", part, "error", err)
	}
	if err := m.state.Delete(ctx, ref.Name, ref.Version); err != nil {
		m.logger.Warn("failed to clear download record", "artifact", ref.String(), "error", err)
	}
	return &Error{Op: "resume", Ref: ref, Kind: KindStatus, Status: resp.StatusCode, Err: errors.New("range not satisfiable, partial discarded")}
}

// copyBody streams body into f, closing f. Read failures are network errors,
// write failures are filesystem errors.
func (m *Manager) copyBody(ref artifact.Ref, f *os.File, body io.Reader, offset, total int64) (err error) {
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = &Error{Op: "close partial", Ref: ref, Kind: KindFilesystem, Err: cerr}
		}
	}()
	if total < 0 {
		total = -1
	}

	pr := newProgress(m.logger, ref, offset, total, m.progress)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return &Error{Op: "write partial", Ref: ref, Kind: KindFilesystem, Err: werr}
			}
			metrics.AddDownloadBytes(ref.Name, int64(n))
			pr.add(int64(n))
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return &Error{Op: "read body", Ref: ref, Kind: KindNetwork, Err: rerr}
		}
	}
}

func responseValidator(resp *http.Response) string {
	if v := resp.Header.Get("ETag"); v != "" {
		return v
	}
	return resp.Header.Get("Last-Modified")
}

// parseContentRange parses "bytes start-end/total". total is -1 for "*".
func parseContentRange(v string) (start, total int64, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	first, _, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	if size == "*" {
		return start, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	return start, total, nil
}

// parseUnsatisfiedRange parses "bytes */total".
func parseUnsatisfiedRange(v string) (int64, bool) {
	size, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes */")
	if !ok {
		return 0, false
	}
	total, err := strconv.ParseInt(size, 10, 64)
	return total, err == nil
}
