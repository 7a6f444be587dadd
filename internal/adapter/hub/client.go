package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tensorfetch/tensorfetch/internal/domain"
	"github.com/tensorfetch/tensorfetch/internal/port"
)

const defaultRequestTimeout = 30 * time.Second

// Client talks to the content host's catalog and file-resolve endpoints.
// It carries no transfer state: retry and resume policy live in the
// worker pool.
type Client struct {
	baseURL        string
	token          string
	revision       string
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         *zap.Logger

	rangeOnce    sync.Once
	rangeSupport bool
}

// Ensure Client implements port.HubClient
var _ port.HubClient = (*Client)(nil)

// NewClient creates a hub client. token may be empty for anonymous
// access to public models. requestTimeout bounds each request: metadata
// calls as a whole, downloads until response headers arrive and between
// body reads. Zero means the default.
func NewClient(baseURL, token string, requestTimeout time.Duration, logger *zap.Logger) *Client {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = requestTimeout

	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		revision:       "main",
		requestTimeout: requestTimeout,
		logger:         logger,
		httpClient: &http.Client{
			// No overall client timeout: a large file body may stream
			// far longer than any fixed budget. Stalls are caught per
			// request instead.
			Transport: transport,
		},
	}
}

// modelInfo mirrors the catalog's model metadata response
type modelInfo struct {
	Siblings []struct {
		Filename string `json:"rfilename"`
		Size     int64  `json:"size"`
		LFS      *struct {
			OID  string `json:"oid"`
			Size int64  `json:"size"`
		} `json:"lfs"`
	} `json:"siblings"`
}

// FetchDescriptors lists a model's files, applying the filter
func (c *Client) FetchDescriptors(ctx context.Context, modelID string, filter port.DescriptorFilter) ([]domain.FileDescriptor, error) {
	info, err := c.fetchModelInfo(ctx, modelID)
	if err != nil {
		return nil, err
	}

	var descriptors []domain.FileDescriptor
	for _, sib := range info.Siblings {
		desc := domain.FileDescriptor{
			Filename: sib.Filename,
			Size:     sib.Size,
			QuantTag: quantTag(sib.Filename),
		}
		if sib.LFS != nil {
			// LFS oids are the sha256 of the stored object
			desc.Checksum = strings.ToLower(sib.LFS.OID)
			if sib.LFS.Size > 0 {
				desc.Size = sib.LFS.Size
			}
		}

		if filter.Contains != "" && !strings.Contains(desc.Filename, filter.Contains) {
			continue
		}
		if filter.QuantTag != "" && !strings.EqualFold(desc.QuantTag, filter.QuantTag) {
			continue
		}

		descriptors = append(descriptors, desc)
	}

	return descriptors, nil
}

// FetchQuantGroups lists a model's quantization variants
func (c *Client) FetchQuantGroups(ctx context.Context, modelID string) ([]domain.QuantizationGroup, error) {
	descriptors, err := c.FetchDescriptors(ctx, modelID, port.DescriptorFilter{})
	if err != nil {
		return nil, err
	}
	return GroupByQuant(descriptors), nil
}

// fetchModelInfo queries the catalog metadata endpoint
func (c *Client) fetchModelInfo(ctx context.Context, modelID string) (*modelInfo, error) {
	urlStr := fmt.Sprintf("%s/api/models/%s", c.baseURL, modelID)

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.doRequest(ctx, http.MethodGet, urlStr, -1)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, urlStr); err != nil {
		return nil, err
	}

	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return &info, nil
}

// resolveURL builds the direct download URL for a model file
func (c *Client) resolveURL(modelID, filename string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s",
		c.baseURL, modelID, c.revision, url.PathEscape(filename))
}

// SupportsRange reports whether the host honors byte-range requests.
// The capability is probed once per host and cached; on probe failure
// the host is assumed not to support ranges and transfers fall back to
// full restarts.
func (c *Client) SupportsRange(ctx context.Context) bool {
	c.rangeOnce.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.baseURL+"/", nil)
		if err != nil {
			return
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("range capability probe failed", zap.Error(err))
			return
		}
		defer resp.Body.Close()

		c.rangeSupport = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
		c.logger.Debug("range capability probed",
			zap.Bool("supported", c.rangeSupport))
	})
	return c.rangeSupport
}

// Open starts a download stream for a model file. When offset > 0 a
// ranged request is attempted; start reports where the returned body
// actually begins. A host that ignores the range answers 200 and the
// stream starts at 0. The returned body aborts the request when the
// host stops sending for longer than the request timeout, surfacing a
// silent stall as a read error the worker can retry.
func (c *Client) Open(ctx context.Context, modelID, filename string, offset int64) (io.ReadCloser, int64, error) {
	urlStr := c.resolveURL(modelID, filename)

	reqCtx, cancel := context.WithCancel(ctx)

	resp, err := c.doRequest(reqCtx, http.MethodGet, urlStr, offset)
	if err != nil {
		cancel()
		return nil, 0, err
	}

	if err := checkStatus(resp, urlStr); err != nil {
		resp.Body.Close()
		cancel()
		return nil, 0, err
	}

	start := int64(0)
	if resp.StatusCode == http.StatusPartialContent {
		start = offset
	}

	return newStallGuard(resp.Body, c.requestTimeout, cancel), start, nil
}

// stallGuard wraps a response body and aborts the request when no bytes
// arrive within the timeout. The guard deadline is rearmed on every read.
type stallGuard struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
}

func newStallGuard(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *stallGuard {
	return &stallGuard{
		body:    body,
		timeout: timeout,
		timer:   time.AfterFunc(timeout, cancel),
		cancel:  cancel,
	}
}

func (g *stallGuard) Read(p []byte) (int, error) {
	g.timer.Reset(g.timeout)
	n, err := g.body.Read(p)
	if err != nil {
		g.timer.Stop()
	}
	return n, err
}

func (g *stallGuard) Close() error {
	g.timer.Stop()
	g.cancel()
	return g.body.Close()
}

// doRequest issues one HTTP request, setting auth and range headers.
// rangeStart < 0 means no range header.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, rangeStart int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.applyAuth(req)
	if rangeStart > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeStart))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: method + " " + urlStr, Err: err}
	}

	return resp, nil
}

func (c *Client) applyAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// checkStatus classifies non-success responses. Auth failures are
// terminal and distinct; server errors are transient.
func checkStatus(resp *http.Response, urlStr string) error {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %s", domain.ErrAuthFailed, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, urlStr)
	case resp.StatusCode >= 500:
		return &domain.NetworkError{Op: urlStr, Err: fmt.Errorf("status %s", resp.Status)}
	default:
		return fmt.Errorf("unexpected status %s for %s", resp.Status, urlStr)
	}
}
