package fieldsync

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Transport is the single opaque call that delivers a record's fields and
// image blob to the server. The engine treats it as a black box: any error is
// retried per policy unless it is wrapped in PermanentError.
//
// The transport must enforce its own timeout; the engine does not impose an
// additional outer one.
type Transport interface {
	Upload(ctx context.Context, r *Report) error
}

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc func(ctx context.Context, r *Report) error

func (f TransportFunc) Upload(ctx context.Context, r *Report) error { return f(ctx, r) }

// HTTPTransportConfig configures the reference HTTP transport.
type HTTPTransportConfig struct {
	// URL is the upload endpoint accepting a multipart payload.
	URL string
	// AuthToken, if set, is sent as a bearer token.
	AuthToken string
	// Timeout bounds each upload attempt. Defaults to 30s.
	Timeout time.Duration
}

// HTTPTransport posts a record as a multipart form to an opaque HTTP endpoint.
// 2xx means delivered. 400/413/422 are classified as permanent payload
// rejections; everything else is a retryable transport failure.
type HTTPTransport struct {
	client *resty.Client
	url    string
}

// NewHTTPTransport creates an HTTP transport for the given endpoint.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().SetTimeout(timeout)
	if cfg.AuthToken != "" {
		client.SetAuthToken(cfg.AuthToken)
	}
	return &HTTPTransport{client: client, url: cfg.URL}
}

// Upload sends the record fields plus image blob. Timeouts surface as plain
// (retryable) errors.
func (t *HTTPTransport) Upload(ctx context.Context, r *Report) error {
	req := t.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"id":          r.ID,
			"task_type":   r.TaskType,
			"site":        r.Site,
			"description": r.Description,
			"severity":    r.Severity,
			"created_at":  strconv.FormatInt(r.CreatedAt, 10),
		})
	if r.Location != nil {
		req.SetFormData(map[string]string{
			"latitude":  strconv.FormatFloat(r.Location.Latitude, 'f', -1, 64),
			"longitude": strconv.FormatFloat(r.Location.Longitude, 'f', -1, 64),
		})
	}
	if len(r.Image) > 0 {
		req.SetFileReader("image", r.ID+imageExt(r.Image), bytes.NewReader(r.Image))
	}

	resp, err := req.Post(t.url)
	if err != nil {
		return err
	}
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	uploadErr := fmt.Errorf("fieldsync: upload rejected: status %d", code)
	switch code {
	case 400, 413, 422:
		return &PermanentError{Err: uploadErr}
	}
	return uploadErr
}

// imageExt sniffs the optimizer output format from the blob's magic bytes.
func imageExt(b []byte) string {
	if len(b) >= 4 && b[0] == 0x89 && b[1] == 'P' && b[2] == 'N' && b[3] == 'G' {
		return ".png"
	}
	return ".jpg"
}
