package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/rescale-xfer/internal/transfer"
	"github.com/rescale/rescale-xfer/internal/version"
)

// maxResponseSnippet bounds the upload response body kept as the server response.
const maxResponseSnippet = 4096

// HTTPBackend transfers plain http and https URLs. Downloads resume with a
// Range header; uploads are a single PUT.
type HTTPBackend struct {
	client *retryablehttp.Client
}

func NewHTTPBackend(client *retryablehttp.Client) *HTTPBackend {
	return &HTTPBackend{client: client}
}

func (b *HTTPBackend) Open(ctx context.Context, task Task, offset int64) (*Object, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return nil, transfer.NewError(transfer.CodeInvalidURL, false, err, "cannot build request for %s", task.URL)
	}
	setHeaders(req.Header, task.Headers)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		total := transfer.UnknownSize
		if start, size, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			if start != offset {
				resp.Body.Close()
				return nil, transfer.NewError(transfer.CodeUnexpectedEnd, true, nil,
					"server resumed %s at %d, expected %d", task.URL, start, offset)
			}
			total = size
		}
		return &Object{Body: resp.Body, Offset: offset, Size: total}, nil

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// The partial file already holds the whole object.
		resp.Body.Close()
		if _, size, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && size != offset {
			return nil, transfer.NewError(transfer.CodeUnexpectedEnd, true, nil,
				"partial download of %s is %d bytes but the object is %d", task.URL, offset, size)
		}
		return &Object{Body: http.NoBody, Offset: offset, Size: offset}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		size := resp.ContentLength
		if size < 0 {
			size = transfer.UnknownSize
		}
		return &Object{Body: resp.Body, Offset: 0, Size: size}, nil
	}

	resp.Body.Close()
	return nil, transfer.HTTPStatusError(resp.StatusCode, task.URL)
}

func (b *HTTPBackend) Put(ctx context.Context, task Task, body io.ReadSeeker, size int64) (string, error) {
	rewind := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return body, nil
	})
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, task.URL, rewind)
	if err != nil {
		return "", transfer.NewError(transfer.CodeInvalidURL, false, err, "cannot build request for %s", task.URL)
	}
	req.ContentLength = size
	setHeaders(req.Header, task.Headers)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnippet))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", transfer.HTTPStatusError(resp.StatusCode, task.URL)
	}
	if len(snippet) == 0 {
		return resp.Header.Get("ETag"), nil
	}
	return string(snippet), nil
}

func setHeaders(h http.Header, headers map[string]string) {
	h.Set("User-Agent", version.UserAgent())
	for k, v := range headers {
		h.Set(k, v)
	}
}

// parseContentRange reads "bytes start-end/size". size is UnknownSize for "*".
func parseContentRange(v string) (start, size int64, ok bool) {
	v, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, total, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}

	size = transfer.UnknownSize
	if total != "*" {
		n, err := strconv.ParseInt(total, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		size = n
	}
	if rng == "*" {
		return 0, size, true
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return n, size, true
}
