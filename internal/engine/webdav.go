package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"

	"github.com/studio-b12/gowebdav"

	"github.com/rescale/rescale-xfer/internal/config"
	xhttp "github.com/rescale/rescale-xfer/internal/http"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// WebDAVBackend transfers webdav://<any>/path URLs. The path is resolved
// against the server root from config; the URL host is not used.
// gowebdav has no retry layer, so stat and mkdir calls go through
// xhttp.Retry; the body transfer itself is retried by the queue.
type WebDAVBackend struct {
	cfg       config.WebDAVConfig
	transport http.RoundTripper
	client    *gowebdav.Client
	retry     xhttp.RetryPolicy
}

func NewWebDAVBackend(cfg config.WebDAVConfig, transport http.RoundTripper) (*WebDAVBackend, error) {
	if cfg.URL == "" {
		return nil, errors.New("webdav URL is empty")
	}
	b := &WebDAVBackend{cfg: cfg, transport: transport, retry: xhttp.DefaultRetryPolicy()}
	b.client = b.newClient(nil)
	return b, nil
}

func (b *WebDAVBackend) newClient(headers map[string]string) *gowebdav.Client {
	client := gowebdav.NewClient(b.cfg.URL, b.cfg.Username, b.cfg.Password)
	if b.transport != nil {
		client.SetTransport(b.transport)
	}
	for k, v := range headers {
		client.SetHeader(k, v)
	}
	return client
}

// clientFor returns the shared client, or a private one when the task
// carries its own headers. gowebdav headers are client-wide.
func (b *WebDAVBackend) clientFor(task Task) *gowebdav.Client {
	if len(task.Headers) == 0 {
		return b.client
	}
	return b.newClient(task.Headers)
}

func webdavPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", transfer.NewError(transfer.CodeInvalidURL, false, err, "invalid URL %q", rawURL)
	}
	p := path.Clean("/" + u.Path)
	if p == "/" {
		return "", transfer.NewError(transfer.CodeInvalidURL, false, nil, "URL %q has no path", rawURL)
	}
	return p, nil
}

func (b *WebDAVBackend) Open(ctx context.Context, task Task, offset int64) (*Object, error) {
	remote, err := webdavPath(task.URL)
	if err != nil {
		return nil, err
	}
	client := b.clientFor(task)

	var info os.FileInfo
	err = xhttp.Retry(ctx, b.retry, func(context.Context) error {
		var statErr error
		info, statErr = client.Stat(remote)
		return statErr
	})
	if err != nil {
		return nil, classifyWebDAVError(err, task.URL)
	}
	size := info.Size()

	if offset > 0 {
		if offset >= size {
			if offset > size {
				return nil, transfer.NewError(transfer.CodeUnexpectedEnd, true, nil,
					"partial download of %s is %d bytes but the object is %d", task.URL, offset, size)
			}
			return &Object{Body: http.NoBody, Offset: offset, Size: size}, nil
		}
		body, err := client.ReadStreamRange(remote, offset, size-offset)
		if err != nil {
			return nil, classifyWebDAVError(err, task.URL)
		}
		return &Object{Body: body, Offset: offset, Size: size}, nil
	}

	body, err := client.ReadStream(remote)
	if err != nil {
		return nil, classifyWebDAVError(err, task.URL)
	}
	return &Object{Body: body, Offset: 0, Size: size}, nil
}

func (b *WebDAVBackend) Put(ctx context.Context, task Task, body io.ReadSeeker, size int64) (string, error) {
	remote, err := webdavPath(task.URL)
	if err != nil {
		return "", err
	}
	client := b.clientFor(task)
	if dir := path.Dir(remote); dir != "/" {
		err := xhttp.Retry(ctx, b.retry, func(context.Context) error {
			return client.MkdirAll(dir, 0o755)
		})
		if err != nil {
			return "", classifyWebDAVError(err, task.URL)
		}
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", transfer.NewError(transfer.CodeFile, false, err, "cannot rewind %s", task.LocalPath)
	}
	if err := client.WriteStream(remote, body, 0o644); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyWebDAVError(err, task.URL)
	}
	return "", nil
}

func classifyWebDAVError(err error, url string) error {
	var se gowebdav.StatusError
	if errors.As(err, &se) {
		e := transfer.HTTPStatusError(se.Status, url)
		e.Err = err
		return e
	}
	return err
}
