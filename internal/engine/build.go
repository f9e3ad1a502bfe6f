package engine

import (
	"context"
	"fmt"

	"github.com/rescale/rescale-xfer/internal/config"
	xhttp "github.com/rescale/rescale-xfer/internal/http"
	"github.com/rescale/rescale-xfer/internal/logging"
)

// NewFromConfig builds a Runner with every backend the config enables. http
// and https are always available; s3 uses the default AWS credential chain
// when no static keys are configured; azblob and webdav need their section.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Runner, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}

	client, err := xhttp.NewRetryableClient(&cfg.HTTP, logger)
	if err != nil {
		return nil, err
	}
	shared := client.HTTPClient

	r := NewRunner(logger.Component("engine"))
	r.SetBandwidthLimit(cfg.Queue.BandwidthLimit)
	hb := NewHTTPBackend(client)
	r.Register("http", hb)
	r.Register("https", hb)

	s3b, err := NewS3Backend(ctx, cfg.S3, shared)
	if err != nil {
		return nil, fmt.Errorf("s3 backend: %w", err)
	}
	r.Register("s3", s3b)

	if cfg.Azure.ConnectionString != "" {
		ab, err := NewAzureBackend(cfg.Azure, shared)
		if err != nil {
			return nil, fmt.Errorf("azure backend: %w", err)
		}
		r.Register("azblob", ab)
	}

	if cfg.WebDAV.URL != "" {
		wb, err := NewWebDAVBackend(cfg.WebDAV, shared.Transport)
		if err != nil {
			return nil, fmt.Errorf("webdav backend: %w", err)
		}
		r.Register("webdav", wb)
	}

	logger.Debug().Strs("schemes", r.Schemes()).Msg("transfer engine ready")
	return r, nil
}
