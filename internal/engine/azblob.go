package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// AzureBackend transfers azblob://container/blob URLs against the storage
// account named by the connection string.
type AzureBackend struct {
	client *azblob.Client
}

// NewAzureBackend builds a blob client that sends requests through httpClient.
func NewAzureBackend(cfg config.AzureConfig, httpClient *http.Client) (*AzureBackend, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("azure connection string is empty")
	}
	var opts *azblob.ClientOptions
	if httpClient != nil {
		opts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{Transport: httpClient},
		}
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return &AzureBackend{client: client}, nil
}

func (b *AzureBackend) Open(ctx context.Context, task Task, offset int64) (*Object, error) {
	container, blobName, err := splitContainerURL(task.URL)
	if err != nil {
		return nil, err
	}

	var opts *azblob.DownloadStreamOptions
	if offset > 0 {
		opts = &azblob.DownloadStreamOptions{Range: azblob.HTTPRange{Offset: offset}}
	}
	resp, err := b.client.DownloadStream(ctx, container, blobName, opts)
	if err != nil {
		if offset > 0 && azureStatus(err) == http.StatusRequestedRangeNotSatisfiable {
			return &Object{Body: http.NoBody, Offset: offset, Size: offset}, nil
		}
		return nil, classifyAzureError(err, task.URL)
	}

	if offset > 0 && resp.ContentRange != nil {
		if start, size, ok := parseContentRange(*resp.ContentRange); ok && start == offset {
			return &Object{Body: resp.Body, Offset: offset, Size: size}, nil
		}
	}
	size := transfer.UnknownSize
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return &Object{Body: resp.Body, Offset: 0, Size: size}, nil
}

func (b *AzureBackend) Put(ctx context.Context, task Task, body io.ReadSeeker, size int64) (string, error) {
	container, blobName, err := splitContainerURL(task.URL)
	if err != nil {
		return "", err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", transfer.NewError(transfer.CodeFile, false, err, "cannot rewind %s", task.LocalPath)
	}

	resp, err := b.client.UploadStream(ctx, container, blobName, body, nil)
	if err != nil {
		return "", classifyAzureError(err, task.URL)
	}
	if resp.ETag == nil {
		return "", nil
	}
	return string(*resp.ETag), nil
}

func azureStatus(err error) int {
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

func classifyAzureError(err error, url string) error {
	if status := azureStatus(err); status != 0 {
		e := transfer.HTTPStatusError(status, url)
		e.Err = err
		return e
	}
	return err
}
