package services

import (
	"github.com/rescale/rescale-xfer/internal/engine"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// DownloadQueue schedules downloads keyed by source URL.
type DownloadQueue struct {
	*transferService
}

func NewDownloadQueue(t Transport, opts transfer.Options) (*DownloadQueue, error) {
	s, err := newTransferService(t, engine.Download, opts)
	if err != nil {
		return nil, err
	}
	return &DownloadQueue{transferService: s}, nil
}

// AddURL queues a download of url into localPath. A URL that already
// completed resolves immediately from the cache.
func (d *DownloadQueue) AddURL(url, localPath string, opts ...transfer.AddOption) (*transfer.Item[engine.Task], error) {
	return d.AddTask(engine.Task{URL: url, LocalPath: localPath, Direction: engine.Download}, opts...)
}
