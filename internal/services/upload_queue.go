package services

import (
	"github.com/rescale/rescale-xfer/internal/engine"
	"github.com/rescale/rescale-xfer/internal/transfer"
)

// UploadQueue schedules uploads keyed by destination URL.
type UploadQueue struct {
	*transferService
}

func NewUploadQueue(t Transport, opts transfer.Options) (*UploadQueue, error) {
	s, err := newTransferService(t, engine.Upload, opts)
	if err != nil {
		return nil, err
	}
	return &UploadQueue{transferService: s}, nil
}

// AddFile queues an upload of localPath to url.
func (u *UploadQueue) AddFile(localPath, url string, opts ...transfer.AddOption) (*transfer.Item[engine.Task], error) {
	return u.AddTask(engine.Task{URL: url, LocalPath: localPath, Direction: engine.Upload}, opts...)
}
