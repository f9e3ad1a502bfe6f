package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps all records in one JSON file that is rewritten atomically
// on every change.
type FileStore struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
}

type fileFormat struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

const fileFormatVersion = 1

// OpenFileStore loads path, or starts empty if it does not exist.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, records: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("failed to read transfer records: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transfer records: %w", err)
	}
	for _, rec := range f.Records {
		fs.records[rec.Key] = rec
	}
	return fs, nil
}

// Path returns the backing file.
func (fs *FileStore) Path() string { return fs.path }

func (fs *FileStore) Get(key string) (Record, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	rec, ok := fs.records[key]
	return rec, ok, nil
}

func (fs *FileStore) Put(rec Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prev, existed := fs.records[rec.Key]
	fs.records[rec.Key] = stamp(rec)
	if err := fs.saveLocked(); err != nil {
		if existed {
			fs.records[rec.Key] = prev
		} else {
			delete(fs.records, rec.Key)
		}
		return err
	}
	return nil
}

func (fs *FileStore) Delete(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.records[key]; !ok {
		return nil
	}
	delete(fs.records, key)
	return fs.saveLocked()
}

func (fs *FileStore) List() ([]Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return sortedRecords(fs.records), nil
}

// saveLocked writes the records via a temp file and rename. Records include
// local paths, so the file is owner-only.
func (fs *FileStore) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	data, err := json.MarshalIndent(fileFormat{
		Version: fileFormatVersion,
		Records: sortedRecords(fs.records),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transfer records: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename store file: %w", err)
	}
	return nil
}
