package filestore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aatumaykin/nexrun/internal/fsutil"
	"github.com/aatumaykin/nexrun/internal/logger"
)

const maxRecordSize = 16 * 1024 * 1024

// collection is one JSONL file holding a record per line, guarded by an
// in-process mutex and a flock on a sibling .lock file.
type collection[T any] struct {
	name     string
	filePath string
	lockPath string
	logger   *logger.Logger
	mu       sync.RWMutex
}

func newCollection[T any](dir, name string, log *logger.Logger) *collection[T] {
	return &collection[T]{
		name:     name,
		filePath: filepath.Join(dir, name+".jsonl"),
		lockPath: filepath.Join(dir, name+".lock"),
		logger:   log,
	}
}

// view runs fn over a consistent snapshot under a shared lock.
func (c *collection[T]) view(fn func(items []T) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fl := fsutil.NewFileLock(c.lockPath)
	if err := fl.RLock(); err != nil {
		return err
	}
	defer fl.Unlock()

	items, err := c.load()
	if err != nil {
		return err
	}
	return fn(items)
}

// update runs fn under an exclusive lock and saves the returned slice when
// fn reports a change. Nothing is written if fn fails.
func (c *collection[T]) update(fn func(items []T) ([]T, bool, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl := fsutil.NewFileLock(c.lockPath)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer fl.Unlock()

	items, err := c.load()
	if err != nil {
		return err
	}
	items, changed, err := fn(items)
	if err != nil || !changed {
		return err
	}
	return c.save(items)
}

// load reads every record. A missing file is an empty collection; a record
// that does not decode is an error, since saving would drop it.
func (c *collection[T]) load() ([]T, error) {
	file, err := os.Open(c.filePath)
	if os.IsNotExist(err) {
		return []T{}, nil
	}
	if err != nil {
		c.logger.Error("failed to open storage file", err,
			logger.Field{Key: "file", Value: c.filePath})
		return nil, err
	}
	defer file.Close()

	var items []T
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			c.logger.Error("failed to unmarshal record", err,
				logger.Field{Key: "file", Value: c.filePath},
				logger.Field{Key: "line", Value: lineNum})
			return nil, fmt.Errorf("%s line %d: %w", c.filePath, lineNum, err)
		}
		items = append(items, item)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("error scanning storage file", err,
			logger.Field{Key: "file", Value: c.filePath})
		return nil, err
	}
	return items, nil
}

// save rewrites the whole file atomically.
func (c *collection[T]) save(items []T) error {
	var buf bytes.Buffer
	for i := range items {
		data, err := json.Marshal(items[i])
		if err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", c.name, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := fsutil.WriteFileAtomic(c.filePath, buf.Bytes(), 0644); err != nil {
		c.logger.Error("failed to save storage file", err,
			logger.Field{Key: "file", Value: c.filePath})
		return err
	}

	c.logger.Debug("records saved to storage",
		logger.Field{Key: "collection", Value: c.name},
		logger.Field{Key: "count", Value: len(items)})
	return nil
}
