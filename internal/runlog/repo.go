package runlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/aatumaykin/nexrun/internal/ids"
	"github.com/aatumaykin/nexrun/internal/logger"
)

const (
	// LogExtension is the file extension of run logs.
	LogExtension = ".jsonl"

	// DefaultPageSize is the number of runs returned by List.
	DefaultPageSize = 20

	maxLineSize = 16 * 1024 * 1024
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrCorruptRun  = errors.New("corrupt run")
)

// errStopStream ends Stream early without reporting an error.
var errStopStream = errors.New("stop stream")

// Run is a fully parsed run log.
type Run struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	AgentID   string    `json:"agentId"`
	Title     string    `json:"title,omitempty"`
	Log       []Event   `json:"log"`
}

// RunSummary is the metadata of a run, read without parsing its full log.
type RunSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	AgentID   string    `json:"agentId"`
	Title     string    `json:"title,omitempty"`
}

// ListResult is a page of run summaries, newest first.
type ListResult struct {
	Runs       []RunSummary `json:"runs"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

// Repository is the run log contract used by the runner, the resume path and
// the admin surface.
type Repository interface {
	Create(ctx context.Context, agentID string) (*Run, error)
	AppendEvents(ctx context.Context, runID string, events ...Event) error
	Fetch(ctx context.Context, runID string) (*Run, error)
	List(ctx context.Context, cursor string) (*ListResult, error)
	ReadTips(ctx context.Context, runID string) (*RunSummary, error)
	Stream(ctx context.Context, runID string, fn func(Event) error) error
	Delete(ctx context.Context, runID string) error
}

// FileRepo keeps one JSONL file per run in a directory.
type FileRepo struct {
	dir      string
	pageSize int
	idGen    ids.Generator
	logger   *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileRepo creates a repository rooted at dir. pageSize <= 0 uses DefaultPageSize.
func NewFileRepo(dir string, pageSize int, idGen ids.Generator, log *logger.Logger) *FileRepo {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if idGen == nil {
		idGen = ids.NewRunIDGenerator()
	}
	return &FileRepo{
		dir:      dir,
		pageSize: pageSize,
		idGen:    idGen,
		logger:   log,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Create allocates a run id and writes its start event.
func (r *FileRepo) Create(ctx context.Context, agentID string) (*Run, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}

	runID := r.idGen.Next()
	start := Start(agentID)
	data, err := encodeEvents([]Event{start})
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(r.path(runID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run %s: %w", runID, err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write start event: %w", err)
	}

	r.logger.Debug("run created",
		logger.Field{Key: "run_id", Value: runID},
		logger.Field{Key: "agent_id", Value: agentID})

	return &Run{ID: runID, CreatedAt: start.Ts, AgentID: agentID, Log: []Event{start}}, nil
}

// AppendEvents writes all durable events of one call with a single write.
func (r *FileRepo) AppendEvents(ctx context.Context, runID string, events ...Event) error {
	durable := make([]Event, 0, len(events))
	for _, e := range events {
		if !e.Durable() {
			continue
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid %s event: %w", e.Type, err)
		}
		if e.Type == EventStart {
			return errors.New("start event can only be written by Create")
		}
		durable = append(durable, e)
	}
	if len(durable) == 0 {
		return nil
	}

	data, err := encodeEvents(durable)
	if err != nil {
		return err
	}

	lock := r.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(r.path(runID), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("failed to open run %s: %w", runID, err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		r.logger.Error("failed to append run events", err,
			logger.Field{Key: "run_id", Value: runID},
			logger.Field{Key: "count", Value: len(durable)})
		return fmt.Errorf("failed to append to run %s: %w", runID, err)
	}
	return file.Sync()
}

// Fetch parses the whole log of a run.
func (r *FileRepo) Fetch(ctx context.Context, runID string) (*Run, error) {
	run := &Run{ID: runID}
	err := r.Stream(ctx, runID, func(e Event) error {
		if len(run.Log) == 0 {
			run.CreatedAt = e.Ts
			run.AgentID = e.AgentID
		}
		if run.Title == "" && e.Type == EventMessage && e.Message.Role == chat.RoleUser {
			run.Title = Title(e.Message.Content)
		}
		run.Log = append(run.Log, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ReadTips reads a run's start event and scans only until the first message
// event. The title comes from that message when it is user-authored.
func (r *FileRepo) ReadTips(ctx context.Context, runID string) (*RunSummary, error) {
	summary := &RunSummary{ID: runID}
	first := true
	err := r.Stream(ctx, runID, func(e Event) error {
		if first {
			first = false
			summary.CreatedAt = e.Ts
			summary.AgentID = e.AgentID
			return nil
		}
		if e.Type != EventMessage {
			return nil
		}
		if e.Message.Role == chat.RoleUser {
			summary.Title = Title(e.Message.Content)
		}
		return errStopStream
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Stream decodes the log line by line and calls fn for every event in order.
// The first event must be a start event. fn may stop the scan by returning an error.
func (r *FileRepo) Stream(ctx context.Context, runID string, fn func(Event) error) error {
	file, err := os.Open(r.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("failed to open run %s: %w", runID, err)
	}
	defer file.Close()

	err = scanEvents(ctx, file, runID, fn)
	if errors.Is(err, errStopStream) {
		return nil
	}
	return err
}

// List returns a page of runs, newest first, starting strictly before cursor.
func (r *FileRepo) List(ctx context.Context, cursor string) (*ListResult, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &ListResult{Runs: []RunSummary{}}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	runIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, LogExtension) {
			continue
		}
		runIDs = append(runIDs, strings.TrimSuffix(name, LogExtension))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runIDs)))

	start := 0
	if cursor != "" {
		start = sort.Search(len(runIDs), func(i int) bool { return runIDs[i] < cursor })
	}

	result := &ListResult{Runs: make([]RunSummary, 0, r.pageSize)}
	i := start
	for ; i < len(runIDs) && len(result.Runs) < r.pageSize; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		summary, err := r.ReadTips(ctx, runIDs[i])
		if err != nil {
			r.logger.Warn("skipping unreadable run",
				logger.Field{Key: "run_id", Value: runIDs[i]},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}
		result.Runs = append(result.Runs, *summary)
	}
	if i < len(runIDs) && len(result.Runs) > 0 {
		result.NextCursor = result.Runs[len(result.Runs)-1].ID
	}
	return result, nil
}

// Delete removes a run log.
func (r *FileRepo) Delete(ctx context.Context, runID string) error {
	if err := os.Remove(r.path(runID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}

	r.mu.Lock()
	delete(r.locks, runID)
	r.mu.Unlock()

	r.logger.Debug("run deleted", logger.Field{Key: "run_id", Value: runID})
	return nil
}

func (r *FileRepo) path(runID string) string {
	return filepath.Join(r.dir, filepath.Base(runID)+LogExtension)
}

func (r *FileRepo) runLock(runID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.locks[runID]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[runID] = l
	return l
}

func scanEvents(ctx context.Context, rd io.Reader, runID string, fn func(Event) error) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lineNum++
		if lineNum%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("%w: %s line %d: %v", ErrCorruptRun, runID, lineNum, err)
		}
		if lineNum == 1 && e.Type != EventStart {
			return fmt.Errorf("%w: %s does not begin with a start event", ErrCorruptRun, runID)
		}
		if e.Type == EventMessage && e.Message == nil {
			return fmt.Errorf("%w: %s line %d: message event without message", ErrCorruptRun, runID, lineNum)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	if lineNum == 0 {
		return fmt.Errorf("%w: %s is empty", ErrCorruptRun, runID)
	}
	return nil
}

func encodeEvents(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
