package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

const walFlushInterval = time.Second

// WAL implements a write-ahead log for imported telemetry
type WAL struct {
	path       string
	filename   string
	file       *os.File
	writer     *bufio.Writer
	mu         sync.Mutex
	flushTimer *time.Timer
	closed     bool
}

// WALEntry represents a single WAL entry
type WALEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	Series    []types.Series `json:"series"`
}

// NewWAL creates a new write-ahead log segment under dataPath/wal
func NewWAL(dataPath string) (*WAL, error) {
	walPath := filepath.Join(dataPath, "wal")
	if err := os.MkdirAll(walPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := filepath.Join(walPath, fmt.Sprintf("wal-%020d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	wal := &WAL{
		path:     walPath,
		filename: filename,
		file:     file,
		writer:   bufio.NewWriter(file),
	}
	wal.flushTimer = time.AfterFunc(walFlushInterval, wal.autoFlush)

	return wal, nil
}

// Append appends a write request to the WAL
func (w *WAL) Append(req *types.WriteRequest) error {
	entry := WALEntry{
		Timestamp: time.Now(),
		TenantID:  req.TenantID,
		Series:    req.Series,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("WAL is closed")
	}
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}

	return nil
}

// Flush flushes the WAL to disk
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if w.closed {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// autoFlush periodically flushes the WAL
func (w *WAL) autoFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	_ = w.flushLocked()
	w.flushTimer.Reset(walFlushInterval)
}

// Close flushes and closes the WAL segment
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if w.flushTimer != nil {
		w.flushTimer.Stop()
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// Remove deletes the segment once its entries are committed elsewhere.
func (w *WAL) Remove() error {
	if err := os.Remove(w.filename); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAL: %w", err)
	}
	return nil
}

// ReplayWAL replays WAL segments in creation order and removes each one
// after it has been applied
func ReplayWAL(dataPath string, handler func(*types.WriteRequest) error) error {
	walPath := filepath.Join(dataPath, "wal")

	entries, err := os.ReadDir(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read WAL directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}

		filename := filepath.Join(walPath, entry.Name())
		if err := replayWALFile(filename, handler); err != nil {
			return fmt.Errorf("failed to replay %s: %w", filename, err)
		}

		if err := os.Remove(filename); err != nil {
			return fmt.Errorf("failed to remove replayed WAL: %w", err)
		}
	}

	return nil
}

// replayWALFile replays a single WAL file. A torn final line from a crash
// mid-append is ignored.
func replayWALFile(filename string, handler func(*types.WriteRequest) error) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var pending error
	for scanner.Scan() {
		if pending != nil {
			return pending
		}

		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			pending = fmt.Errorf("failed to unmarshal WAL entry: %w", err)
			continue
		}

		req := &types.WriteRequest{
			TenantID: entry.TenantID,
			Series:   entry.Series,
		}
		if err := handler(req); err != nil {
			return fmt.Errorf("failed to replay entry: %w", err)
		}
	}

	return scanner.Err()
}

// BatchWriter buffers series so bulk imports reach storage in a few large
// writes instead of one per series
type BatchWriter struct {
	storage    Storage
	tenantID   string
	buffer     []types.Series
	points     int
	bufferSize int
	mu         sync.Mutex
}

// NewBatchWriter creates a batch writer that flushes whenever bufferSize
// points are buffered
func NewBatchWriter(storage Storage, tenantID string, bufferSize int) *BatchWriter {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &BatchWriter{
		storage:    storage,
		tenantID:   tenantID,
		bufferSize: bufferSize,
	}
}

// Add buffers a series
func (bw *BatchWriter) Add(ctx context.Context, series types.Series) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	bw.buffer = append(bw.buffer, series)
	bw.points += len(series.Points)

	if bw.points >= bw.bufferSize {
		return bw.flushLocked(ctx)
	}
	return nil
}

// Flush writes everything buffered
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

// flushLocked flushes the buffer (must hold lock)
func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.buffer) == 0 {
		return nil
	}

	req := &types.WriteRequest{TenantID: bw.tenantID, Series: bw.buffer}
	if err := bw.storage.Write(ctx, req); err != nil {
		return fmt.Errorf("batch write failed: %w", err)
	}

	bw.buffer = nil
	bw.points = 0
	return nil
}
