package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/natefinch/lumberjack.v2"
)

const journalFile = "captures.jsonl"

// Journal writes JSON lines asynchronously to <dir>/<date>/captures.jsonl,
// switching files when the UTC date changes.
type Journal struct {
	baseDir   string
	maxSizeMB int
	clock     clock.Clock

	writeCh   chan any
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewJournal starts the writer goroutine. A nil clock uses the wall clock.
func NewJournal(baseDir string, bufferSize, maxSizeMB int, clk clock.Clock) *Journal {
	if clk == nil {
		clk = clock.New()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	j := &Journal{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		clock:     clk,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}

	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Write queues a record. It never blocks; a full buffer drops the record.
func (j *Journal) Write(record any) error {
	select {
	case <-j.done:
		return fmt.Errorf("journal is closed")
	default:
	}
	select {
	case j.writeCh <- record:
		return nil
	default:
		slog.Warn("journal buffer full, dropping record", "dir", j.baseDir)
		return fmt.Errorf("buffer full")
	}
}

// Close stops the writer after flushing queued records.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.done) })
	j.wg.Wait()

	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case record := <-j.writeCh:
			j.writeRecord(record)
		case <-timeout:
			slog.Warn("journal close timeout, some records may be lost", "dir", j.baseDir)
			break drain
		default:
			break drain
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logger != nil {
		err := j.logger.Close()
		j.logger = nil
		return err
	}
	return nil
}

// Path returns the file records for today are written to.
func (j *Journal) Path() string {
	return filepath.Join(j.baseDir, j.clock.Now().UTC().Format(time.DateOnly), journalFile)
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case record := <-j.writeCh:
			j.writeRecord(record)
		case <-j.done:
			return
		}
	}
}

func (j *Journal) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("journal marshal failed", "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	date := j.clock.Now().UTC().Format(time.DateOnly)
	if j.logger == nil || date != j.currentDate {
		if err := j.rotateForDate(date); err != nil {
			slog.Error("journal rotate failed", "error", err, "date", date)
			return
		}
	}

	if _, err := j.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err)
	}
}

func (j *Journal) rotateForDate(date string) error {
	if j.logger != nil {
		_ = j.logger.Close()
		j.logger = nil
	}

	dir := filepath.Join(j.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}

	filename := filepath.Join(dir, journalFile)
	j.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    j.maxSizeMB,
		MaxBackups: 30,
		MaxAge:     30,
	}
	j.currentDate = date
	slog.Info("opened capture journal", "file", filename)
	return nil
}
