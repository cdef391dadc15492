// Package recoverylog implements the append-only, line-delimited JSON
// recovery log that warms the registry on startup. Adapted from the
// teacher's internal/storage/wal package: same async batch-commit design
// (a buffered channel drained by a background goroutine, one fsync per
// batch) and the same atomic-rename checkpoint mechanic, retargeted from
// job-queue events to register/heartbeat/deregister events.
package recoverylog

import (
	"bufio"
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cranklabs/crank-controller/pkg/capability"
)

// EventType is one of the three recovery log entry kinds.
type EventType string

const (
	EventRegister   EventType = "register"
	EventHeartbeat  EventType = "heartbeat"
	EventDeregister EventType = "deregister"
)

// Event is one line of the recovery log: a discriminated union keyed by
// Type. Register carries the full record; Heartbeat/Deregister carry only
// what's needed to replay.
type Event struct {
	Type     EventType         `json:"type"`
	TS       time.Time         `json:"ts"`
	WorkerID string            `json:"worker_id,omitempty"`
	Record   *capability.Record `json:"record,omitempty"`
	Checksum uint32            `json:"checksum"`
}

func (e Event) computeChecksum() uint32 {
	data := string(e.Type) + e.WorkerID + e.TS.Format(time.RFC3339Nano)
	return crc32.ChecksumIEEE([]byte(data))
}

type batchRequest struct {
	event Event
	errCh chan error
}

// Log is the RecoveryLog: an append-only file plus a background batch
// writer that amortizes fsync across many appends (best-effort durability:
// the log is a cache, not authoritative).
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	enc    *json.Encoder
	logger *zap.Logger

	batchChan     chan batchRequest
	bufferSize    int
	flushInterval time.Duration

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open creates the state directory if needed and opens (or creates) the
// recovery log file for appending, starting the background batch writer.
func Open(path string, bufferSize int, flushInterval time.Duration, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	l := &Log{
		path:          path,
		file:          f,
		enc:           json.NewEncoder(f),
		logger:        logger,
		batchChan:     make(chan batchRequest, bufferSize),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}
	l.wg.Add(1)
	go l.batchWriter()
	return l, nil
}

// append builds and enqueues an event, blocking until the containing batch
// is flushed (and fsynced) or the log is closed.
func (l *Log) append(ev Event) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	ev.Checksum = ev.computeChecksum()
	l.mu.Unlock()

	req := batchRequest{event: ev, errCh: make(chan error, 1)}
	l.batchChan <- req
	return <-req.errCh
}

// AppendRegister logs a register event carrying the full record.
func (l *Log) AppendRegister(rec capability.Record) error {
	return l.append(Event{Type: EventRegister, TS: time.Now().UTC(), WorkerID: rec.WorkerID, Record: &rec})
}

// AppendHeartbeat logs a heartbeat event.
func (l *Log) AppendHeartbeat(workerID string, ts time.Time) error {
	return l.append(Event{Type: EventHeartbeat, TS: ts.UTC(), WorkerID: workerID})
}

// AppendDeregister logs a deregister event.
func (l *Log) AppendDeregister(workerID string) error {
	return l.append(Event{Type: EventDeregister, TS: time.Now().UTC(), WorkerID: workerID})
}

// batchWriter drains batchChan, accumulating events until bufferSize is
// reached or flushInterval elapses, then writes and fsyncs the whole batch
// at once, the same amortized-fsync trade-off as the teacher's WAL.
func (l *Log) batchWriter() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	var batch []batchRequest
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.flushBatch(batch)
		batch = nil
	}

	for {
		select {
		case req := <-l.batchChan:
			batch = append(batch, req)
			if len(batch) >= l.bufferSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stopCh:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case req := <-l.batchChan:
					batch = append(batch, req)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Log) flushBatch(batch []batchRequest) {
	l.mu.Lock()
	var writeErr error
	for _, req := range batch {
		if err := l.enc.Encode(req.event); err != nil {
			writeErr = err
			break
		}
	}
	if writeErr == nil {
		writeErr = l.file.Sync()
	}
	l.mu.Unlock()

	for _, req := range batch {
		req.errCh <- writeErr
	}
}

// Close stops the batch writer (flushing anything queued) and closes the
// underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()
	return l.file.Close()
}

// EventHandler applies one replayed event to the registry being warmed.
type EventHandler func(Event) error

// Replay re-opens the log file read-only and applies each event in file
// order via handler, without re-appending. A malformed line or a
// checksum mismatch is logged as a warning and skipped: replay never
// aborts on a single corrupt line.
func Replay(path string, logger *zap.Logger, handler EventHandler) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn("recovery log: skipping malformed line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if ev.computeChecksum() != ev.Checksum {
			logger.Warn("recovery log: skipping checksum mismatch", zap.Int("line", lineNo), zap.String("worker_id", ev.WorkerID))
			continue
		}
		if err := handler(ev); err != nil {
			logger.Warn("recovery log: handler rejected event, skipping", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
	}
	return scanner.Err()
}

// Checkpoint atomically replaces the log file with one register line per
// currently-live worker, a compaction rather than a correctness
// requirement: checkpointing may run opportunistically or never.
func Checkpoint(path string, workers []capability.Record) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, rec := range workers {
		ev := Event{Type: EventRegister, TS: rec.RegisteredAt, WorkerID: rec.WorkerID, Record: &rec}
		ev.Checksum = ev.computeChecksum()
		if err := enc.Encode(ev); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
