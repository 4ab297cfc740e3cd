// Package wal persists historian points before they reach the sink.
package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

// record layout: [8B id][4B len][len bytes json], big endian
const recordHeaderLen = 12

const (
	logName    = "points.wal"
	commitName = "points.commit"
)

type FileWAL struct {
	mu        sync.Mutex
	dir       string
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.WALEntryID
	committed ports.WALEntryID
	sizeBytes int64
	logger    zerolog.Logger
}

// Open opens or creates the log in dir and drops any torn trailing record.
func Open(dir string) (*FileWAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal dir: %w", err)
	}
	w := &FileWAL{
		dir:      dir,
		path:     filepath.Join(dir, logName),
		metaPath: filepath.Join(dir, commitName),
		logger:   log.WithComponent("wal"),
	}
	if err := w.openAppend(); err != nil {
		return nil, err
	}
	if err := w.recover(); err != nil {
		_ = w.file.Close()
		return nil, err
	}
	w.logger.Info().Str("dir", dir).
		Uint64("committed", uint64(w.committed)).
		Uint64("latest", uint64(w.nextID)).
		Int64("size_bytes", w.sizeBytes).
		Msg("wal opened")
	return w, nil
}

func (w *FileWAL) openAppend() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal open: %w", err)
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, 1<<20)
	return nil
}

func (w *FileWAL) recover() error {
	var lastID ports.WALEntryID
	valid, err := scan(w.path, func(id ports.WALEntryID, _ []byte) error {
		lastID = id
		return nil
	})
	if err != nil {
		return err
	}
	if st, err := w.file.Stat(); err == nil && st.Size() > valid {
		w.logger.Warn().Int64("dropped_bytes", st.Size()-valid).Msg("truncating torn wal tail")
		if err := w.file.Truncate(valid); err != nil {
			return fmt.Errorf("wal truncate: %w", err)
		}
	}
	w.sizeBytes = valid
	w.nextID = lastID

	committed, err := readCommit(w.metaPath)
	if err != nil {
		return err
	}
	w.committed = committed
	if w.nextID < w.committed {
		w.nextID = w.committed
	}
	return nil
}

// scan walks whole records and returns the byte length of the valid prefix.
func scan(path string, fn func(id ports.WALEntryID, body []byte) error) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	var hdr [recordHeaderLen]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return offset, fmt.Errorf("wal scan header: %w", err)
		}
		id := ports.WALEntryID(binary.BigEndian.Uint64(hdr[0:8]))
		body := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return offset, fmt.Errorf("wal scan body: %w", err)
		}
		if err := fn(id, body); err != nil {
			return offset, err
		}
		offset += recordHeaderLen + int64(len(body))
	}
}

func readCommit(path string) (ports.WALEntryID, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return 0, nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wal commit marker: %w", err)
	}
	return ports.WALEntryID(u), nil
}

func writeRecord(wr io.Writer, id ports.WALEntryID, body []byte) (int, error) {
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))
	if _, err := wr.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := wr.Write(body); err != nil {
		return 0, err
	}
	return recordHeaderLen + len(body), nil
}

// Append buffers one record; Flush makes it durable.
func (w *FileWAL) Append(p *domain.Point) (ports.WALEntryID, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("wal encode: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	id := w.nextID + 1
	n, err := writeRecord(w.writer, id, body)
	if err != nil {
		return 0, fmt.Errorf("wal append: %w", err)
	}
	w.nextID = id
	w.sizeBytes += int64(n)
	return id, nil
}

// Iterate replays records with id >= from in order.
func (w *FileWAL) Iterate(from ports.WALEntryID, fn func(id ports.WALEntryID, p *domain.Point) error) error {
	w.mu.Lock()
	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()

	_, err := scan(w.path, func(id ports.WALEntryID, body []byte) error {
		if id < from {
			return nil
		}
		var p domain.Point
		if err := json.Unmarshal(body, &p); err != nil {
			return fmt.Errorf("corrupt wal entry %d: %w", id, err)
		}
		return fn(id, &p)
	})
	return err
}

// Commit advances the commit marker; it never moves backwards.
func (w *FileWAL) Commit(upto ports.WALEntryID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if upto <= w.committed {
		return nil
	}
	w.committed = upto
	tmp := w.metaPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(uint64(upto), 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("wal commit: %w", err)
	}
	return os.Rename(tmp, w.metaPath)
}

// TruncateCommitted rewrites the log keeping only uncommitted records.
func (w *FileWAL) TruncateCommitted() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}

	tmpPath := w.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal compact: %w", err)
	}
	bw := bufio.NewWriter(tmp)
	var kept, size int64
	_, err = scan(w.path, func(id ports.WALEntryID, body []byte) error {
		if id <= w.committed {
			return nil
		}
		n, err := writeRecord(bw, id, body)
		kept++
		size += int64(n)
		return err
	})
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("wal compact: %w", err)
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("wal compact rename: %w", err)
	}
	if err := w.openAppend(); err != nil {
		return err
	}
	before := w.sizeBytes
	w.sizeBytes = size
	w.logger.Debug().Int64("kept", kept).Int64("reclaimed_bytes", before-size).Msg("wal compacted")
	return nil
}

// Flush writes buffered records and fsyncs the log.
func (w *FileWAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := errors.Join(w.writer.Flush(), w.file.Sync(), w.file.Close())
	w.file = nil
	w.writer = nil
	return err
}

func (w *FileWAL) Stats() ports.WALStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ports.WALStats{
		OldestUncommitted: w.committed + 1,
		LatestAppended:    w.nextID,
		SizeBytes:         w.sizeBytes,
	}
}

var _ ports.WAL = (*FileWAL)(nil)
