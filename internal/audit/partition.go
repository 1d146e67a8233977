package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
)

const (
	partitionPrefix = "audit-"
	partitionSuffix = ".ndjson"
	partitionLayout = "2006-01-02"

	// DefaultRecent is the limit callers use when none is given.
	DefaultRecent = 50
	// MaxRecent caps Recent's limit.
	MaxRecent = 500
)

func partitionName(t time.Time) string {
	return partitionPrefix + t.UTC().Format(partitionLayout) + partitionSuffix
}

// partitionDay parses the day bucket out of a partition file name.
func partitionDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, partitionPrefix) || !strings.HasSuffix(name, partitionSuffix) {
		return time.Time{}, false
	}
	day := strings.TrimSuffix(strings.TrimPrefix(name, partitionPrefix), partitionSuffix)
	t, err := time.Parse(partitionLayout, day)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// partitions lists partition file names, newest first.
func (l *Ledger) partitions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := partitionDay(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// lastLine returns the last non-empty line of a file without reading the
// whole file. A missing file yields nil.
func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	const chunk = 4096
	var tail []byte
	for offset := info.Size(); offset > 0; {
		size := int64(chunk)
		if offset < size {
			size = offset
		}
		offset -= size
		buf := make([]byte, size)
		if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		tail = append(buf, tail...)
		trimmed := bytes.TrimRight(tail, "\r\n ")
		if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
			return bytes.TrimSpace(trimmed[idx+1:]), nil
		}
	}
	return bytes.TrimSpace(tail), nil
}

// readPartition parses every record of a partition in file order.
func readPartition(path string) ([]domain.AuditEventRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open partition: %w", err)
	}
	defer f.Close()

	var records []domain.AuditEventRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec domain.AuditEventRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", filepath.Base(path), lineNo, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read partition: %w", err)
	}
	return records, nil
}

// Recent returns up to limit of the most recent records across partitions,
// newest first. limit is clamped to [1, MaxRecent].
func (l *Ledger) Recent(limit int) ([]domain.AuditEventRecord, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxRecent {
		limit = MaxRecent
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	names, err := l.partitions()
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuditEventRecord, 0, limit)
	for _, name := range names {
		records, err := readPartition(filepath.Join(l.dir, name))
		if err != nil {
			return nil, err
		}
		for i := len(records) - 1; i >= 0; i-- {
			out = append(out, records[i])
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}
