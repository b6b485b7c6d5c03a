package replica

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// LogReader replays binlog records in order across segments. Typical use:
//
//	reader := NewLogReader(path, parts)
//	reader.SetOffset(from)
//	for {
//		e, err := reader.ReadNextRecord()
//		if err == io.EOF {
//			if !reader.RollRLogFile() {
//				break
//			}
//			continue
//		}
//		...
//	}
type LogReader struct {
	path    string
	parts   []LogSegment
	partIdx int
	f       *os.File
	br      *bufio.Reader
	pending *LogEntry
	// index of the last record returned by ReadNextRecord
	logIndex uint64
}

func NewLogReader(path string, parts []LogSegment) *LogReader {
	return &LogReader{path: path, parts: parts, partIdx: -1}
}

// SetOffset positions the reader so the next record returned has
// LogIndex >= offset. Records below the offset are skipped.
func (l *LogReader) SetOffset(offset uint64) error {
	if len(l.parts) == 0 {
		return nil
	}
	idx := 0
	for i, p := range l.parts {
		if p.StartIndex != 0 && p.StartIndex <= offset {
			idx = i
		}
	}
	if err := l.openPart(idx); err != nil {
		return err
	}
	for {
		e, err := readFrame(l.br)
		if err == io.EOF {
			if !l.RollRLogFile() {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}
		if e.LogIndex >= offset {
			l.pending = e.LogEntry
			return nil
		}
	}
}

func (l *LogReader) openPart(idx int) error {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	if idx >= len(l.parts) {
		return fmt.Errorf("log part %d out of range (%d parts)", idx, len(l.parts))
	}
	f, err := os.Open(filepath.Join(l.path, l.parts[idx].Name))
	if err != nil {
		return fmt.Errorf("open log part %s: %w", l.parts[idx].Name, err)
	}
	l.partIdx = idx
	l.f = f
	l.br = bufio.NewReader(f)
	return nil
}

// ReadNextRecord returns the next record, or io.EOF at the end of the
// current segment.
func (l *LogReader) ReadNextRecord() (*LogEntry, error) {
	if l.pending != nil {
		e := l.pending
		l.pending = nil
		l.logIndex = e.LogIndex
		return e, nil
	}
	if l.br == nil {
		if len(l.parts) == 0 {
			return nil, io.EOF
		}
		if err := l.openPart(0); err != nil {
			return nil, err
		}
	}
	e, err := readFrame(l.br)
	if err != nil {
		return nil, err
	}
	l.logIndex = e.LogIndex
	return e.LogEntry, nil
}

// GetLogIndex returns the index of the last record returned.
func (l *LogReader) GetLogIndex() uint64 { return l.logIndex }

// GetEndLogIndex returns the last index covered by the current segment, or
// MaxUint64 for the final segment whose end is unknown until read.
func (l *LogReader) GetEndLogIndex() uint64 {
	if l.partIdx < 0 || l.partIdx+1 >= len(l.parts) {
		return math.MaxUint64
	}
	next := l.parts[l.partIdx+1].StartIndex
	if next == 0 {
		return math.MaxUint64
	}
	return next - 1
}

// RollRLogFile advances to the next segment. It returns false when there is
// no further segment.
func (l *LogReader) RollRLogFile() bool {
	if l.partIdx+1 >= len(l.parts) {
		return false
	}
	if err := l.openPart(l.partIdx + 1); err != nil {
		return false
	}
	return true
}

func (l *LogReader) Close() error {
	if l.f != nil {
		return l.f.Close()
	}
	return nil
}
