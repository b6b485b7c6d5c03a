package replica

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	segmentSuffix = ".binlog"
	frameHeader   = 8 // 4B payload length + 4B crc32
)

// LogSegment describes one binlog file and the log index of its first record.
type LogSegment struct {
	Seq        int
	Name       string
	StartIndex uint64
}

// Replicator appends log entries to segment files and hands readers the
// segment list for replay. It is safe for concurrent appends.
type Replicator struct {
	dir          string
	segmentBytes int64
	term         uint64

	mu        sync.Mutex
	f         *os.File
	w         *bufio.Writer
	curSeq    int
	curSize   int64
	curStart  uint64 // first index of the open segment, 0 when empty
	nextIndex uint64
	notified  chan struct{}
}

// NewReplicator opens (or creates) the binlog under dir. Existing segments
// are scanned so appended indexes continue where the log left off.
func NewReplicator(dir string, segmentBytes int64, term uint64) (*Replicator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create binlog dir: %w", err)
	}
	r := &Replicator{
		dir:          dir,
		segmentBytes: segmentBytes,
		term:         term,
		curSeq:       1,
		nextIndex:    1,
		notified:     make(chan struct{}, 1),
	}
	parts, err := scanSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(parts) > 0 {
		last := parts[len(parts)-1]
		r.curSeq = last.Seq
		r.curStart = last.StartIndex
		endIdx, size, err := scanSegmentEnd(filepath.Join(dir, last.Name))
		if err != nil {
			return nil, err
		}
		r.curSize = size
		if endIdx >= r.nextIndex {
			r.nextIndex = endIdx + 1
		}
	}
	name := segmentName(r.curSeq)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open binlog segment %s: %w", name, err)
	}
	r.f = f
	r.w = bufio.NewWriter(f)
	return r, nil
}

func segmentName(seq int) string {
	return fmt.Sprintf("%08d%s", seq, segmentSuffix)
}

// AppendEntry writes the entry and returns its log index. A zero LogIndex is
// assigned the next index; explicit indexes (a base writer replaying its own
// offsets) must not go backwards.
func (r *Replicator) AppendEntry(e *LogEntry) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.LogIndex == 0 {
		e.LogIndex = r.nextIndex
	} else if e.LogIndex < r.nextIndex {
		return 0, fmt.Errorf("log index %d behind next index %d", e.LogIndex, r.nextIndex)
	}
	if e.Term == 0 {
		e.Term = r.term
	}
	payload, err := encodeEntry(e)
	if err != nil {
		return 0, err
	}
	if r.curSize >= r.segmentBytes && r.curSize > 0 {
		if err := r.rollSegment(); err != nil {
			return 0, err
		}
	}
	var hdr [frameHeader]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:], crc32.ChecksumIEEE(payload))
	if _, err := r.w.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("append binlog frame: %w", err)
	}
	if _, err := r.w.Write(payload); err != nil {
		return 0, fmt.Errorf("append binlog payload: %w", err)
	}
	if err := r.w.Flush(); err != nil {
		return 0, fmt.Errorf("flush binlog: %w", err)
	}
	if r.curStart == 0 {
		r.curStart = e.LogIndex
	}
	r.curSize += int64(frameHeader + len(payload))
	r.nextIndex = e.LogIndex + 1
	return e.LogIndex, nil
}

func (r *Replicator) rollSegment() error {
	if err := r.w.Flush(); err != nil {
		return err
	}
	if err := r.f.Close(); err != nil {
		return err
	}
	r.curSeq++
	name := segmentName(r.curSeq)
	f, err := os.OpenFile(filepath.Join(r.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("roll binlog segment %s: %w", name, err)
	}
	slog.Info("[Binlog] Rolled segment", "dir", r.dir, "segment", name)
	r.f = f
	r.w = bufio.NewWriter(f)
	r.curSize = 0
	r.curStart = 0
	return nil
}

// Notify wakes anyone blocked in WaitNotify. Non-blocking.
func (r *Replicator) Notify() {
	select {
	case r.notified <- struct{}{}:
	default:
	}
}

// WaitNotify returns a channel that receives after Notify.
func (r *Replicator) WaitNotify() <-chan struct{} { return r.notified }

func (r *Replicator) GetLeaderTerm() uint64 { return r.term }

func (r *Replicator) GetLogPath() string { return r.dir }

// GetLogPart returns the ordered segment list.
func (r *Replicator) GetLogPart() ([]LogSegment, error) {
	r.mu.Lock()
	if err := r.w.Flush(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()
	return scanSegments(r.dir)
}

// Sync flushes buffered appends to the OS.
func (r *Replicator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		return err
	}
	return r.f.Sync()
}

func (r *Replicator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		return err
	}
	return r.f.Close()
}

func scanSegments(dir string) ([]LogSegment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan binlog dir: %w", err)
	}
	var parts []LogSegment
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, segmentSuffix))
		if err != nil {
			continue
		}
		start, err := readFirstIndex(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		parts = append(parts, LogSegment{Seq: seq, Name: name, StartIndex: start})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Seq < parts[j].Seq })
	return parts, nil
}

// readFirstIndex returns the log index of a segment's first record, 0 for an
// empty segment.
func readFirstIndex(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	e, err := readFrame(bufio.NewReader(f))
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read first record of %s: %w", path, err)
	}
	return e.LogIndex, nil
}

// scanSegmentEnd walks a segment and returns its last log index and size.
func scanSegmentEnd(path string) (uint64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	br := bufio.NewReader(f)
	var last uint64
	var size int64
	for {
		e, err := readFrame(br)
		if err == io.EOF {
			return last, size, nil
		}
		if err != nil {
			return 0, 0, fmt.Errorf("scan %s: %w", path, err)
		}
		last = e.LogIndex
		size += int64(frameHeader + e.frameLen)
	}
}

// readFrame reads one framed record. io.EOF is returned cleanly at the end
// of a segment; a short read mid-frame is an error.
func readFrame(br *bufio.Reader) (*frameEntry, error) {
	var hdr [frameHeader]byte
	if _, err := io.ReadFull(br, hdr[:1]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if _, err := io.ReadFull(br, hdr[1:]); err != nil {
		return nil, fmt.Errorf("truncated frame header: %w", err)
	}
	payloadLen := binary.LittleEndian.Uint32(hdr[0:])
	wantCrc := binary.LittleEndian.Uint32(hdr[4:])
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, fmt.Errorf("truncated frame payload: %w", err)
	}
	if crc := crc32.ChecksumIEEE(payload); crc != wantCrc {
		return nil, fmt.Errorf("frame crc mismatch: got %08x want %08x", crc, wantCrc)
	}
	e, err := decodeEntry(payload)
	if err != nil {
		return nil, err
	}
	return &frameEntry{LogEntry: e, frameLen: int(payloadLen)}, nil
}

type frameEntry struct {
	*LogEntry
	frameLen int
}
