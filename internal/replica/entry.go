// Package replica implements the binlog used for recovery: a segmented,
// crc-framed log of table writes, an appender with leader-term bookkeeping,
// and a reader that replays from an offset and rolls across segments.
package replica

import (
	"encoding/binary"
	"fmt"
)

// Method tags what a log entry did to the table.
type Method uint8

const (
	MethodPut    Method = 1
	MethodDelete Method = 2
)

// Dimension mirrors the table dimension a write was routed to.
type Dimension struct {
	Key string
	Idx uint32
}

// LogEntry is one replicated table write.
type LogEntry struct {
	LogIndex   uint64
	Term       uint64
	Method     Method
	TS         int64
	Value      []byte
	Dimensions []Dimension
}

const entryVersion = 1

func encodeEntry(e *LogEntry) ([]byte, error) {
	if len(e.Dimensions) > 255 {
		return nil, fmt.Errorf("too many dimensions: %d", len(e.Dimensions))
	}
	size := 2 + 8 + 8 + 8 + 4 + len(e.Value) + 1
	for _, d := range e.Dimensions {
		if len(d.Key) > 1<<16-1 {
			return nil, fmt.Errorf("dimension key too long: %d bytes", len(d.Key))
		}
		size += 4 + 2 + len(d.Key)
	}
	buf := make([]byte, size)
	buf[0] = entryVersion
	buf[1] = byte(e.Method)
	binary.LittleEndian.PutUint64(buf[2:], e.LogIndex)
	binary.LittleEndian.PutUint64(buf[10:], e.Term)
	binary.LittleEndian.PutUint64(buf[18:], uint64(e.TS))
	binary.LittleEndian.PutUint32(buf[26:], uint32(len(e.Value)))
	off := 30 + copy(buf[30:], e.Value)
	buf[off] = byte(len(e.Dimensions))
	off++
	for _, d := range e.Dimensions {
		binary.LittleEndian.PutUint32(buf[off:], d.Idx)
		binary.LittleEndian.PutUint16(buf[off+4:], uint16(len(d.Key)))
		off += 6 + copy(buf[off+6:], d.Key)
	}
	return buf, nil
}

func decodeEntry(buf []byte) (*LogEntry, error) {
	if len(buf) < 31 {
		return nil, fmt.Errorf("log entry truncated: %d bytes", len(buf))
	}
	if buf[0] != entryVersion {
		return nil, fmt.Errorf("unsupported log entry version %d", buf[0])
	}
	e := &LogEntry{
		Method:   Method(buf[1]),
		LogIndex: binary.LittleEndian.Uint64(buf[2:]),
		Term:     binary.LittleEndian.Uint64(buf[10:]),
		TS:       int64(binary.LittleEndian.Uint64(buf[18:])),
	}
	valLen := binary.LittleEndian.Uint32(buf[26:])
	if 30+int(valLen)+1 > len(buf) {
		return nil, fmt.Errorf("log entry value truncated: %d+%d > %d", 30, valLen, len(buf))
	}
	if valLen > 0 {
		e.Value = make([]byte, valLen)
		copy(e.Value, buf[30:30+valLen])
	}
	off := 30 + int(valLen)
	dimCnt := int(buf[off])
	off++
	for i := 0; i < dimCnt; i++ {
		if off+6 > len(buf) {
			return nil, fmt.Errorf("log entry dimension %d truncated", i)
		}
		idx := binary.LittleEndian.Uint32(buf[off:])
		keyLen := int(binary.LittleEndian.Uint16(buf[off+4:]))
		off += 6
		if off+keyLen > len(buf) {
			return nil, fmt.Errorf("log entry dimension key %d truncated", i)
		}
		e.Dimensions = append(e.Dimensions, Dimension{Key: string(buf[off : off+keyLen]), Idx: idx})
		off += keyLen
	}
	return e, nil
}
