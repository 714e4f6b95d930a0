// Package debug is a thread-safe, low-overhead structured log sink used by
// the arch core wherever the original hypervisor would call printk or
// panic_printk. Guest-triggered events (unhandled traps, PSCI denials under
// a debug flag, vGIC MMIO accesses) are written here instead of being
// silently dropped, without taking a lock shared with the per-CPU control
// path.
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Each log line contains a timestamp, source, and message. The binary format is:
//   - 2 bytes type (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - sourceLength bytes source
//   - messageLength bytes message
//
// Thread-safety is achieved by atomically reserving a byte range of the
// file before writing into it, so concurrent callers (one per physical CPU)
// never interleave a single record.

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

// OpenFile truncates and opens filename as the destination for Write/Writef.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open installs w as the log destination. The returned error is a warning,
// not a fatal condition: it indicates a previously open writer was discarded.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

func Close() error {
	fh := fh.Swap(nil)
	if fh != nil {
		if err := fh.w.Close(); err != nil {
			return err
		}
	}
	offset.Store(0)
	return nil
}

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

func encodeHeader(kind Kind, source string, data []byte) ([]byte, int64) {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))
	return header, int64(len(source) + len(data) + 16)
}

func writeBytes(kind Kind, source string, data []byte) {
	fh := fh.Load()
	if fh == nil {
		return
	}

	header, size := encodeHeader(kind, source, data)
	off := offset.Add(uint64(size)) - uint64(size)
	if _, err := fh.w.WriteAt(header, int64(off)); err != nil {
		panic(err)
	}
	if _, err := fh.w.WriteAt([]byte(source), int64(off)+16); err != nil {
		panic(err)
	}
	if _, err := fh.w.WriteAt(data, int64(off)+16+int64(len(source))); err != nil {
		panic(err)
	}
}

// WriteBytes appends a raw binary record tagged with source, e.g. a
// register dump captured before parking a cell.
func WriteBytes(source string, data []byte) {
	writeBytes(KindBytes, source, data)
}

// Write appends a string record tagged with source.
func Write(source string, data string) {
	writeBytes(KindString, source, []byte(data))
}

// Writef formats and appends a string record, mirroring printk's call shape.
func Writef(source string, format string, args ...any) {
	writeBytes(KindString, source, fmt.Appendf(nil, format, args...))
}

// Logger is a source-bound handle, useful for a component that logs
// repeatedly under one tag (e.g. one per physical CPU).
type Logger interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type logger struct {
	source string
}

func (d *logger) WriteBytes(data []byte) { writeBytes(KindBytes, d.source, data) }
func (d *logger) Write(data string)      { writeBytes(KindString, d.source, []byte(data)) }
func (d *logger) Writef(format string, args ...any) {
	writeBytes(KindString, d.source, fmt.Appendf(nil, format, args...))
}

// WithSource returns a Logger that always tags its records with source.
func WithSource(source string) Logger {
	return &logger{source: source}
}
