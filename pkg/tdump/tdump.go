// Package tdump reads and writes flat float32 tensor dumps. The format is a
// small little-endian header (magic, version, dims) followed by the raw
// values, so a dump can be mapped and used in place without a decode pass.
package tdump

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	magic      = "FTDP"
	version    = 1
	headerSize = 12 // magic + version + ndims
	maxDims    = 8
)

var (
	ErrCorrupt            = errors.New("tdump: corrupt file")
	ErrBadMagic           = errors.New("tdump: bad magic")
	ErrUnsupportedVersion = errors.New("tdump: unsupported version")
)

// File is an open tensor dump. Values are served zero-copy out of the
// backing data; the file must be closed to release any mapping, and no view
// may be used after Close.
type File struct {
	Dims []int

	data    []byte
	mmapped bool
}

// Write stores values as a dump at path. The product of dims must equal
// len(values).
func Write(path string, dims []int, values []float32) error {
	if len(dims) == 0 || len(dims) > maxDims {
		return fmt.Errorf("tdump: %d dims, want 1..%d", len(dims), maxDims)
	}
	n := 1
	for _, d := range dims {
		if d <= 0 {
			return fmt.Errorf("tdump: non-positive dim %d", d)
		}
		n *= d
	}
	if n != len(values) {
		return fmt.Errorf("tdump: dims describe %d values, have %d", n, len(values))
	}

	buf := make([]byte, headerSize+8*len(dims)+4*len(values))
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(dims)))
	off := headerSize
	for _, d := range dims {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(d))
		off += 8
	}
	for _, v := range values {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
		off += 4
	}
	return os.WriteFile(path, buf, 0o644)
}

// Open maps a dump read-only and validates its header. If mmap is
// unavailable, it falls back to ReadAt-based loading.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorrupt
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		df, parseErr := parse(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return df, nil
	}

	return OpenReaderAt(f, size64)
}

// OpenReaderAt loads and validates a dump from a random-access reader
// without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < headerSize || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorrupt
	}
	data := make([]byte, size)
	var off int64
	for off < size {
		n, err := r.ReadAt(data[off:], off)
		off += int64(n)
		if err == io.EOF && off == size {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return parse(data, false)
}

func parse(data []byte, mmapped bool) (*File, error) {
	if string(data[0:4]) != magic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	nd := int(binary.LittleEndian.Uint32(data[8:12]))
	if nd == 0 || nd > maxDims {
		return nil, ErrCorrupt
	}
	if len(data) < headerSize+8*nd {
		return nil, ErrCorrupt
	}

	dims := make([]int, nd)
	n := 1
	off := headerSize
	for i := range dims {
		d := binary.LittleEndian.Uint64(data[off : off+8])
		if d == 0 || d > uint64(int(^uint(0)>>1)) {
			return nil, ErrCorrupt
		}
		dims[i] = int(d)
		n *= dims[i]
		off += 8
	}
	if len(data) != off+4*n {
		return nil, ErrCorrupt
	}
	return &File{Dims: dims, data: data, mmapped: mmapped}, nil
}

// Len returns the number of values, the product of Dims.
func (f *File) Len() int {
	n := 1
	for _, d := range f.Dims {
		n *= d
	}
	return n
}

// Values returns the payload as a float32 slice sharing the backing data.
// The view is read-only on the mmap path; writing through it faults.
func (f *File) Values() []float32 {
	payload := f.data[headerSize+8*len(f.Dims):]
	if len(payload) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&payload[0])), f.Len())
}

// Close releases the backing data and any mmap behind it.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.Dims = nil
	return err
}
