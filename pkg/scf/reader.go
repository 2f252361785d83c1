package scf

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var (
	ErrBadMagic    = errors.New("scf: bad magic")
	ErrBadVersion  = errors.New("scf: unsupported version")
	ErrCorruptFile = errors.New("scf: corrupt file")
)

// File is an open checkpoint. Tensor Raw slices alias Data, which may be a
// read-only memory mapping; Close releases the mapping.
type File struct {
	Data    []byte
	Tensors []Tensor

	byName  map[string]int
	mmapped bool
}

// Open maps a checkpoint read-only and parses its directory. If mmap is
// unavailable the file is read into memory instead. The returned File must
// be closed to release any mapping.
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
	if size64 < headerSize {
		return nil, ErrCorruptFile
	}
	if size64 > int64(int(^uint(0)>>1)) {
		// cannot index this file safely as []byte on this architecture.
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		sf, parseErr := parseFileData(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return sf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// OpenReaderAt parses a checkpoint from a random-access reader without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < headerSize || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// Close releases the memory mapping, if any. The file's tensors must not be
// used afterwards.
func (f *File) Close() error {
	if f == nil || !f.mmapped {
		return nil
	}
	f.mmapped = false
	data := f.Data
	f.Data = nil
	f.Tensors = nil
	f.byName = nil
	return unix.Munmap(data)
}

// Lookup returns the named tensor, or nil if absent.
func (f *File) Lookup(name string) *Tensor {
	idx, ok := f.byName[name]
	if !ok {
		return nil
	}
	return &f.Tensors[idx]
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	if len(data) < headerSize {
		return nil, ErrCorruptFile
	}
	if binary.LittleEndian.Uint32(data[0:]) != Magic {
		return nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(data[4:]) != Version {
		return nil, ErrBadVersion
	}
	count := int(binary.LittleEndian.Uint32(data[8:]))
	dataOff := binary.LittleEndian.Uint64(data[16:])
	if dataOff > uint64(len(data)) || count < 0 {
		return nil, ErrCorruptFile
	}

	f := &File{
		Data:    data,
		Tensors: make([]Tensor, 0, count),
		byName:  make(map[string]int, count),
		mmapped: mmapped,
	}

	pos := headerSize
	for i := 0; i < count; i++ {
		t, next, err := parseEntry(data, pos, int(dataOff))
		if err != nil {
			return nil, err
		}
		if _, dup := f.byName[t.Name]; dup {
			return nil, ErrCorruptFile
		}
		f.byName[t.Name] = len(f.Tensors)
		f.Tensors = append(f.Tensors, t)
		pos = next
	}
	return f, nil
}

func parseEntry(data []byte, pos, dataOff int) (Tensor, int, error) {
	if pos+2 > dataOff {
		return Tensor{}, 0, ErrCorruptFile
	}
	nameLen := int(binary.LittleEndian.Uint16(data[pos:]))
	pos += 2
	if pos+nameLen+2 > dataOff {
		return Tensor{}, 0, ErrCorruptFile
	}
	name := string(data[pos : pos+nameLen])
	pos += nameLen

	dtype := TensorDType(data[pos])
	ndim := int(data[pos+1])
	pos += 2
	if dtype.ElemSize() == 0 || ndim < 1 || ndim > 8 {
		return Tensor{}, 0, ErrCorruptFile
	}
	if pos+ndim*8+16 > dataOff {
		return Tensor{}, 0, ErrCorruptFile
	}

	shape := make([]int, ndim)
	elems := uint64(1)
	for d := 0; d < ndim; d++ {
		v := binary.LittleEndian.Uint64(data[pos:])
		pos += 8
		// No valid tensor has more elements than the file has bytes, so
		// cap the running product there; this also keeps it from
		// overflowing across dims.
		if v == 0 || v > uint64(len(data)) || elems > uint64(len(data))/v {
			return Tensor{}, 0, ErrCorruptFile
		}
		shape[d] = int(v)
		elems *= v
	}

	off := binary.LittleEndian.Uint64(data[pos:])
	length := binary.LittleEndian.Uint64(data[pos+8:])
	pos += 16

	if length != elems*uint64(dtype.ElemSize()) {
		return Tensor{}, 0, ErrCorruptFile
	}
	start := uint64(dataOff) + off
	end := start + length
	if end > uint64(len(data)) || end < start {
		return Tensor{}, 0, ErrCorruptFile
	}

	return Tensor{
		Name:  name,
		DType: dtype,
		Shape: shape,
		Raw:   data[start:end],
	}, pos, nil
}
