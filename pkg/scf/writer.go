package scf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"
)

// Writer accumulates tensors and serializes them as a checkpoint.
// Tensors are written to the data section in the order they were added.
type Writer struct {
	entries []writerEntry
}

type writerEntry struct {
	name  string
	dtype TensorDType
	shape []int
	data  []float32
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Add queues a tensor for writing. The data slice is referenced, not copied,
// and its length must match the shape; the values are encoded into dtype when
// the checkpoint is serialized.
func (w *Writer) Add(name string, dtype TensorDType, shape []int, data []float32) error {
	if name == "" || len(name) > math.MaxUint16 {
		return errors.New("scf: bad tensor name")
	}
	if dtype.ElemSize() == 0 {
		return errors.New("scf: bad tensor dtype")
	}
	if len(shape) < 1 || len(shape) > 8 {
		return errors.New("scf: bad tensor rank")
	}
	elems := 1
	for _, d := range shape {
		if d <= 0 {
			return errors.New("scf: bad tensor dim")
		}
		elems *= d
	}
	if elems != len(data) {
		return fmt.Errorf("scf: tensor %q: shape/data mismatch (%d != %d)", name, elems, len(data))
	}
	w.entries = append(w.entries, writerEntry{name: name, dtype: dtype, shape: shape, data: data})
	return nil
}

// WriteTo serializes the checkpoint.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	dirSize := 0
	for _, e := range w.entries {
		dirSize += 2 + len(e.name) + 2 + len(e.shape)*8 + 16
	}
	dataOff := alignUp(headerSize+dirSize, dataAlign)

	bw := bufio.NewWriter(out)
	var written int64

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], Magic)
	binary.LittleEndian.PutUint32(hdr[4:], Version)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(w.entries)))
	binary.LittleEndian.PutUint64(hdr[16:], uint64(dataOff))
	if _, err := bw.Write(hdr[:]); err != nil {
		return written, err
	}
	written += headerSize

	// Directory.
	off := uint64(0)
	var scratch [8]byte
	for _, e := range w.entries {
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(e.name)))
		if _, err := bw.Write(scratch[:2]); err != nil {
			return written, err
		}
		if _, err := bw.WriteString(e.name); err != nil {
			return written, err
		}
		if err := bw.WriteByte(byte(e.dtype)); err != nil {
			return written, err
		}
		if err := bw.WriteByte(byte(len(e.shape))); err != nil {
			return written, err
		}
		for _, d := range e.shape {
			binary.LittleEndian.PutUint64(scratch[:], uint64(d))
			if _, err := bw.Write(scratch[:]); err != nil {
				return written, err
			}
		}
		length := uint64(len(e.data) * e.dtype.ElemSize())
		binary.LittleEndian.PutUint64(scratch[:], off)
		if _, err := bw.Write(scratch[:]); err != nil {
			return written, err
		}
		binary.LittleEndian.PutUint64(scratch[:], length)
		if _, err := bw.Write(scratch[:]); err != nil {
			return written, err
		}
		off += length
		written += int64(2 + len(e.name) + 2 + len(e.shape)*8 + 16)
	}

	// Alignment padding before the data section.
	for pad := dataOff - headerSize - dirSize; pad > 0; pad-- {
		if err := bw.WriteByte(0); err != nil {
			return written, err
		}
		written++
	}

	// Data section.
	for _, e := range w.entries {
		n, err := writeValues(bw, e.dtype, e.data)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}

// WriteFile serializes the checkpoint to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeValues(bw *bufio.Writer, dtype TensorDType, data []float32) (int64, error) {
	var buf [4]byte
	var written int64
	for _, v := range data {
		switch dtype {
		case DTypeF32:
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if _, err := bw.Write(buf[:4]); err != nil {
				return written, err
			}
			written += 4
		case DTypeF16:
			binary.LittleEndian.PutUint16(buf[:2], float16.Fromfloat32(v).Bits())
			if _, err := bw.Write(buf[:2]); err != nil {
				return written, err
			}
			written += 2
		case DTypeBF16:
			binary.LittleEndian.PutUint16(buf[:2], uint16(math.Float32bits(v)>>16))
			if _, err := bw.Write(buf[:2]); err != nil {
				return written, err
			}
			written += 2
		}
	}
	return written, nil
}
