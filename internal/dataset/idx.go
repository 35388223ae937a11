package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"gonum.org/v1/gonum/mat"
)

// IDX magic numbers for unsigned-byte payloads.
const (
	idxLabelsMagic = 0x00000801
	idxImagesMagic = 0x00000803
)

var ErrCorruptIDX = errors.New("dataset: corrupt IDX file")

// Split selects the MNIST training or test files.
type Split int

const (
	Train Split = iota
	Test
)

func (s Split) prefix() string {
	if s == Test {
		return "t10k"
	}
	return "train"
}

// MNIST loads an MNIST split from dir in the standard IDX layout
// (train-images-idx3-ubyte, train-labels-idx1-ubyte, t10k-...). Pixels are
// scaled to [0, 1] and each image is flattened to one row. limit > 0 keeps
// only the first limit examples.
func MNIST(dir string, split Split, batchSize, limit int) (*InMemory, error) {
	imgPath := filepath.Join(dir, split.prefix()+"-images-idx3-ubyte")
	lblPath := filepath.Join(dir, split.prefix()+"-labels-idx1-ubyte")

	images, rows, cols, err := readIDXImages(imgPath)
	if err != nil {
		return nil, err
	}
	labels, err := readIDXLabels(lblPath)
	if err != nil {
		return nil, err
	}
	if len(labels) != len(images)/(rows*cols) {
		return nil, fmt.Errorf("%w: %d images, %d labels", ErrShapeMismatch, len(images)/(rows*cols), len(labels))
	}
	n := len(labels)
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil, ErrEmpty
	}

	feat := rows * cols
	data := make([]float64, n*feat)
	for i := range data {
		data[i] = float64(images[i]) / 255
	}
	return NewInMemory(mat.NewDense(n, feat, data), labels[:n], batchSize)
}

func readIDXImages(path string) (pixels []byte, rows, cols int, err error) {
	raw, release, err := mapFile(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer release()

	if len(raw) < 16 || binary.BigEndian.Uint32(raw[0:4]) != idxImagesMagic {
		return nil, 0, 0, fmt.Errorf("%w: %s: bad image header", ErrCorruptIDX, path)
	}
	count := int(binary.BigEndian.Uint32(raw[4:8]))
	rows = int(binary.BigEndian.Uint32(raw[8:12]))
	cols = int(binary.BigEndian.Uint32(raw[12:16]))
	if rows <= 0 || cols <= 0 {
		return nil, 0, 0, fmt.Errorf("%w: %s: image shape %dx%d", ErrCorruptIDX, path, rows, cols)
	}
	want := count * rows * cols
	if len(raw)-16 != want {
		return nil, 0, 0, fmt.Errorf("%w: %s: want %d pixel bytes, have %d", ErrCorruptIDX, path, want, len(raw)-16)
	}
	// Copy out of the mapping before it is released.
	pixels = make([]byte, want)
	copy(pixels, raw[16:])
	return pixels, rows, cols, nil
}

func readIDXLabels(path string) ([]int, error) {
	raw, release, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer release()

	if len(raw) < 8 || binary.BigEndian.Uint32(raw[0:4]) != idxLabelsMagic {
		return nil, fmt.Errorf("%w: %s: bad label header", ErrCorruptIDX, path)
	}
	count := int(binary.BigEndian.Uint32(raw[4:8]))
	if len(raw)-8 != count {
		return nil, fmt.Errorf("%w: %s: want %d labels, have %d", ErrCorruptIDX, path, count, len(raw)-8)
	}
	labels := make([]int, count)
	for i, b := range raw[8:] {
		labels[i] = int(b)
	}
	return labels, nil
}

// mapFile maps path read-only, falling back to a plain read when mmap is
// unavailable. The release func must be called once the bytes are no longer
// referenced.
func mapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size64 := stat.Size()
	if size64 <= 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, nil, fmt.Errorf("%w: %s: size %d", ErrCorruptIDX, path, size64)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size64), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return data, func() { _ = unix.Munmap(data) }, nil
	}

	data, err = os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, func() {}, nil
}
