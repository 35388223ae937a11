// Package checkpoint reads and writes model weights in the safetensors
// layout: an 8-byte little-endian header length, a JSON header mapping tensor
// names to dtype, shape and data offsets, then the raw little-endian data.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

var (
	ErrTensorNotFound   = errors.New("checkpoint: tensor not found")
	ErrUnsupportedDType = errors.New("checkpoint: unsupported dtype")
	ErrCorrupt          = errors.New("checkpoint: corrupt file")
)

const metadataKey = "__metadata__"

// maxHeaderLen bounds the JSON header read before any allocation.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("%w: header length: %v", ErrCorrupt, err)
	}
	if headerLen > maxHeaderLen {
		return nil, fmt.Errorf("%w: header length %d", ErrCorrupt, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: header json: %v", ErrCorrupt, err)
	}

	var meta map[string]string
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
		}
		delete(raw, metadataKey)
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorrupt, name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	out := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if t.End < t.Start || t.Start < 0 {
		return nil, TensorInfo{}, fmt.Errorf("%w: tensor %s: invalid offsets", ErrCorrupt, name)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF64 decodes a floating-point tensor into float64 values.
func (f *File) ReadTensorF64(name string) ([]float64, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	width, ok := dtypeWidth[info.DType]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s (tensor %s)", ErrUnsupportedDType, info.DType, name)
	}
	if len(raw) != n*width {
		return nil, TensorInfo{}, fmt.Errorf("%w: tensor %s: want %d bytes of %s, have %d", ErrCorrupt, name, n*width, info.DType, len(raw))
	}

	out := make([]float64, n)
	for i := range out {
		switch info.DType {
		case "F64":
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		case "F32":
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		case "BF16":
			out[i] = float64(bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:])))
		case "F16":
			out[i] = float64(fp16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	}
	return out, info, nil
}

var dtypeWidth = map[string]int{"F64": 8, "F32": 4, "BF16": 2, "F16": 2}

// Tensor is one named array to be written.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// Write stores tensors at path with the given dtype ("F32" or "F64"). Names
// are laid out in sorted order so equal inputs produce equal files.
func Write(path string, dtype string, tensors []Tensor, metadata map[string]string) error {
	width, ok := dtypeWidth[dtype]
	if !ok || (dtype != "F32" && dtype != "F64") {
		return fmt.Errorf("%w: cannot write %s", ErrUnsupportedDType, dtype)
	}

	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, t := range sorted {
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, n, len(t.Data))
		}
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("tensor %s: duplicate name", t.Name)
		}
		end := offset + int64(n*width)
		header[t.Name] = tensorHeader{DType: dtype, Shape: t.Shape, DataOffsets: []int64{offset, end}}
		offset = end
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header so the data section is 8-byte aligned.
	for (8+len(headerBytes))%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	_, _ = w.Write(lenBuf[:])
	_, _ = w.Write(headerBytes)

	var scratch [8]byte
	for _, t := range sorted {
		for _, v := range t.Data {
			if dtype == "F64" {
				binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
			} else {
				binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(float32(v)))
			}
			_, _ = w.Write(scratch[:width])
		}
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func fp16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
