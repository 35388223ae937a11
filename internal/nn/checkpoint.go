package nn

import (
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qsharp/internal/checkpoint"
	"github.com/samcharles93/qsharp/internal/tensor"
)

func weightName(l int) string { return "layers." + strconv.Itoa(l) + ".weight" }
func biasName(l int) string   { return "layers." + strconv.Itoa(l) + ".bias" }

// Save writes the network to path. Weights keep their out x in layout.
func (m *MLP) Save(path, dtype string) error {
	tensors := make([]checkpoint.Tensor, 0, len(m.weights)+1)
	for l, w := range m.weights {
		r, c := w.Dims()
		tensors = append(tensors, checkpoint.Tensor{
			Name:  weightName(l),
			Shape: []int{r, c},
			Data:  tensor.Flatten(w),
		})
	}
	tensors = append(tensors, checkpoint.Tensor{
		Name:  biasName(len(m.weights) - 1),
		Shape: []int{len(m.bias)},
		Data:  m.Bias(),
	})
	meta := map[string]string{"layers": strconv.Itoa(len(m.weights))}
	return checkpoint.Write(path, dtype, tensors, meta)
}

// Load reads a network written by Save.
func Load(path string) (*MLP, error) {
	f, err := checkpoint.Open(path)
	if err != nil {
		return nil, err
	}
	var weights []*mat.Dense
	for l := 0; ; l++ {
		if _, ok := f.Tensor(weightName(l)); !ok {
			break
		}
		data, info, err := f.ReadTensorF64(weightName(l))
		if err != nil {
			return nil, err
		}
		if len(info.Shape) != 2 {
			return nil, fmt.Errorf("%w: %s has shape %v", ErrShape, weightName(l), info.Shape)
		}
		w, err := tensor.Reshape(info.Shape[0], info.Shape[1], data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrShape, weightName(l), err)
		}
		weights = append(weights, w)
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: %s has no layers.N.weight tensors", ErrNoLayers, path)
	}
	bias, _, err := f.ReadTensorF64(biasName(len(weights) - 1))
	if err != nil {
		return nil, err
	}
	return FromWeights(weights, bias)
}
