package sweep

// LayerReport is the serialized form of one layer's sweep. The field names
// are shared by every scheme so reports merge under a scheme key.
type LayerReport struct {
	TopEigval      float64   `json:"top_eigval" yaml:"top_eigval"`
	PerturbAmounts []float64 `json:"perturb_amounts" yaml:"perturb_amounts"`
	PerturbLosses  []float64 `json:"perturb_losses" yaml:"perturb_losses"`
	PerturbAccs    []float64 `json:"perturb_accs" yaml:"perturb_accs"`
}

// Report returns the completed layers keyed by layer number. Map order is
// unspecified and encoders sort the keys (as strings in JSON); LayerOrder
// gives the order the layers were requested in.
func (n *NetData) Report() map[int]LayerReport {
	out := make(map[int]LayerReport, len(n.layers))
	for _, rec := range n.layers {
		out[rec.LayerNum] = LayerReport{
			TopEigval:      rec.TopEigval,
			PerturbAmounts: append([]float64(nil), rec.Amounts...),
			PerturbLosses:  append([]float64(nil), rec.Losses...),
			PerturbAccs:    append([]float64(nil), rec.Accs...),
		}
	}
	return out
}

// LayerOrder returns the layer numbers of the completed layers in the order
// they were requested.
func (n *NetData) LayerOrder() []int {
	out := make([]int, len(n.layers))
	for i, rec := range n.layers {
		out[i] = rec.LayerNum
	}
	return out
}
