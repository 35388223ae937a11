// Package report holds the results document written by an experiment run:
// overall training curves plus, per quantization scheme, the sweep record of
// every probed layer.
package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qsharp/internal/sweep"
)

var (
	ErrUnknownFormat = errors.New("report: unknown format")
	ErrNoScheme      = errors.New("report: scheme not in document")
	ErrNoLayer       = errors.New("report: layer not in document")
)

// Overall holds per-epoch training and test curves.
type Overall struct {
	TrainLosses []float64 `json:"train_losses" yaml:"train_losses"`
	TrainAccs   []float64 `json:"train_accs" yaml:"train_accs"`
	TestLosses  []float64 `json:"test_losses" yaml:"test_losses"`
	TestAccs    []float64 `json:"test_accs" yaml:"test_accs"`
}

// Document is one run's results.
type Document struct {
	ID        string    `json:"id" yaml:"id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Version   string    `json:"version,omitempty" yaml:"version,omitempty"`
	// Config is the run configuration as given; after decoding it is a
	// generic map.
	Config  any                                  `json:"config,omitempty" yaml:"config,omitempty"`
	Overall Overall                              `json:"overall" yaml:"overall"`
	Schemes map[string]map[int]sweep.LayerReport `json:"q_schemes" yaml:"q_schemes"`
	// LayerOrder lists each scheme's layers in the order they were probed.
	// Schemes maps cannot carry it: JSON sorts "10" before "2".
	LayerOrder map[string][]int `json:"layer_order,omitempty" yaml:"layer_order,omitempty"`
}

// New starts a document with a fresh ID.
func New(cfg any, now time.Time) *Document {
	return &Document{
		ID:        uuid.NewString(),
		CreatedAt: now.UTC(),
		Config:    cfg,
		Schemes:   make(map[string]map[int]sweep.LayerReport),
	}
}

// AddScheme stores one scheme's layer reports, replacing earlier ones. order
// is the probe order; when it is omitted layers are ordered by number.
func (d *Document) AddScheme(scheme string, layers map[int]sweep.LayerReport, order ...int) {
	if d.Schemes == nil {
		d.Schemes = make(map[string]map[int]sweep.LayerReport)
	}
	if d.LayerOrder == nil {
		d.LayerOrder = make(map[string][]int)
	}
	d.Schemes[scheme] = layers
	if len(order) == 0 {
		order = sortedLayers(layers)
	}
	d.LayerOrder[scheme] = append([]int(nil), order...)
}

// LayerNums returns the layer numbers of one scheme in probe order. Documents
// written without an order fall back to numeric order.
func (d *Document) LayerNums(scheme string) ([]int, error) {
	layers, err := d.Scheme(scheme)
	if err != nil {
		return nil, err
	}
	if order, ok := d.LayerOrder[scheme]; ok && len(order) == len(layers) {
		return append([]int(nil), order...), nil
	}
	return sortedLayers(layers), nil
}

func sortedLayers(layers map[int]sweep.LayerReport) []int {
	out := make([]int, 0, len(layers))
	for n := range layers {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// SchemeNames returns the scheme keys in sorted order.
func (d *Document) SchemeNames() []string {
	out := make([]string, 0, len(d.Schemes))
	for name := range d.Schemes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Scheme returns the layer reports of one scheme.
func (d *Document) Scheme(name string) (map[int]sweep.LayerReport, error) {
	layers, ok := d.Schemes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoScheme, name)
	}
	return layers, nil
}

// Layer returns one layer's report under a scheme.
func (d *Document) Layer(scheme string, layer int) (sweep.LayerReport, error) {
	layers, err := d.Scheme(scheme)
	if err != nil {
		return sweep.LayerReport{}, err
	}
	lr, ok := layers[layer]
	if !ok {
		return sweep.LayerReport{}, fmt.Errorf("%w: %s/%d", ErrNoLayer, scheme, layer)
	}
	return lr, nil
}

// Format is a document encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
)

// ParseFormat accepts json, yaml and yml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatFor picks the format from a file extension, defaulting to JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	}
	return JSON
}

// Encode writes d to w. JSON output is indented by four spaces.
func Encode(w io.Writer, d *Document, f Format) error {
	switch f {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		return enc.Encode(d)
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(4)
		if err := enc.Encode(d); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// Decode reads a document from r.
func Decode(r io.Reader, f Format) (*Document, error) {
	var d Document
	switch f {
	case JSON:
		if err := json.NewDecoder(r).Decode(&d); err != nil {
			return nil, fmt.Errorf("decode json report: %w", err)
		}
	case YAML:
		if err := yaml.NewDecoder(r).Decode(&d); err != nil {
			return nil, fmt.Errorf("decode yaml report: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	if d.Schemes == nil {
		d.Schemes = make(map[string]map[int]sweep.LayerReport)
	}
	return &d, nil
}

// Write encodes d to path in the format its extension implies.
func Write(path string, d *Document) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, d, FormatFor(path)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return f.Close()
}

// Read decodes the document at path.
func Read(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	d, err := Decode(f, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}
