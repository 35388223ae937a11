package api

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samcharles93/qsharp/internal/report"
)

// ReportStore keeps results documents in memory, keyed by ID.
type ReportStore struct {
	mu      sync.RWMutex
	reports map[string]*report.Document
}

func NewReportStore() *ReportStore {
	return &ReportStore{
		reports: make(map[string]*report.Document),
	}
}

// Put adds d, replacing any document with the same ID.
func (s *ReportStore) Put(d *report.Document) {
	s.mu.Lock()
	s.reports[d.ID] = d
	s.mu.Unlock()
}

func (s *ReportStore) Get(id string) (*report.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.reports[id]
	return d, ok
}

// List returns every document, newest first.
func (s *ReportStore) List() []*report.Document {
	s.mu.RLock()
	out := make([]*report.Document, 0, len(s.reports))
	for _, d := range s.reports {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// LoadPaths reads each path into the store. Directories contribute every
// .json, .yaml and .yml file directly inside them.
func (s *ReportStore) LoadPaths(paths []string) (int, error) {
	var n int
	for _, p := range paths {
		files, err := reportFiles(p)
		if err != nil {
			return n, err
		}
		for _, f := range files {
			d, err := report.Read(f)
			if err != nil {
				return n, err
			}
			s.Put(d)
			n++
		}
	}
	return n, nil
}

func reportFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			out = append(out, filepath.Join(path, e.Name()))
		}
	}
	return out, nil
}
