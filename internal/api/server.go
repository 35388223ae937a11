// Package api serves stored results documents read-only over HTTP.
package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qsharp/internal/report"
	"github.com/samcharles93/qsharp/internal/sweep"
)

type Server struct {
	store *ReportStore
}

func NewServer(store *ReportStore) *Server {
	if store == nil {
		store = NewReportStore()
	}
	return &Server{store: store}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/reports", s.handleListReports)
	e.GET("/v1/reports/:id", s.handleGetReport)
	e.GET("/v1/reports/:id/schemes/:scheme", s.handleGetScheme)
	e.GET("/v1/reports/:id/schemes/:scheme/layers/:layer", s.handleGetLayer)
}

// ReportSummary is one entry of the report listing.
type ReportSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Schemes   []string  `json:"q_schemes"`
}

type reportList struct {
	Object string          `json:"object"`
	Data   []ReportSummary `json:"data"`
}

// LayerEntry is one layer of a scheme listing.
type LayerEntry struct {
	Layer int `json:"layer"`
	sweep.LayerReport
}

type schemeView struct {
	ReportID string       `json:"report_id"`
	Scheme   string       `json:"scheme"`
	Layers   []LayerEntry `json:"layers"`
}

func (s *Server) handleListReports(c *echo.Context) error {
	docs := s.store.List()
	out := reportList{Object: "list", Data: make([]ReportSummary, 0, len(docs))}
	for _, d := range docs {
		out.Data = append(out.Data, ReportSummary{ID: d.ID, CreatedAt: d.CreatedAt, Schemes: d.SchemeNames()})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetReport(c *echo.Context) error {
	d, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "report not found")
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleGetScheme(c *echo.Context) error {
	d, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "report not found")
	}
	scheme := c.Param("scheme")
	layers, err := d.Scheme(scheme)
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	view := schemeView{ReportID: d.ID, Scheme: scheme, Layers: make([]LayerEntry, 0, len(layers))}
	for l, lr := range layers {
		view.Layers = append(view.Layers, LayerEntry{Layer: l, LayerReport: lr})
	}
	sort.Slice(view.Layers, func(i, j int) bool { return view.Layers[i].Layer < view.Layers[j].Layer })
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleGetLayer(c *echo.Context) error {
	d, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "report not found")
	}
	layer, err := parseLayer(c.Param("layer"))
	if err != nil {
		var ire invalidRequestError
		if errors.As(err, &ire) {
			return writeBadRequest(c, ire.msg, ire.param)
		}
		return writeBadRequest(c, err.Error(), "layer")
	}
	lr, err := d.Layer(c.Param("scheme"), layer)
	if err != nil {
		if errors.Is(err, report.ErrNoScheme) || errors.Is(err, report.ErrNoLayer) {
			return writeNotFound(c, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, LayerEntry{Layer: layer, LayerReport: lr})
}

func parseLayer(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, newInvalidRequest("layer", "layer must be a non-negative integer")
	}
	return n, nil
}
