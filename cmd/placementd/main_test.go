package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/torua-placement/internal/cluster"
	"github.com/dreamware/torua-placement/internal/metrics"
	"github.com/dreamware/torua-placement/internal/poolmap"
	"github.com/dreamware/torua-placement/internal/registry"
	"github.com/dreamware/torua-placement/internal/rim"
)

// TestGetenv tests the getenv utility function.
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{name: "environment variable set", key: "TEST_PLACEMENTD_ENV", value: "test_value", def: "default", expected: "test_value"},
		{name: "environment variable not set", key: "UNSET_PLACEMENTD_ENV", value: "", def: "default_value", expected: "default_value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
				defer os.Unsetenv(tt.key)
			}
			if got := getenv(tt.key, tt.def); got != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.def, got, tt.expected)
			}
		})
	}
}

func newTestServer(t *testing.T) *server {
	t.Helper()

	root := &poolmap.Component{Type: poolmap.TypeRoot, Version: 1}
	for r := 0; r < 4; r++ {
		dom := &poolmap.Component{Type: poolmap.TypeRank, Rank: uint32(r), Version: 1, Parent: root, Status: poolmap.StatusUpIn}
		for i := 0; i < 2; i++ {
			tgt := &poolmap.Component{Type: poolmap.TypeTarget, ID: uint32(r*10 + i), Rank: uint32(r), Version: 1, Status: poolmap.StatusUpIn, Parent: dom}
			dom.Children = append(dom.Children, tgt)
		}
		root.Children = append(root.Children, dom)
	}

	buf := encodeRoot(root)
	mm, err := poolmap.Create(buf)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rm, err := rim.Build(mm.Root(), poolmap.TypeRank, mm.Version(), 2)
	if err != nil {
		t.Fatalf("rim.Build: %v", err)
	}

	reg := registry.New(1)
	id := uuid.New()
	handle, err := reg.Open(id, mm)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	logger := zap.NewNop().Sugar()
	met := metrics.New(prometheus.NewRegistry())

	return &server{log: logger, reg: reg, metrics: met, handle: handle, poolID: id, rim: rm}
}

// encodeRoot hand-assembles a wire buffer for a tree built directly with
// poolmap.Component literals, duplicating poolmap's own (unexported) encoder
// narrowly so this package's tests don't need a package-level test hook.
func encodeRoot(root *poolmap.Component) []byte {
	// Minimal depth-first encoder mirroring poolmap's own wire format,
	// duplicated here narrowly because the encoder is unexported.
	var body []byte
	var nr, domainNr, targetNr int
	var walk func(c *poolmap.Component)
	walk = func(c *poolmap.Component) {
		nr++
		switch c.Type {
		case poolmap.TypeRank, poolmap.TypeDomain, poolmap.TypeNode:
			domainNr++
		case poolmap.TypeTarget:
			targetNr++
		}
		rec := make([]byte, 32)
		putU16(rec[0:2], uint16(c.Type))
		rec[2] = byte(c.Status)
		putU32(rec[4:8], c.ID)
		putU32(rec[8:12], c.Rank)
		putU32(rec[12:16], c.Version)
		putU32(rec[16:20], c.InVer)
		putU32(rec[20:24], c.FSeq)
		putU32(rec[28:32], uint32(len(c.Children)))
		body = append(body, rec...)
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(root)

	header := make([]byte, 16)
	putU32(header[4:8], uint32(nr))
	putU32(header[8:12], uint32(domainNr))
	putU32(header[12:16], uint32(targetNr))
	return append(header, body...)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func TestHandleQueryReportsVersion(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	rr := httptest.NewRecorder()
	s.handleQuery(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var q poolmap.QueryResult
	if err := json.NewDecoder(rr.Body).Decode(&q); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.MapVersion != 1 {
		t.Fatalf("expected map version 1, got %d", q.MapVersion)
	}
}

func TestHandleQueryRejectsNonGet(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/query", nil)
	rr := httptest.NewRecorder()
	s.handleQuery(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleApplyExcludesWholeRank(t *testing.T) {
	s := newTestServer(t)
	rank := uint32(2)

	body, _ := json.Marshal(cluster.ApplyRequest{Op: "EXCLUDE", Rank: &rank})
	req := httptest.NewRequest(http.MethodPost, "/apply", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.handleApply(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp cluster.ApplyResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version == 0 {
		t.Fatal("expected a nonzero version after excluding a rank")
	}
}

func TestHandleApplyRejectsUnknownOp(t *testing.T) {
	s := newTestServer(t)
	targets := []uint32{20}

	body, _ := json.Marshal(cluster.ApplyRequest{Op: "NOPE", Targets: targets})
	req := httptest.NewRequest(http.MethodPost, "/apply", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.handleApply(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleApplyRejectsMissingSelector(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(cluster.ApplyRequest{Op: "EXCLUDE"})
	req := httptest.NewRequest(http.MethodPost, "/apply", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.handleApply(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleRimReportsCounts(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/rim", nil)
	rr := httptest.NewRecorder()
	s.handleRim(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var summary rimSummary
	if err := json.NewDecoder(rr.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.NRims != 2 || summary.NDomains != 4 || summary.NTargets != 8 {
		t.Fatalf("unexpected rim summary: %+v", summary)
	}
}
