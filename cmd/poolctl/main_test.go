package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dreamware/torua-placement/internal/cluster"
	"github.com/dreamware/torua-placement/internal/poolmap"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: exitSuccess},
		{name: "invalid argument", err: poolmap.ErrInvalidArgument, want: exitInvalidArgument},
		{name: "invalid format wraps to invalid argument bucket", err: fmt.Errorf("wrap: %w", poolmap.ErrInvalidFormat), want: exitInvalidArgument},
		{name: "not found", err: poolmap.ErrNotFound, want: exitNotFound},
		{name: "busy", err: poolmap.ErrBusy, want: exitBusy},
		{name: "unrecognized error maps to io error", err: errors.New("disk full"), want: exitIOError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.err); got != tt.want {
				t.Errorf("exitCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestTargetArgsResolveRequiresSelector(t *testing.T) {
	a := targetArgs{}
	_, _, err := a.resolve(nil)
	if !errors.Is(err, poolmap.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestTargetArgsResolveWholeRank(t *testing.T) {
	rank := uint32(3)
	a := targetArgs{Rank: &rank}
	ids, wholeRank, err := a.resolve(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wholeRank {
		t.Fatal("expected wholeRank = true")
	}
	if ids != nil {
		t.Fatalf("expected nil ids for whole-rank selector, got %v", ids)
	}
}

func TestOpName(t *testing.T) {
	tests := []struct {
		op   poolmap.Op
		want string
	}{
		{poolmap.OpExclude, "EXCLUDE"},
		{poolmap.OpDrain, "DRAIN"},
		{poolmap.OpReint, "REINT"},
	}
	for _, tt := range tests {
		if got := opName(tt.op); got != tt.want {
			t.Errorf("opName(%v) = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestRunTargetOpRemoteWholeRank(t *testing.T) {
	var gotReq cluster.ApplyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(cluster.ApplyResponse{Version: 5})
	}))
	defer srv.Close()

	rank := uint32(1)
	err := runTargetOpRemote(srv.URL, targetArgs{Rank: &rank}, true, poolmap.OpExclude)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotReq.Op != "EXCLUDE" || gotReq.Rank == nil || *gotReq.Rank != rank {
		t.Errorf("unexpected request sent to placementd: %+v", gotReq)
	}
}

func TestRunTargetOpRemoteReportsTargetErrorsWithoutProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cluster.ApplyResponse{
			Version:      0,
			TargetErrors: []cluster.TargetError{{ID: 4, Message: "poolmap: illegal state transition"}},
		})
	}))
	defer srv.Close()

	err := runTargetOpRemote(srv.URL, targetArgs{Targets: []uint32{4}}, false, poolmap.OpDrain)
	if !errors.Is(err, poolmap.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestTargetArgsResolveExplicitTargets(t *testing.T) {
	a := targetArgs{Targets: []uint32{1, 2, 3}}
	ids, wholeRank, err := a.resolve(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wholeRank {
		t.Fatal("expected wholeRank = false")
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %v", ids)
	}
}
