// Package cluster provides the JSON-over-HTTP transport placement clients
// use to reach a running placementd without linking against its internal
// packages directly.
//
// # Overview
//
// A placement deployment is typically many placementd processes, each
// holding one pool map, fronted by operator tooling (cmd/poolctl) and other
// services that need query(map) or a target-state op applied remotely
// instead of against a local pool buffer file. This package is the thin
// client side of that split: PostJSON/GetJSON plus the small set of request
// and response types the placementd HTTP surface speaks.
//
// # Architecture
//
//	┌─────────────┐        JSON/HTTP        ┌──────────────┐
//	│  cmd/poolctl │ ───────────────────────▶│  placementd  │
//	│  (--remote)  │ ◀─────────────────────── │  /apply      │
//	└─────────────┘                          │  /query      │
//	                                         └──────────────┘
//
// # Core Components
//
// ApplyRequest/ApplyResponse: the wire shape of a remote target-state op
// (EXCLUDE/REINT/DRAIN against explicit targets or a whole rank).
//
// PostJSON/GetJSON: context-aware JSON request helpers shared by every
// caller in this module that needs to reach a remote placementd.
package cluster
