// Command poolctl is the operator CLI for the §6 external interface: it
// loads a pool buffer from disk, applies one target-state operation, and
// writes the result back, reporting the kind of failure (InvalidArgument,
// NotFound, Busy, IOError) through its exit code the way the cluster
// coordinator's own CLI wrappers report failures to the shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/dreamware/torua-placement/internal/cluster"
	"github.com/dreamware/torua-placement/internal/poolmap"
)

const (
	exitSuccess = iota
	exitInvalidArgument
	exitNotFound
	exitBusy
	exitIOError
)

// Globals carries flags shared by every subcommand. Exactly one of Pool and
// Remote selects where the op runs: Pool for a local file, Remote for a
// running placementd's /apply and /query HTTP endpoints.
type Globals struct {
	Pool   string `help:"Path to a local pool buffer file to operate on." xor:"target" type:"path"`
	Remote string `help:"Base URL of a running placementd to operate on remotely, e.g. http://localhost:8090." xor:"target"`
}

var cli struct {
	Globals

	Exclude     excludeCmd     `cmd:"" help:"Apply EXCLUDE to one or more targets, or a whole rank."`
	Reintegrate reintegrateCmd `cmd:"" help:"Apply REINT to one or more targets, or a whole rank."`
	Drain       drainCmd       `cmd:"" help:"Apply DRAIN to one or more targets, or a whole rank."`
	Extend      extendCmd      `cmd:"" help:"Append a new subtree parsed from --buf under --parent and apply EXTEND."`
	Query       queryCmd       `cmd:"" help:"Print the pool map's current query(map) summary."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("poolctl"),
		kong.Description("Inspect and mutate a placement engine pool map."),
	)
	err := ctx.Run(&cli.Globals)
	os.Exit(exitCodeFor(err))
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, poolmap.ErrInvalidArgument), errors.Is(err, poolmap.ErrInvalidFormat), errors.Is(err, poolmap.ErrInvalidVersion), errors.Is(err, poolmap.ErrNotSupported):
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		return exitInvalidArgument
	case errors.Is(err, poolmap.ErrNotFound):
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		return exitNotFound
	case errors.Is(err, poolmap.ErrBusy):
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		return exitBusy
	default:
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		return exitIOError
	}
}

func loadPool(path string) (*poolmap.Map, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool buffer: %w", err)
	}
	m, err := poolmap.Create(buf)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func savePool(path string, m *poolmap.Map) error {
	if err := os.WriteFile(path, m.Marshal(), 0o644); err != nil {
		return fmt.Errorf("write pool buffer: %w", err)
	}
	return nil
}

// targetArgs is embedded by every op subcommand: either --rank selects the
// targets==-1 "whole rank" form of §6, or --target repeats to name specific
// target ids.
type targetArgs struct {
	Rank    *uint32  `help:"Apply to every target owned by this rank (the targets==-1 form)." xor:"selector"`
	Targets []uint32 `help:"Target ids to apply the operation to." xor:"selector" name:"target"`
}

func (a targetArgs) resolve(m *poolmap.Map) ([]uint32, bool, error) {
	if a.Rank != nil {
		return nil, true, nil
	}
	if len(a.Targets) == 0 {
		return nil, false, fmt.Errorf("%w: one of --rank or --target is required", poolmap.ErrInvalidArgument)
	}
	return a.Targets, false, nil
}

type excludeCmd struct {
	targetArgs
}

func (c *excludeCmd) Run(g *Globals) error {
	return runTargetOp(g, c.targetArgs, poolmap.OpExclude)
}

type reintegrateCmd struct {
	targetArgs
}

func (c *reintegrateCmd) Run(g *Globals) error {
	return runTargetOp(g, c.targetArgs, poolmap.OpReint)
}

type drainCmd struct {
	targetArgs
}

func (c *drainCmd) Run(g *Globals) error {
	return runTargetOp(g, c.targetArgs, poolmap.OpDrain)
}

func runTargetOp(g *Globals, args targetArgs, op poolmap.Op) error {
	ids, wholeRank, rerr := args.resolve(nil)
	if rerr != nil {
		return rerr
	}

	if g.Remote != "" {
		return runTargetOpRemote(g.Remote, args, wholeRank, op)
	}

	m, err := loadPool(g.Pool)
	if err != nil {
		return err
	}

	var version uint32
	var targetErrs []poolmap.TargetError

	if wholeRank {
		switch op {
		case poolmap.OpExclude:
			version, err = m.ExcludeRank(*args.Rank)
		case poolmap.OpDrain:
			version, err = m.DrainRank(*args.Rank)
		case poolmap.OpReint:
			version, err = m.ReintegrateRank(*args.Rank)
		}
	} else {
		version, targetErrs, err = m.TargetStateUpdate(ids, op, false)
	}
	if err != nil {
		return err
	}
	for _, te := range targetErrs {
		fmt.Fprintf(os.Stderr, "poolctl: target %d: %v\n", te.ID, te.Err)
	}
	if len(targetErrs) > 0 && version == 0 {
		return fmt.Errorf("%w: no target in the batch accepted %s", poolmap.ErrBusy, op)
	}

	if err := savePool(g.Pool, m); err != nil {
		return err
	}
	fmt.Printf("pool map now at version %d\n", m.Version())
	return nil
}

func opName(op poolmap.Op) string {
	switch op {
	case poolmap.OpExclude:
		return "EXCLUDE"
	case poolmap.OpDrain:
		return "DRAIN"
	case poolmap.OpReint:
		return "REINT"
	default:
		return op.String()
	}
}

// runTargetOpRemote is the --remote counterpart of runTargetOp: it POSTs an
// ApplyRequest to a running placementd's /apply endpoint instead of
// mutating a local pool buffer file.
func runTargetOpRemote(baseURL string, args targetArgs, wholeRank bool, op poolmap.Op) error {
	req := cluster.ApplyRequest{Op: opName(op)}
	if wholeRank {
		req.Rank = args.Rank
	} else {
		req.Targets = args.Targets
	}

	var resp cluster.ApplyResponse
	if err := cluster.PostJSON(context.Background(), baseURL+"/apply", req, &resp); err != nil {
		return fmt.Errorf("apply to %s: %w", baseURL, err)
	}
	for _, te := range resp.TargetErrors {
		fmt.Fprintf(os.Stderr, "poolctl: target %d: %s\n", te.ID, te.Message)
	}
	if len(resp.TargetErrors) > 0 && resp.Version == 0 {
		return fmt.Errorf("%w: no target in the batch accepted %s", poolmap.ErrBusy, op)
	}
	fmt.Printf("pool map now at version %d\n", resp.Version)
	return nil
}

type extendCmd struct {
	Parent  uint32 `help:"Id of the existing domain the new subtree attaches under." required:""`
	Version uint32 `help:"New pool-map version to stamp on success." required:""`
	Buf     string `help:"Path to the wire buffer describing the subtree to append." required:"" type:"path"`
}

func (c *extendCmd) Run(g *Globals) error {
	if g.Remote != "" {
		return fmt.Errorf("%w: extend is only supported against a local pool buffer", poolmap.ErrInvalidArgument)
	}

	m, err := loadPool(g.Pool)
	if err != nil {
		return err
	}

	buf, err := os.ReadFile(c.Buf)
	if err != nil {
		return fmt.Errorf("read extend buffer: %w", err)
	}
	if err := m.Extend(c.Version, c.Parent, buf); err != nil {
		return err
	}

	ids := make([]uint32, 0)
	for _, t := range m.Targets() {
		if t.Status == poolmap.StatusNew {
			ids = append(ids, t.ID)
		}
	}
	if _, _, err := m.TargetStateUpdate(ids, poolmap.OpExtend, true); err != nil {
		return err
	}

	if err := savePool(g.Pool, m); err != nil {
		return err
	}
	fmt.Printf("pool map extended to version %d\n", m.Version())
	return nil
}

type queryCmd struct {
	UID  uint32 `help:"uid to report back in the query result."`
	GID  uint32 `help:"gid to report back in the query result."`
	Mode uint32 `help:"mode bits to report back in the query result."`
}

func (c *queryCmd) Run(g *Globals) error {
	if g.Remote != "" {
		var q poolmap.QueryResult
		if err := cluster.GetJSON(context.Background(), g.Remote+"/query", &q); err != nil {
			return fmt.Errorf("query %s: %w", g.Remote, err)
		}
		return json.NewEncoder(os.Stdout).Encode(q)
	}

	m, err := loadPool(g.Pool)
	if err != nil {
		return err
	}
	q := m.Query(c.UID, c.GID, c.Mode)
	return json.NewEncoder(os.Stdout).Encode(q)
}
