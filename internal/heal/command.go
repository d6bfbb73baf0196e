package heal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/ghcli"
	"github.com/vaishcodescape/OpenX-MCP/internal/pool"
)

const DefaultCommandTimeout = 2 * time.Minute

// CommandGenerator asks an external program for a patch. The program reads the
// PatchRequest as JSON on stdin and writes a PatchProposal as JSON on stdout; an empty
// unified_diff means it has no fix.
type CommandGenerator struct {
	Command []string
	Env     []string
	Timeout time.Duration
	Runner  ghcli.Runner
	Pool    *pool.Pool
}

func (g *CommandGenerator) Propose(ctx context.Context, req PatchRequest) (*PatchProposal, error) {
	if len(g.Command) == 0 {
		return nil, core.ValidationErrorf("patch command is not configured")
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode patch request: %w", err)
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	inv := ghcli.Invocation{Binary: g.Command[0], Args: g.Command[1:], Env: g.Env, Stdin: input}

	run := func(tctx context.Context) (ghcli.Report, error) {
		tctx, cancel := context.WithTimeout(tctx, timeout)
		defer cancel()
		return g.Runner.Run(tctx, inv)
	}
	var report ghcli.Report
	if g.Pool != nil {
		report, err = pool.Do(ctx, g.Pool, run)
	} else {
		report, err = run(ctx)
	}
	if err != nil {
		return nil, err
	}
	if report.StdoutTruncated {
		return nil, core.Errorf(core.KindPatchApplication, "patch command output exceeded %d bytes", report.OutputLimitBytes)
	}

	var p PatchProposal
	if err := json.Unmarshal([]byte(report.Stdout), &p); err != nil {
		return nil, core.Wrap(core.KindPatchApplication, "decode patch proposal", err)
	}
	if strings.TrimSpace(p.UnifiedDiff) == "" {
		return nil, ErrNoProposal
	}
	if p.Generator == "" {
		p.Generator = "command:" + g.Command[0]
	}
	return &p, nil
}
