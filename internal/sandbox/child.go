package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
)

// RunChild is the entry point of the sandbox child process. It reads one
// request from stdin, executes it, and writes one response to stdout. The
// execution outcome travels inside the response; a non-nil error here means
// the protocol itself broke.
func RunChild(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	var req Request
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("decode sandbox request: %w", err)
	}
	if req.Allow == nil {
		return fmt.Errorf("sandbox request carries no allow-list")
	}

	limits := req.Limits.Merge(defaultLimits)
	if limits.MaxMemoryBytes > 0 {
		// Soft runtime ceiling; the parent's kill on wall-clock breach is
		// the hard backstop.
		debug.SetMemoryLimit(limits.MaxMemoryBytes)
	}

	resp := run(ctx, &req)
	if err := json.NewEncoder(stdout).Encode(resp); err != nil {
		return fmt.Errorf("encode sandbox response: %w", err)
	}
	return nil
}
