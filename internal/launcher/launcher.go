// Package launcher starts and tracks processes on remote machines.
package launcher

import (
	"context"
	"errors"
	"io"
)

// ErrTerminated is returned to readers of an output stream closed by Terminate
var ErrTerminated = errors.New("process terminated")

// Handle is the sole owner of one spawned remote process
type Handle interface {
	// ID uniquely identifies the handle within a launcher
	ID() string

	// Target is the remote execution target the process runs on
	Target() string

	// Output is the process standard output. It can be consumed once, to end-of-stream.
	Output() io.Reader

	// Done is closed once the process has exited and its output is closed
	Done() <-chan struct{}

	// Terminate stops the process. It is idempotent and does not fail when
	// the process already exited.
	Terminate() error
}

// Launcher issues remote execution requests
type Launcher interface {
	// Launch frees port on target and then starts commandLine there. It
	// returns as soon as the request is issued, not when the command is ready.
	Launch(ctx context.Context, target, port, commandLine string) (Handle, error)
}
