package remote

import (
	"context"
	"io/fs"
	"time"
)

const (
	// DefaultExecTimeout is the ceiling for a single remote command.
	DefaultExecTimeout = 30 * time.Second
	// DefaultCopyTimeout is the ceiling for a single remote file write/copy.
	DefaultCopyTimeout = 10 * time.Second
)

// Result is the outcome of a remote command execution.
type Result struct {
	// ExitCode is the remote command exit code.
	ExitCode int
	// Output is the combined stdout and stderr of the command.
	Output string
}

// Runner executes commands and writes files on remote fleet machines.
//
// Operations are blocking and bounded by fixed timeouts. They must never be
// called while holding a lock on the state store.
type Runner interface {
	// Exec runs a shell command on the remote host and returns its combined
	// output. A non-zero exit code is not an error, it is part of the result.
	Exec(ctx context.Context, host string, command string) (*Result, error)

	// WriteFile writes content to a file on the remote host, creating
	// parent directories as needed.
	WriteFile(ctx context.Context, host string, path string, content []byte, mode fs.FileMode) error

	// CopyTo copies a local file to the remote host.
	CopyTo(ctx context.Context, host string, srcLocal string, dstRemote string) error
}
