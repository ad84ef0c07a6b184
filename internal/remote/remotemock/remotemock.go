// Package remotemock contains a testify mock for the remote runner.
package remotemock

import (
	"context"
	"io/fs"

	"github.com/stretchr/testify/mock"

	"github.com/hwfleet/fleetmaster/internal/remote"
)

// MockRunner is a testify mock of remote.Runner.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Exec(ctx context.Context, host string, command string) (*remote.Result, error) {
	args := m.Called(ctx, host, command)
	var r0 *remote.Result
	if args.Get(0) != nil {
		r0 = args.Get(0).(*remote.Result)
	}
	return r0, args.Error(1)
}

func (m *MockRunner) WriteFile(ctx context.Context, host string, path string, content []byte, mode fs.FileMode) error {
	args := m.Called(ctx, host, path, content, mode)
	return args.Error(0)
}

func (m *MockRunner) CopyTo(ctx context.Context, host string, srcLocal string, dstRemote string) error {
	args := m.Called(ctx, host, srcLocal, dstRemote)
	return args.Error(0)
}
