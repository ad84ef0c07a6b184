// Package reasoningmock contains a testify mock for the reasoning client.
package reasoningmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/hwfleet/fleetmaster/internal/reasoning"
)

// MockClient is a testify mock of reasoning.Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Complete(ctx context.Context, req reasoning.Request) (*reasoning.Response, error) {
	args := m.Called(ctx, req)
	var r0 *reasoning.Response
	if args.Get(0) != nil {
		r0 = args.Get(0).(*reasoning.Response)
	}
	return r0, args.Error(1)
}
