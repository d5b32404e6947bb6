package generative

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock for Client, shared by engine tests.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) ExecuteRole(ctx context.Context, role Role, userPrompt string) (*Output, error) {
	args := m.Called(ctx, role, userPrompt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Output), args.Error(1)
}

func (m *MockClient) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var _ Client = (*MockClient)(nil)
