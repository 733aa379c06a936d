package mocks

import (
	"context"

	"github.com/dukex/flowrunner/pkg/httpaction"
	"github.com/stretchr/testify/mock"
)

// MockInvoker is a mock implementation of httpaction.Invoker interface.
type MockInvoker struct {
	mock.Mock
}

func (m *MockInvoker) Invoke(ctx context.Context, req httpaction.Request) httpaction.Result {
	args := m.Called(ctx, req)

	return args.Get(0).(httpaction.Result)
}
