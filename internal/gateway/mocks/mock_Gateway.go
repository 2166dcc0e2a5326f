// Package mocks provides test doubles for the provider gateway.
package mocks

import (
	"context"

	gateway "github.com/sawai-singh/rankmybrand.ai-sub001/internal/gateway"
	mock "github.com/stretchr/testify/mock"
)

// MockGateway is a mock type for the Gateway interface.
type MockGateway struct {
	mock.Mock
}

// Complete provides a mock function with given fields: ctx, req
func (_m *MockGateway) Complete(ctx context.Context, req gateway.Request) (*gateway.Completion, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Complete")
	}

	var r0 *gateway.Completion
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, gateway.Request) (*gateway.Completion, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, gateway.Request) *gateway.Completion); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*gateway.Completion)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, gateway.Request) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockGateway creates a new instance of MockGateway.
func NewMockGateway(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockGateway {
	m := &MockGateway{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
