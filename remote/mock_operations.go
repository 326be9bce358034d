package remote

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/iamthanushgowdap/APSConnect-sub000/core"
)

// MockOperations is a testify mock of the Operations contract, shared by the
// executor and engine test suites.
type MockOperations struct {
	mock.Mock
}

var _ Operations = (*MockOperations)(nil)

func (m *MockOperations) Create(ctx context.Context, payload core.FieldValues) (core.Record, error) {
	args := m.Called(ctx, payload)
	return args.Get(0).(core.Record), args.Error(1)
}

func (m *MockOperations) Update(ctx context.Context, id core.RecordID, payload core.FieldValues) (core.Record, error) {
	args := m.Called(ctx, id, payload)
	return args.Get(0).(core.Record), args.Error(1)
}

func (m *MockOperations) PatchField(ctx context.Context, id core.RecordID, patch core.FieldValues) (core.Record, error) {
	args := m.Called(ctx, id, patch)
	return args.Get(0).(core.Record), args.Error(1)
}

func (m *MockOperations) Delete(ctx context.Context, id core.RecordID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOperations) List(ctx context.Context) ([]core.Record, error) {
	args := m.Called(ctx)
	if recs := args.Get(0); recs != nil {
		return recs.([]core.Record), args.Error(1)
	}
	return nil, args.Error(1)
}
