package client

import (
	"context"
	"encoding/json"

	"github.com/CMSgov/dpc-app/dpcqueue/models"
	"github.com/stretchr/testify/mock"
)

type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) Fetch(ctx context.Context, resourceType models.ResourceType, patientID string) ([]json.RawMessage, error) {
	args := m.Called(resourceType, patientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]json.RawMessage), args.Error(1)
}
