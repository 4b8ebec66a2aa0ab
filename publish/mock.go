package publish

import (
	"context"
	"log/slog"

	"holdings-sync/pkg/holdings"
)

// MockPublisher is a publisher for dry runs.
type MockPublisher struct {
	logger *slog.Logger
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher(logger *slog.Logger) *MockPublisher {
	return &MockPublisher{
		logger: logger,
	}
}

// Publish logs the table instead of writing it.
func (m *MockPublisher) Publish(ctx context.Context, table *holdings.Table) error {
	rows, cols := table.Shape()
	m.logger.Info("MOCK PUBLISH",
		"rows", rows,
		"cols", cols,
		"columns", table.Columns)
	return nil
}
