package persist

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// mockStore is a testify mock of crawler.EventStore.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Upsert(ctx context.Context, event crawler.Event) (crawler.UpsertOutcome, error) {
	args := m.Called(ctx, event)
	return args.Get(0).(crawler.UpsertOutcome), args.Error(1) //nolint:wrapcheck
}

func (m *mockStore) Find(ctx context.Context, key crawler.EventKey) (crawler.Event, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(crawler.Event), args.Bool(1), args.Error(2) //nolint:wrapcheck
}

func (m *mockStore) DeleteBySource(ctx context.Context, source string) (int, error) {
	args := m.Called(ctx, source)
	return args.Int(0), args.Error(1) //nolint:wrapcheck
}

func (m *mockStore) ListEvents(ctx context.Context, filter crawler.EventFilter) ([]crawler.Event, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]crawler.Event), args.Error(1) //nolint:wrapcheck
}
