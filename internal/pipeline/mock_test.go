package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/echo-labs/echo-cli/pkg/echoapi"
)

// --- Echo API Mock ---

type mockEchoClient struct {
	mock.Mock
}

func (m *mockEchoClient) GetUser(ctx context.Context, userID int64) (*echoapi.UserProfile, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*echoapi.UserProfile), args.Error(1)
}

func (m *mockEchoClient) UpsertUser(ctx context.Context, profile echoapi.UserProfile) (*echoapi.UserProfile, error) {
	args := m.Called(ctx, profile)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*echoapi.UserProfile), args.Error(1)
}

func (m *mockEchoClient) CreateOrder(ctx context.Context, userID int64) (*echoapi.Order, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*echoapi.Order), args.Error(1)
}

func (m *mockEchoClient) ConfirmPayment(ctx context.Context, userID, orderID int64) (*echoapi.PaymentSession, error) {
	args := m.Called(ctx, userID, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*echoapi.PaymentSession), args.Error(1)
}

func (m *mockEchoClient) GenerateIntermediateStory(ctx context.Context, req echoapi.StoryRequest) (*echoapi.IntermediateStory, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*echoapi.IntermediateStory), args.Error(1)
}

func (m *mockEchoClient) GenerateFinalStory(ctx context.Context, req echoapi.StoryRequest) (*echoapi.FinalStory, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*echoapi.FinalStory), args.Error(1)
}

func (m *mockEchoClient) ExtractEvents(ctx context.Context, text string, storyID, userID int64) ([]echoapi.ProcessedEvent, error) {
	args := m.Called(ctx, text, storyID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]echoapi.ProcessedEvent), args.Error(1)
}

func (m *mockEchoClient) PersistEvents(ctx context.Context, events []echoapi.ProcessedEvent) ([]echoapi.PersistedEvent, error) {
	args := m.Called(ctx, events)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]echoapi.PersistedEvent), args.Error(1)
}

func (m *mockEchoClient) ListStories(ctx context.Context, userID int64) []echoapi.Story {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return []echoapi.Story{}
	}
	return args.Get(0).([]echoapi.Story)
}

func (m *mockEchoClient) GetStory(ctx context.Context, storyID int64) *echoapi.Story {
	args := m.Called(ctx, storyID)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*echoapi.Story)
}

func (m *mockEchoClient) ListEvents(ctx context.Context, userID int64, storyIDs ...int64) []echoapi.PersistedEvent {
	args := m.Called(ctx, userID, storyIDs)
	if args.Get(0) == nil {
		return []echoapi.PersistedEvent{}
	}
	return args.Get(0).([]echoapi.PersistedEvent)
}
