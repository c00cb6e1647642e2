package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/atlasreg/carte-extractor/pkg/mistral"
)

// --- Mistral Mock ---

type mockMistralClient struct {
	mock.Mock
}

func (m *mockMistralClient) Chat(ctx context.Context, req mistral.ChatRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}
