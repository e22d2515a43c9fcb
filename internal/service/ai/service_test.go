package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/config"
)

type fakeChatModel struct {
	chunks    []string
	streamErr error
	recvErr   error
	lastInput []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.lastInput = input
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	sr, sw := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range f.chunks {
			sw.Send(schema.AssistantMessage(c, nil), nil)
		}
		if f.recvErr != nil {
			sw.Send(nil, f.recvErr)
		}
	}()
	return sr, nil
}

func TestGenerateCollectsStream(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"  We ship ", "to India", " and USA.\n"}}
	svc := NewServiceWithModel("fake", fake)

	reply, err := svc.Generate(context.Background(), "prompt text")
	require.NoError(t, err)
	assert.Equal(t, "We ship to India and USA.", reply)

	require.Len(t, fake.lastInput, 1)
	assert.Equal(t, schema.User, fake.lastInput[0].Role)
	assert.Equal(t, "prompt text", fake.lastInput[0].Content)
}

func TestGenerateErrors(t *testing.T) {
	cases := map[string]*fakeChatModel{
		"stream":     {streamErr: errors.New("unavailable")},
		"mid-stream": {chunks: []string{"partial"}, recvErr: errors.New("reset")},
		"blank":      {chunks: []string{" ", "\n"}},
	}
	for name, fake := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewServiceWithModel("fake", fake).Generate(context.Background(), "p")
			require.Error(t, err)
			var genErr *GenerationError
			require.True(t, errors.As(err, &genErr))
			assert.Equal(t, "fake", genErr.Provider)
		})
	}
}

func TestNewServiceRequiresAPIKey(t *testing.T) {
	_, err := NewService(context.Background(), "gemini", config.ProviderConfig{Model: "gemini-2.5-flash"})
	require.Error(t, err)

	_, err = NewService(context.Background(), "unknown", config.ProviderConfig{APIKey: "k"})
	require.Error(t, err)
}
