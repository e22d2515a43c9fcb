package ai

import (
	"context"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"google.golang.org/genai"

	"supportchat/internal/config"
)

// ErrEmptyReply is returned when the provider answers with nothing but whitespace.
var ErrEmptyReply = errors.New("empty reply")

const claudeMaxTokens = 3000

// Service turns a prompt into reply text using one configured chat model.
type Service struct {
	provider  string
	chatModel model.BaseChatModel
}

// NewService builds the chat model for the given provider settings.
func NewService(ctx context.Context, provider string, provCfg config.ProviderConfig) (*Service, error) {
	if strings.TrimSpace(provCfg.APIKey) == "" {
		return nil, errors.Errorf("api key for provider %s is not configured", provider)
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create gemini client")
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	default:
		return nil, errors.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "start %s chat model", provider)
	}
	return NewServiceWithModel(provider, chatModel), nil
}

// NewServiceWithModel wraps an already constructed chat model.
func NewServiceWithModel(provider string, chatModel model.BaseChatModel) *Service {
	return &Service{provider: provider, chatModel: chatModel}
}

// Generate sends prompt as a single user message and returns the trimmed reply.
// The reply is streamed from the provider and collected; ctx bounds the whole call.
func (s *Service) Generate(ctx context.Context, prompt string) (string, error) {
	stream, err := s.chatModel.Stream(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", &GenerationError{Provider: s.provider, Err: err}
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", &GenerationError{Provider: s.provider, Err: err}
		}
		if chunk != nil {
			full.WriteString(chunk.Content)
		}
	}
	reply := strings.TrimSpace(full.String())
	if reply == "" {
		return "", &GenerationError{Provider: s.provider, Err: ErrEmptyReply}
	}
	return reply, nil
}
