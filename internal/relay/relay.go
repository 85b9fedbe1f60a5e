package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"napochat/internal/providers"
	"napochat/internal/storage"
)

// directiveTrailer always closes the system directive, even when no
// instructions exist for the scope.
const directiveTrailer = "Be helpful and follow the instructions above."

var ErrEmptyHistory = errors.New("message history is empty")

// InstructionSource lists the directive rows for one application scope.
type InstructionSource interface {
	ListInstructions(ctx context.Context, appID string) ([]storage.Instruction, error)
}

// UsageRecorder appends one usage log row per relayed request.
type UsageRecorder interface {
	InsertUsageLog(ctx context.Context, userID *string) error
}

type Config struct {
	AppID     string
	Model     string
	MaxTokens int

	Provider     providers.Provider
	Instructions InstructionSource
	Usage        UsageRecorder
	Logger       zerolog.Logger
}

// Service forwards a chat transcript to the completion provider with the
// scoped instructions prepended as a system message. It is stateless and
// safe for concurrent use.
type Service struct {
	appID        string
	model        string
	maxTokens    int
	provider     providers.Provider
	instructions InstructionSource
	usage        UsageRecorder
	logger       zerolog.Logger
}

func New(cfg Config) *Service {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Service{
		appID:        cfg.AppID,
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		provider:     cfg.Provider,
		instructions: cfg.Instructions,
		usage:        cfg.Usage,
		logger:       cfg.Logger,
	}
}

// Send relays history to the provider and returns the first completion
// choice's text. history is forwarded unmodified, in caller order, after the
// composed system directive. userID, when non-nil, is attached to the usage
// log row; the relayed messages themselves are never persisted.
func (s *Service) Send(ctx context.Context, history []providers.Message, userID *string) (string, error) {
	if len(history) == 0 {
		return "", ErrEmptyHistory
	}

	instructions, err := s.instructions.ListInstructions(ctx, s.appID)
	if err != nil {
		return "", fmt.Errorf("fetch instructions: %w", err)
	}

	out := make([]providers.Message, 0, len(history)+1)
	out = append(out, providers.Message{
		Role:    providers.RoleSystem,
		Content: composeDirective(instructions),
	})
	out = append(out, history...)

	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Model:     s.model,
		Messages:  out,
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("provider chat: %w", err)
	}

	if s.usage != nil {
		if err := s.usage.InsertUsageLog(ctx, userID); err != nil {
			s.logger.Warn().Err(err).Msg("failed to record usage log")
		}
	}

	return resp.Text, nil
}

// composeDirective joins instruction contents with blank lines and appends
// the fixed trailer. With zero instructions the directive is the trailer
// preceded by the separator, matching the historical wire format.
func composeDirective(instructions []storage.Instruction) string {
	contents := make([]string, 0, len(instructions))
	for _, in := range instructions {
		contents = append(contents, in.Content)
	}
	return strings.Join(contents, "\n\n") + "\n\n" + directiveTrailer
}
