package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kart-io/policyqa/internal/policyqa/metrics"
	"github.com/kart-io/policyqa/pkg/llm"
	"github.com/kart-io/policyqa/pkg/resilience"
)

// ErrGenerationUnavailable signals that the generation dependency is
// down; callers fall back to a retrieval-only answer.
var ErrGenerationUnavailable = errors.New("generation is temporarily unavailable")

// RefusalMessage is the exact sentence the assistant must use when the
// excerpts do not answer the question. The guardrail and the refusal
// detector both depend on this wording.
const RefusalMessage = "I cannot find this information in the available security policies. Please contact the Security team for further assistance."

// SystemInstruction is the grounding contract for every generation
// call.
const SystemInstruction = `You are a Security Policy Assistant. Answer questions using ONLY the policy excerpts provided below.

Rules:
- Base every statement on the provided excerpts. Do not use outside knowledge.
- Cite the excerpts that support each statement using their tags, for example [doc1].
- If the excerpts do not contain the information needed to answer, reply exactly: "` + RefusalMessage + `"`

// historyWindow is how many trailing conversation messages are
// forwarded to the model.
const historyWindow = 4

// GenerationInput is one grounded generation request.
type GenerationInput struct {
	Question string
	Context  string
	History  []llm.Message
}

// Generator produces grounded answers through a chat provider.
type Generator struct {
	chat    llm.ChatProvider
	metrics *metrics.PipelineMetrics
}

// NewGenerator creates the generation stage.
func NewGenerator(chat llm.ChatProvider) *Generator {
	return &Generator{
		chat:    chat,
		metrics: metrics.Get(),
	}
}

// buildMessages assembles the conversation: the grounding instruction
// with the excerpt block, the trailing history window, then the
// question.
func buildMessages(in *GenerationInput) []llm.Message {
	system := SystemInstruction + "\n\nPolicy excerpts:\n" + in.Context

	history := in.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: in.Question})

	return messages
}

// Generate returns the complete grounded answer.
func (g *Generator) Generate(ctx context.Context, in *GenerationInput) (*llm.GenerateResponse, error) {
	start := time.Now()

	resp, err := g.chat.Chat(ctx, buildMessages(in))

	promptTokens, completionTokens := 0, 0
	if resp != nil && resp.TokenUsage != nil {
		promptTokens = resp.TokenUsage.PromptTokens
		completionTokens = resp.TokenUsage.CompletionTokens
	}
	g.metrics.RecordGeneration(time.Since(start), promptTokens, completionTokens, err)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			g.metrics.RecordBreakerFastFail()
		}
		return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}

	return resp, nil
}

// GenerateStream returns the answer as a delta stream. The provider
// must support streaming; resilient wrappers forward the capability.
func (g *Generator) GenerateStream(ctx context.Context, in *GenerationInput) (<-chan llm.StreamDelta, error) {
	streamer, ok := g.chat.(llm.StreamingChatProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %s does not stream", ErrGenerationUnavailable, g.chat.Name())
	}

	stream, err := streamer.ChatStream(ctx, buildMessages(in))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			g.metrics.RecordBreakerFastFail()
		}
		return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}

	return stream, nil
}
