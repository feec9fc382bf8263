package biz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/policyqa/pkg/llm"
)

// stubChat records the messages it is called with and returns a fixed
// response or error.
type stubChat struct {
	messages []llm.Message
	response *llm.GenerateResponse
	err      error

	stream []llm.StreamDelta
}

func (s *stubChat) Chat(_ context.Context, messages []llm.Message) (*llm.GenerateResponse, error) {
	s.messages = messages
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func (s *stubChat) Generate(ctx context.Context, prompt, systemPrompt string) (*llm.GenerateResponse, error) {
	msgs := []llm.Message{}
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})
	return s.Chat(ctx, msgs)
}

func (s *stubChat) ChatStream(_ context.Context, messages []llm.Message) (<-chan llm.StreamDelta, error) {
	s.messages = messages
	if s.err != nil {
		return nil, s.err
	}

	ch := make(chan llm.StreamDelta, len(s.stream))
	for _, d := range s.stream {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (s *stubChat) Name() string { return "stub" }

func TestBuildMessagesOrdering(t *testing.T) {
	in := &GenerationInput{
		Question: "What is the retention period?",
		Context:  "[doc1] (Source: Retention): Seven years.",
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
		},
	}

	messages := buildMessages(in)

	require.Len(t, messages, 4)
	assert.Equal(t, llm.RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, SystemInstruction)
	assert.Contains(t, messages[0].Content, "[doc1] (Source: Retention): Seven years.")
	assert.Equal(t, "hi", messages[1].Content)
	assert.Equal(t, llm.RoleUser, messages[3].Role)
	assert.Equal(t, in.Question, messages[3].Content)
}

func TestBuildMessagesHistoryWindow(t *testing.T) {
	history := make([]llm.Message, 10)
	for i := range history {
		history[i] = llm.Message{Role: llm.RoleUser, Content: string(rune('a' + i))}
	}

	messages := buildMessages(&GenerationInput{Question: "q", Context: "ctx", History: history})

	// system + last 4 history + question
	require.Len(t, messages, 6)
	assert.Equal(t, "g", messages[1].Content)
	assert.Equal(t, "j", messages[4].Content)
}

func TestGenerateReturnsResponse(t *testing.T) {
	chat := &stubChat{response: &llm.GenerateResponse{
		Content:    "Seven years [doc1].",
		TokenUsage: &llm.TokenUsage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110},
	}}
	g := NewGenerator(chat)

	resp, err := g.Generate(context.Background(), &GenerationInput{Question: "q", Context: "ctx"})

	require.NoError(t, err)
	assert.Equal(t, "Seven years [doc1].", resp.Content)
}

func TestGenerateWrapsProviderFailure(t *testing.T) {
	chat := &stubChat{err: errors.New("openai: status code 503: unavailable")}
	g := NewGenerator(chat)

	_, err := g.Generate(context.Background(), &GenerationInput{Question: "q", Context: "ctx"})

	assert.ErrorIs(t, err, ErrGenerationUnavailable)
}

func TestGenerateStreamDeliversDeltas(t *testing.T) {
	chat := &stubChat{stream: []llm.StreamDelta{
		{Content: "Seven "},
		{Content: "years [doc1]."},
	}}
	g := NewGenerator(chat)

	stream, err := g.GenerateStream(context.Background(), &GenerationInput{Question: "q", Context: "ctx"})
	require.NoError(t, err)

	var got string
	for d := range stream {
		require.NoError(t, d.Err)
		got += d.Content
	}
	assert.Equal(t, "Seven years [doc1].", got)
}
