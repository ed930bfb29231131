package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

const lessonPrompt = `You are an experienced teacher and curriculum designer. Create a comprehensive multi-level lesson from the provided content.

Structure your response with:
1) A clear title as a level-one markdown heading
2) Three difficulty levels (Beginner, Intermediate, Advanced)
3) Each level includes: explanation, worked example, and practical tips
4) A short quiz with 5 questions

Be educational, engaging, and use clear headings.`

const quizPrompt = `You are an expert quiz creator. Generate multiple-choice questions from the provided content.

Return ONLY a valid JSON object with one key "quiz", an array of question objects.
Schema for each question:
{
  "question": "question text",
  "options": ["option A", "option B", "option C", "option D"],
  "correctIndex": 0,
  "explanation": "why this answer is correct"
}
No markdown, no code fences, no extra text.`

const flashcardPrompt = `You are an expert at creating educational flashcards. From the provided content, create clear, concise Q&A pairs.

Return ONLY a valid JSON object with one key "flashcards", an array of cards.
Each card has "question" and "answer" keys.
No markdown, no code fences, no extra text.`

const answerPrompt = `You are a helpful AI assistant. Answer the user's question using only the provided context.
If the answer is not in the context, say: "I don't see that in the provided documents."`

func messages(system, user string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}
}

// GenerateLesson writes a markdown lesson from document content.
func (c *Client) GenerateLesson(ctx context.Context, content string) (Result, error) {
	return c.Complete(ctx, FeatureLesson,
		messages(lessonPrompt, "Create a lesson from this content:\n\n"+content),
		Options{Temperature: 0.3, MaxTokens: 4096},
	)
}

// GenerateQuiz asks for count multiple-choice questions as JSON.
func (c *Client) GenerateQuiz(ctx context.Context, content string, count int) (Result, error) {
	return c.Complete(ctx, FeatureQuiz,
		messages(quizPrompt, fmt.Sprintf("Create exactly %d multiple-choice questions from this content:\n\n%s", count, content)),
		Options{ExpectJSON: true, Temperature: 0.1, MaxTokens: 4096},
	)
}

// GenerateFlashcards asks for count question/answer pairs as JSON.
func (c *Client) GenerateFlashcards(ctx context.Context, content string, count int) (Result, error) {
	return c.Complete(ctx, FeatureFlashcards,
		messages(flashcardPrompt, fmt.Sprintf("Create exactly %d flashcards from this content:\n\n%s", count, content)),
		Options{ExpectJSON: true, Temperature: 0.1, MaxTokens: 4096},
	)
}

// AnswerQuestion answers question using only the supplied context.
func (c *Client) AnswerQuestion(ctx context.Context, question, docContext string) (Result, error) {
	return c.Complete(ctx, FeatureChat,
		messages(answerPrompt, fmt.Sprintf("Context:\n%s\n\nQuestion: %s", docContext, question)),
		Options{Temperature: 0.2, MaxTokens: 2048},
	)
}

// Stream is an open streaming completion.
type Stream struct {
	Model  string
	stream *openai.ChatCompletionStream
}

// Recv returns the next chunk of text, or io.EOF once the answer is complete.
func (s *Stream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
			return resp.Choices[0].Delta.Content, nil
		}
	}
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.stream.Close()
}

// AnswerQuestionStream is the streaming form of AnswerQuestion. Models are
// tried once each in chat order until one accepts the stream.
func (c *Client) AnswerQuestionStream(ctx context.Context, question, docContext string) (*Stream, error) {
	msgs := messages(answerPrompt, fmt.Sprintf("Context:\n%s\n\nQuestion: %s", docContext, question))

	var lastErr error
	for _, model := range c.models[FeatureChat] {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		stream, err := c.api.CreateChatCompletionStream(ctx, request(model, msgs, Options{Temperature: 0.2, MaxTokens: 2048}))
		if err == nil {
			return &Stream{Model: model, stream: stream}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = fmt.Errorf("model %s: %w", model, err)
		slog.Warn("Streaming attempt failed", "model", model, "error", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no chat models configured")
	}
	return nil, fmt.Errorf("%w: %w", ErrAllModelsFailed, lastErr)
}

// Drain reads a stream to the end and returns the full text.
func Drain(s *Stream) (string, error) {
	var out []byte
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, chunk...)
	}
}
