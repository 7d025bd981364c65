package insightbot

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// personaPrompt frames every chat completion. It is fixed at compile
// time and always prepended as the system message.
const personaPrompt = `You are a helpful SillyTavern support assistant. ` +
	`SillyTavern is a locally-hosted frontend for interacting with ` +
	`text-generation AI backends (character cards, chat completions, ` +
	`API connections, extensions). Answer user questions clearly and ` +
	`concisely, with step-by-step instructions where appropriate. ` +
	`If a question is unrelated to SillyTavern or AI chat frontends, ` +
	`politely steer the user back on topic. Never invent settings or ` +
	`menu paths that don't exist.`

const diagnosisPrompt = `The user attached a screenshot of an error or ` +
	`unexpected behavior in SillyTavern. Identify the problem shown in ` +
	`the image and explain how to fix it, step by step.`

// Answer is a successful completion.
type Answer struct {
	Text    string
	Elapsed time.Duration
}

// AIClient is the subset of the chat completion client the bot uses.
// It exists so tests can substitute a mock.
type AIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// AI wraps the chat completion client with the persona prompt, a
// request limiter and a per-request timeout. It never retries; callers
// decide what to do with a classified *AIError.
type AI struct {
	client         AIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu *sync.RWMutex // protects requestLimiter
}

func newAI(config *OpenAIConfig, httpClient *http.Client) *AI {
	a := &AI{
		config: config,
		mu:     &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}
	a.logger = slog.New(
		newTintHandler(config.LogLevel),
	).With(loggerNameKey, "openai")

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	a.client = openai.NewClientWithConfig(clientCfg)

	return a
}

// Answer sends the question (optionally with an attached image URL for
// multimodal diagnosis) through the chat completion API. A non-nil
// error is always an *AIError.
func (a *AI) Answer(
	ctx context.Context,
	question string,
	imageURL string,
) (*Answer, error) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = a.logger
	}

	if err := a.waitOnRequestLimiter(ctx); err != nil {
		return nil, classifyAIError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       a.config.Model,
		MaxTokens:   a.config.MaxTokens,
		Temperature: a.config.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: personaPrompt,
			},
		},
	}

	if imageURL != "" {
		question = strings.TrimSpace(question)
		if question == "" {
			question = diagnosisPrompt
		}
		req.Messages = append(
			req.Messages, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: question,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    imageURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		)
	} else {
		req.Messages = append(
			req.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: question,
			},
		)
	}

	started := time.Now()
	rv, err := a.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(started)
	if err != nil {
		// context deadline wins over whatever the transport reports
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		aiErr := classifyAIError(err)
		log.WarnContext(
			ctx,
			"chat completion failed",
			"kind", aiErr.Kind,
			"elapsed", elapsed,
			tint.Err(err),
		)
		return nil, aiErr
	}

	text := ""
	if len(rv.Choices) > 0 {
		text = strings.TrimSpace(rv.Choices[0].Message.Content)
	}
	if text == "" {
		aiErr := &AIError{Kind: AIErrorInvalidResponse}
		log.WarnContext(ctx, "empty completion", "elapsed", elapsed)
		return nil, aiErr
	}

	log.DebugContext(
		ctx,
		"chat completion ok",
		"elapsed", elapsed,
		"prompt_tokens", rv.Usage.PromptTokens,
		"completion_tokens", rv.Usage.CompletionTokens,
	)

	return &Answer{Text: text, Elapsed: elapsed}, nil
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, returning any error from the limiter itself
func (a *AI) waitOnRequestLimiter(ctx context.Context) error {
	a.mu.RLock()
	requestLimiter := a.requestLimiter
	a.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}
