package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/labmesh/backend/pkg/circuitbreaker"
	"github.com/labmesh/backend/pkg/logger"
	"github.com/labmesh/backend/pkg/retry"
)

// Tier selects the model capability class. Fast covers header mapping, evidence
// planning and routine extraction; Deep covers long-form answer synthesis.
type Tier int

const (
	TierFast Tier = iota
	TierDeep
)

type Client struct {
	client      *openai.Client
	fastModel   string
	deepModel   string
	embedModel  string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type CompletionRequest struct {
	Tier         Tier
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type StructuredRequest struct {
	CompletionRequest
	// FunctionName and Schema describe the tool the model must call; Schema is
	// a JSON-schema object for the arguments.
	FunctionName string
	Description  string
	Schema       map[string]interface{}
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

func NewClient(apiKey, fastModel, deepModel, embedModel string, temperature float32, maxTokens, timeoutSec int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:        3,
		InitialDelay:       500 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		Multiplier:         2.0,
		JitterFraction:     0.1,
		NonRetryableErrors: []error{ErrRateLimited, ErrQuotaExceeded},
		Logger:             logger.GetLogger(),
	}

	if timeoutSec == 0 {
		timeoutSec = 120
	}

	logger.Info("LLM client initialized",
		zap.String("fast_model", fastModel),
		zap.String("deep_model", deepModel),
		zap.String("embedding_model", embedModel),
	)

	return &Client{
		client:      client,
		fastModel:   fastModel,
		deepModel:   deepModel,
		embedModel:  embedModel,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     time.Duration(timeoutSec) * time.Second,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) ModelFor(tier Tier) string {
	if tier == TierDeep {
		return c.deepModel
	}
	return c.fastModel
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model: c.ModelFor(req.Tier),
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
					{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
				},
				Temperature: temperature,
				MaxTokens:   maxTokens,
			})
			if err != nil {
				return classifyAPIError(err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// CompleteStructured forces a tool call against the given schema and unmarshals
// the arguments into out. The model is an untrusted peer: schema-violating
// output is logged and left as the zero value rather than surfaced as an error,
// so callers see transport failures only.
func (c *Client) CompleteStructured(ctx context.Context, req StructuredRequest, out interface{}) (*Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	tool := openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionDefinition{
			Name:        req.FunctionName,
			Description: req.Description,
			Parameters:  req.Schema,
		},
	}

	var usage Usage

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model: c.ModelFor(req.Tier),
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
					{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
				},
				Temperature: temperature,
				MaxTokens:   maxTokens,
				Tools:       []openai.Tool{tool},
				ToolChoice: openai.ToolChoice{
					Type:     openai.ToolTypeFunction,
					Function: openai.ToolFunction{Name: req.FunctionName},
				},
			})
			if err != nil {
				return classifyAPIError(err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("structured completion returned no choices")
			}

			usage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}

			raw := extractArguments(resp.Choices[0].Message)
			if raw == "" {
				logger.Warn("Model returned no tool arguments", zap.String("function", req.FunctionName))
				return nil
			}
			if err := json.Unmarshal([]byte(raw), out); err != nil {
				logger.Warn("Model output violated schema, treating as empty",
					zap.String("function", req.FunctionName),
					zap.Error(err),
				)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &usage, nil
}

// extractArguments prefers tool-call arguments but accepts a plain JSON body,
// with or without markdown fences.
func extractArguments(msg openai.ChatCompletionMessage) string {
	for _, call := range msg.ToolCalls {
		if call.Function.Arguments != "" {
			return call.Function.Arguments
		}
	}
	content := strings.TrimSpace(msg.Content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
		return content
	}
	return ""
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: []string{text},
				Model: openai.EmbeddingModel(c.embedModel),
			})
			if err != nil {
				return classifyAPIError(err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("embedding returned no data")
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return embedding, nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var embeddings [][]float32

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embedModel),
				})
				if err != nil {
					return classifyAPIError(err)
				}
				for _, data := range resp.Data {
					vec := make([]float32, len(data.Embedding))
					copy(vec, data.Embedding)
					embeddings = append(embeddings, vec)
				}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}
