package llm

import (
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrRateLimited maps upstream 429 responses; surfaced to callers as a
	// distinct user-facing failure and never retried.
	ErrRateLimited = errors.New("inference endpoint rate limited")
	// ErrQuotaExceeded maps upstream 402 / insufficient-quota responses.
	ErrQuotaExceeded = errors.New("inference quota exceeded")
)

func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.HTTPStatusCode {
	case 429:
		if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
			return ErrQuotaExceeded
		}
		return ErrRateLimited
	case 402:
		return ErrQuotaExceeded
	}
	return err
}
