// Package llm defines the provider-neutral generation contract shared by
// every backend adapter, and the mapping from transport failures to the
// engine's error kinds.
package llm

import (
	"context"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/internal/util"
)

// maxErrorBody bounds how much of a backend response body is quoted in errors
const maxErrorBody = 512

// Request is a single non-streaming generation call
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// Response carries generated text and token accounting
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Tokens returns TotalTokens, falling back to the sum of its parts when
// the backend did not report a total.
func (r *Response) Tokens() int {
	if r.TotalTokens > 0 {
		return r.TotalTokens
	}
	return r.PromptTokens + r.CompletionTokens
}

// Adapter is the capability every backend family implements.
// Adapters never retry; errors come back marked with an engine kind.
type Adapter interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// AdapterFunc lets a plain function serve as an Adapter
type AdapterFunc func(ctx context.Context, req Request) (*Response, error)

func (f AdapterFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ClassifyHTTP turns a non-2xx backend response into a marked error.
// The body is truncated and must never contain request credentials.
func ClassifyHTTP(provider string, status int, body []byte) error {
	msg := strings.TrimSpace(util.Truncate(string(body), maxErrorBody))
	err := errors.Newf("%s returned status %d: %s", provider, status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Mark(err, errors.ErrProviderAuth)
	case status == http.StatusTooManyRequests:
		return errors.Mark(err, errors.ErrProviderRateLimited)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.Mark(err, errors.ErrProviderTimeout)
	case status >= 500:
		// includes Anthropic's 529 overloaded
		return errors.Mark(err, errors.ErrProviderServer)
	default:
		return errors.Mark(err, errors.ErrProviderRequest)
	}
}

// ClassifyTransport marks an error returned by the HTTP round trip.
// Caller cancellation is reported as ErrCanceled, never as a provider fault.
func ClassifyTransport(ctx context.Context, provider string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, "%s request failed", provider)

	if ctx.Err() == context.Canceled || errors.Is(err, context.Canceled) {
		return errors.Mark(wrapped, errors.ErrCanceled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(wrapped, errors.ErrProviderTimeout)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Mark(wrapped, errors.ErrProviderTimeout)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var errno syscall.Errno
		if errors.As(opErr.Err, &errno) {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET:
				return errors.Mark(wrapped, errors.ErrProviderServer)
			case syscall.ETIMEDOUT:
				return errors.Mark(wrapped, errors.ErrProviderTimeout)
			}
		}
	}

	lower := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset by peer", "connection refused", "unexpected eof"} {
		if strings.Contains(lower, s) {
			return errors.Mark(wrapped, errors.ErrProviderServer)
		}
	}
	return errors.Mark(wrapped, errors.ErrProviderRequest)
}

// MalformedResponse marks a 2xx response the adapter could not decode
func MalformedResponse(provider string, err error) error {
	return errors.Mark(errors.Wrapf(err, "%s returned a malformed response", provider), errors.ErrProviderServer)
}
