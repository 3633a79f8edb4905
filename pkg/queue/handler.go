package queue

import (
	"context"
	"encoding/json"
)

type (
	// Handler processes the payload of a claimed job. A non-nil error marks
	// the job failed and drives the retry policy; the returned value, if any,
	// is recorded as the job result on completion.
	Handler interface {
		Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	}

	// HandlerFunc adapts a plain function to Handler.
	HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

	// TypedHandlerFunc is a handler operating on an unmarshaled payload.
	TypedHandlerFunc[T any] func(ctx context.Context, payload T) (any, error)
)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// NewHandler wraps a typed function into a Handler: the raw payload is
// unmarshaled into T before the call, and a non-nil return value is
// marshaled into the job result.
func NewHandler[T any](handler TypedHandlerFunc[T]) Handler {
	return HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return nil, err
			}
		}

		out, err := handler(ctx, t)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}

		result, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}
