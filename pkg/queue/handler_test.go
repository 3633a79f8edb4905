package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueworks/jobq/pkg/queue"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func TestNewHandler(t *testing.T) {
	t.Parallel()

	t.Run("unmarshals payload into typed argument", func(t *testing.T) {
		t.Parallel()

		var got emailPayload
		h := queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
			got = p
			return nil, nil
		})

		result, err := h.Handle(context.Background(), json.RawMessage(`{"to":"a@b.c","subject":"hi"}`))
		require.NoError(t, err)
		assert.Nil(t, result)
		assert.Equal(t, emailPayload{To: "a@b.c", Subject: "hi"}, got)
	})

	t.Run("marshals non-nil return value into result", func(t *testing.T) {
		t.Parallel()

		h := queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
			return map[string]string{"message_id": "m-1"}, nil
		})

		result, err := h.Handle(context.Background(), json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"message_id":"m-1"}`, string(result))
	})

	t.Run("propagates handler error", func(t *testing.T) {
		t.Parallel()

		wantErr := errors.New("smtp unavailable")
		h := queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
			return nil, wantErr
		})

		result, err := h.Handle(context.Background(), json.RawMessage(`{}`))
		require.ErrorIs(t, err, wantErr)
		assert.Nil(t, result)
	})

	t.Run("rejects malformed payload", func(t *testing.T) {
		t.Parallel()

		h := queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
			t.Fatal("handler must not run")
			return nil, nil
		})

		_, err := h.Handle(context.Background(), json.RawMessage(`{broken`))
		require.Error(t, err)
	})

	t.Run("empty payload yields zero value", func(t *testing.T) {
		t.Parallel()

		h := queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
			assert.Zero(t, p)
			return nil, nil
		})

		_, err := h.Handle(context.Background(), nil)
		require.NoError(t, err)
	})
}

func TestHandlerFunc(t *testing.T) {
	t.Parallel()

	called := false
	var h queue.Handler = queue.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		called = true
		return payload, nil
	})

	result, err := h.Handle(context.Background(), json.RawMessage(`"x"`))
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, json.RawMessage(`"x"`), result)
}
