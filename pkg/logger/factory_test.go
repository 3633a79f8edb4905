package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueworks/jobq/pkg/logger"
)

func TestNew(t *testing.T) {
	t.Run("defaults to json at info level", func(t *testing.T) {
		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf))

		log.Debug("hidden")
		log.Info("visible")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "visible", record["msg"])
	})

	t.Run("text format", func(t *testing.T) {
		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithTextFormatter())

		log.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("custom level", func(t *testing.T) {
		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithLevel(slog.LevelDebug))

		log.Debug("now visible")
		assert.Contains(t, buf.String(), "now visible")
	})

	t.Run("static attributes on every record", func(t *testing.T) {
		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithAttr(slog.String("service", "worker")),
		)

		log.Info("first")
		log.Info("second")

		for line := range strings.Lines(buf.String()) {
			if strings.TrimSpace(line) == "" {
				continue
			}
			assert.Contains(t, line, `"service":"worker"`)
		}
	})

	t.Run("invalid format panics", func(t *testing.T) {
		assert.Panics(t, func() {
			logger.New(logger.WithFormat("xml"))
		})
	})
}

func TestAttrHelpers(t *testing.T) {
	t.Run("error attr", func(t *testing.T) {
		attr := logger.Error(assert.AnError)
		assert.Equal(t, "error", attr.Key)
	})

	t.Run("nil error yields empty attr", func(t *testing.T) {
		attr := logger.Error(nil)
		assert.Empty(t, attr.Key)
	})

	t.Run("job and queue attrs", func(t *testing.T) {
		assert.Equal(t, "job_id", logger.JobID("abc").Key)
		assert.Equal(t, "queue", logger.QueueName("email").Key)
		assert.Equal(t, "component", logger.Component("scheduler").Key)
	})
}
