package logger

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/skovert/relay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	testCases := []struct {
		name     string
		logLevel string
		want     slog.Level
	}{
		{name: "debug level", logLevel: "debug", want: slog.LevelDebug},
		{name: "info level", logLevel: "info", want: slog.LevelInfo},
		{name: "warn level", logLevel: "warn", want: slog.LevelWarn},
		{name: "error level", logLevel: "error", want: slog.LevelError},
		{name: "mixed case", logLevel: "DeBuG", want: slog.LevelDebug},
		{name: "invalid falls back to info", logLevel: "verbose", want: slog.LevelInfo},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logger := Setup(config.Server{Port: 8080, LogLevel: tc.logLevel})
			require.NotNil(t, logger)

			assert.True(t, logger.Enabled(context.Background(), tc.want),
				"logger should be enabled at the configured level")
			if tc.want > slog.LevelDebug {
				assert.False(t, logger.Enabled(context.Background(), tc.want-4),
					"logger should not be enabled below the configured level")
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	t.Run("returns stored logger", func(t *testing.T) {
		t.Parallel()

		stored := slog.New(slog.NewTextHandler(io.Discard, nil))
		ctx := WithContext(context.Background(), stored)

		assert.Same(t, stored, FromContext(ctx))
	})

	t.Run("falls back to default", func(t *testing.T) {
		t.Parallel()

		assert.NotNil(t, FromContext(context.Background()))
	})
}
