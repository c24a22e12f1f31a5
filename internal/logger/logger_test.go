package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	t.Run("无效级别回退到 info", func(t *testing.T) {
		l, err := NewLogger(Config{Level: "loud"})
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zap.InfoLevel))
		assert.False(t, l.Core().Enabled(zap.DebugLevel))
	})

	t.Run("写入日志文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "relay.log")
		l, err := NewLogger(Config{Level: "debug", Development: true, LogFile: file})
		require.NoError(t, err)
		l.Info("hello")
		assert.FileExists(t, file)
	})
}

func TestContextLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reqLogger := zap.New(core).With(zap.String("request_id", "abc"))

	ctx := WithContext(context.Background(), reqLogger)
	FromContext(ctx, nil).Info("handled")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "abc", logs.All()[0].ContextMap()["request_id"])

	fallback := zap.NewExample()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))
	assert.NotNil(t, FromContext(context.Background(), nil))
}
