package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-with-at-least-32-chars"

func TestManager(t *testing.T) {
	m := NewManager(testSecret, "formrelay", time.Hour)

	t.Run("签发并校验", func(t *testing.T) {
		token, expiresAt, err := m.GenerateToken(42, "owner@example.com")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

		claims, err := m.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), claims.AccountID)
		assert.Equal(t, "owner@example.com", claims.Email)
		assert.Equal(t, "42", claims.Subject)
	})

	t.Run("过期令牌", func(t *testing.T) {
		past := NewManager(testSecret, "formrelay", time.Minute)
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, _, err := past.GenerateToken(1, "a@example.com")
		require.NoError(t, err)

		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("密钥不同", func(t *testing.T) {
		other := NewManager("another-secret-key-with-32-characters", "formrelay", time.Hour)
		token, _, err := other.GenerateToken(1, "a@example.com")
		require.NoError(t, err)

		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("签发者不同", func(t *testing.T) {
		other := NewManager(testSecret, "someone-else", time.Hour)
		token, _, err := other.GenerateToken(1, "a@example.com")
		require.NoError(t, err)

		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("格式错误", func(t *testing.T) {
		_, err := m.ValidateToken("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
