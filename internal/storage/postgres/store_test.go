package postgres

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"formrelay/backend/internal/storage"
	"formrelay/backend/internal/storage/storagetest"
)

var dbSeq atomic.Int64

func newSQLiteStore(t *testing.T) storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:formrelay%d?mode=memory&cache=shared&_busy_timeout=5000", dbSeq.Add(1))
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, newSQLiteStore)
}
