package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	require.ErrorContains(t, err, "db.dsn is required")
}

func TestConnectRejectsMalformedDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{DSN: "://not-a-dsn"})
	require.ErrorContains(t, err, "parse postgres dsn")
}
