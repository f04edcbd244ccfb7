package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/m1cart-orders/internal/order"
)

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/m1cart?sslmode=disable", MigrateURL("postgres://u:p@localhost:5432/m1cart?sslmode=disable"))
	require.Equal(t, "pgx5://localhost/m1cart", MigrateURL("postgresql://localhost/m1cart"))
	require.Equal(t, "pgx5://localhost/m1cart", MigrateURL("pgx5://localhost/m1cart"))
}

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	up, down := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			down[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, up)
	require.Equal(t, up, down)

	body, err := fs.ReadFile(migrationsFS, "migrations/0001_orders.up.sql")
	require.NoError(t, err)
	require.Contains(t, string(body), "WHERE payment_intent_id IS NOT NULL")
}

func TestStatusCheckCoversEveryStatus(t *testing.T) {
	body, err := fs.ReadFile(migrationsFS, "migrations/0005_orders_status_check.up.sql")
	require.NoError(t, err)
	sql := string(body)
	require.Contains(t, sql, "orders_status_check")
	for _, st := range order.AllStatuses {
		require.Contains(t, sql, "'"+string(st)+"'")
	}
	require.Equal(t, len(order.AllStatuses), strings.Count(sql, "'")/2)
}
