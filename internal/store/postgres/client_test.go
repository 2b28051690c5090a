package postgres

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://u@db/x", Host: "ignored"},
			want: "postgres://u@db/x",
		},
		{
			name: "fields with defaults",
			cfg:  ClientConfig{Host: "localhost", Database: "flasharb", User: "postgres", Password: "pw"},
			want: "postgres://postgres:pw@localhost:5432/flasharb?sslmode=disable",
		},
		{
			name: "custom port and ssl",
			cfg:  ClientConfig{Host: "db", Port: 6432, Database: "d", User: "u", SSLMode: "require"},
			want: "postgres://u:@db:6432/d?sslmode=require",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DSN(tc.cfg))
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
}

func TestNumericRoundTrip(t *testing.T) {
	assert.Nil(t, numeric(nil))

	max := new(uint256.Int).SetAllOne()
	v, err := parseNumeric("x", numeric(max))
	require.NoError(t, err)
	assert.True(t, v.Eq(max))

	v, err = parseNumeric("x", nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	bad := "12.5"
	_, err = parseNumeric("x", &bad)
	assert.Error(t, err)
}

func TestAuditQuery(t *testing.T) {
	q, args := auditQuery(domain.ListOpts{})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log ORDER BY created_at DESC, id DESC", q)
	assert.Empty(t, args)

	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	q, args = auditQuery(domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log WHERE created_at >= $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3", q)
	assert.Equal(t, []any{since, 10, 20}, args)
}
