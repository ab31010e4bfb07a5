package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigSetDefault(t *testing.T) {
	cfg := (&Config{}).SetDefault()

	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 3306, cfg.Port)
	require.Equal(t, "utf8mb4", cfg.Charset)
	require.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	require.Equal(t, 180*time.Second, cfg.QueryTimeout)
}

func TestConfigSetDefaultKeepsValues(t *testing.T) {
	orig := &Config{Host: "db1", Port: 3307, QueryTimeout: time.Minute}
	cfg := orig.SetDefault()

	require.Equal(t, "db1", cfg.Host)
	require.Equal(t, 3307, cfg.Port)
	require.Equal(t, time.Minute, cfg.QueryTimeout)
	// the original is untouched
	require.Equal(t, "", orig.Charset)
}

func TestConfigDSN(t *testing.T) {
	cfg := (&Config{Host: "db1", User: "app", Password: "secret", Database: "orders"}).SetDefault()
	dsn := cfg.DSN()

	require.Contains(t, dsn, "app:secret@tcp(db1:3306)/orders")
	require.Contains(t, dsn, "charset=utf8mb4")
}

func TestConfigKeyExcludesPassword(t *testing.T) {
	a := (&Config{Host: "db1", User: "app", Password: "one", Database: "orders"}).SetDefault()
	b := (&Config{Host: "db1", User: "app", Password: "two", Database: "orders"}).SetDefault()

	require.Equal(t, a.Key(), b.Key())
	require.NotContains(t, a.Key(), "one")
}

func TestBuilderKeyAndRoles(t *testing.T) {
	write := &Config{Host: "primary"}
	read := &Config{Host: "replica"}

	b, err := NewBuilder(write, read)
	require.NoError(t, err)
	require.Contains(t, b.Key(), "primary")
	require.Contains(t, b.Key(), "replica")

	// with no replica both roles target the primary
	single, err := NewBuilder(write, nil)
	require.NoError(t, err)
	require.Contains(t, single.Key(), "primary")

	_, err = NewBuilder(nil, nil)
	require.Error(t, err)
}
