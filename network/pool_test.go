package network

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestPool(t *testing.T, config *PoolConfig) *Pool {
	pool, err := NewPool(config)
	require.NoError(t, err)
	require.NotNil(t, pool)
	return pool
}

func createTestConn(t *testing.T, id string) (*Connection, net.Conn) {
	server, client := net.Pipe()
	conn := NewConnection(server, id, nil)
	require.NotNil(t, conn)
	return conn, client
}

func TestDefaultPoolConfig(t *testing.T) {
	config := DefaultPoolConfig()
	assert.NotNil(t, config)
	assert.Equal(t, 10000, config.MaxConnections)
}

func TestNewPool(t *testing.T) {
	tests := []struct {
		name      string
		config    *PoolConfig
		expectErr bool
	}{
		{
			name:      "default config",
			config:    nil,
			expectErr: false,
		},
		{
			name:      "custom config",
			config:    &PoolConfig{MaxConnections: 100},
			expectErr: false,
		},
		{
			name:      "invalid config",
			config:    &PoolConfig{MaxConnections: 0},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := NewPool(tt.config)
			if tt.expectErr {
				assert.Error(t, err)
				assert.Nil(t, pool)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, pool)
			}
		})
	}
}

func TestPoolAdd(t *testing.T) {
	pool := createTestPool(t, &PoolConfig{MaxConnections: 2})

	conn1, client1 := createTestConn(t, "conn-1")
	defer client1.Close()
	defer conn1.Close()

	err := pool.Add(conn1)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Count())
}

func TestPoolAddExceedsMaxConnections(t *testing.T) {
	pool := createTestPool(t, &PoolConfig{MaxConnections: 1})

	conn1, client1 := createTestConn(t, "conn-1")
	defer client1.Close()
	defer conn1.Close()
	require.NoError(t, pool.Add(conn1))

	conn2, client2 := createTestConn(t, "conn-2")
	defer client2.Close()
	defer conn2.Close()

	err := pool.Add(conn2)
	assert.Equal(t, ErrConnectionPoolExhausted, err)
	assert.Equal(t, 1, pool.Count())
}

func TestPoolAddAfterClose(t *testing.T) {
	pool := createTestPool(t, &PoolConfig{MaxConnections: 10})
	require.NoError(t, pool.Close())

	conn1, client1 := createTestConn(t, "conn-1")
	defer client1.Close()
	defer conn1.Close()

	err := pool.Add(conn1)
	assert.Equal(t, ErrPoolClosed, err)
}

func TestPoolRemove(t *testing.T) {
	pool := createTestPool(t, &PoolConfig{MaxConnections: 10})

	conn1, client1 := createTestConn(t, "conn-1")
	defer client1.Close()
	require.NoError(t, pool.Add(conn1))

	err := pool.Remove("conn-1")
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Count())
	assert.Equal(t, StateClosed, conn1.State())
}

func TestPoolRemoveNotFound(t *testing.T) {
	pool := createTestPool(t, &PoolConfig{MaxConnections: 10})

	err := pool.Remove("nonexistent")
	assert.Equal(t, ErrConnectionNotFound, err)
}

func TestPoolForEach(t *testing.T) {
	pool := createTestPool(t, &PoolConfig{MaxConnections: 10})

	var conns []*Connection
	for i := 0; i < 3; i++ {
		conn, client := createTestConn(t, fmt.Sprintf("conn-%d", i))
		defer client.Close()
		defer conn.Close()
		require.NoError(t, pool.Add(conn))
		conns = append(conns, conn)
	}

	visited := make(map[string]bool)
	pool.ForEach(func(c *Connection) bool {
		visited[c.ID()] = true
		return true
	})

	assert.Len(t, visited, 3)
	for _, c := range conns {
		assert.True(t, visited[c.ID()])
	}
}

func TestPoolForEachStopsEarly(t *testing.T) {
	pool := createTestPool(t, &PoolConfig{MaxConnections: 10})

	for i := 0; i < 3; i++ {
		conn, client := createTestConn(t, fmt.Sprintf("conn-%d", i))
		defer client.Close()
		defer conn.Close()
		require.NoError(t, pool.Add(conn))
	}

	visited := 0
	pool.ForEach(func(c *Connection) bool {
		visited++
		return false
	})

	assert.Equal(t, 1, visited)
}

func TestPoolClose(t *testing.T) {
	pool := createTestPool(t, &PoolConfig{MaxConnections: 10})

	conn1, client1 := createTestConn(t, "conn-1")
	defer client1.Close()

	require.NoError(t, pool.Add(conn1))

	err := pool.Close()
	require.NoError(t, err)
	assert.True(t, pool.IsClosed())
	assert.Equal(t, StateClosed, conn1.State())
	assert.Equal(t, 0, pool.Count())
}

func TestPoolCloseIdempotent(t *testing.T) {
	pool := createTestPool(t, &PoolConfig{MaxConnections: 10})

	err1 := pool.Close()
	assert.NoError(t, err1)

	err2 := pool.Close()
	assert.NoError(t, err2)
}
