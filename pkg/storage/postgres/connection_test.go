package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newPingMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// stubOpen makes openDB hand out the given connections by URL
func stubOpen(t *testing.T, dbs map[string]*sql.DB) {
	t.Helper()
	original := openDB
	openDB = func(url string) (*sql.DB, error) {
		db, ok := dbs[url]
		if !ok {
			return nil, errors.New("unknown url " + url)
		}
		return db, nil
	}
	t.Cleanup(func() { openDB = original })
}

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", nil},
		{"single URL", "postgres://localhost:5432/db", []string{"postgres://localhost:5432/db"}},
		{"whitespace and empty entries", " postgres://h1/db , ,postgres://h2/db,", []string{"postgres://h1/db", "postgres://h2/db"}},
		{"only commas", " , , ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestNewConnectionManager(t *testing.T) {
	ctx := context.Background()
	config := ConnectionConfig{
		PrimaryURL:  "primary",
		ReplicaURLs: []string{"replica-ok", "replica-down", "replica-missing"},
		MaxConns:    10,
		MinConns:    2,
		Timeout:     time.Second,
	}

	t.Run("skips unreachable replicas", func(t *testing.T) {
		primary, primaryMock := newPingMock(t)
		replicaOK, okMock := newPingMock(t)
		replicaDown, downMock := newPingMock(t)
		primaryMock.ExpectPing()
		okMock.ExpectPing()
		downMock.ExpectPing().WillReturnError(errors.New("connection refused"))
		downMock.ExpectClose()
		stubOpen(t, map[string]*sql.DB{"primary": primary, "replica-ok": replicaOK, "replica-down": replicaDown})

		cm, err := NewConnectionManager(ctx, config, quietLogger())
		require.NoError(t, err)

		assert.Same(t, primary, cm.Primary())
		assert.Equal(t, 1, cm.ReplicaCount())
		assert.Same(t, replicaOK, cm.Replica())
		assert.NoError(t, primaryMock.ExpectationsWereMet())
		assert.NoError(t, downMock.ExpectationsWereMet())
	})

	t.Run("primary ping failure", func(t *testing.T) {
		primary, primaryMock := newPingMock(t)
		primaryMock.ExpectPing().WillReturnError(errors.New("no route to host"))
		primaryMock.ExpectClose()
		stubOpen(t, map[string]*sql.DB{"primary": primary})

		cm, err := NewConnectionManager(ctx, ConnectionConfig{PrimaryURL: "primary", MaxConns: 5}, quietLogger())
		assert.Nil(t, cm)
		assert.ErrorContains(t, err, "failed to connect to primary")
		assert.ErrorContains(t, err, "no route to host")
	})
}

func TestConnectionManager_Replica(t *testing.T) {
	t.Run("no replicas falls back to primary", func(t *testing.T) {
		primary, _ := newPingMock(t)
		cm := NewConnectionManagerFromDB(quietLogger(), primary)
		assert.Same(t, primary, cm.Replica())
	})

	t.Run("round robin", func(t *testing.T) {
		primary, _ := newPingMock(t)
		r1, _ := newPingMock(t)
		r2, _ := newPingMock(t)
		r3, _ := newPingMock(t)
		cm := NewConnectionManagerFromDB(quietLogger(), primary, r1, r2, r3)

		selections := make(map[*sql.DB]int)
		for i := 0; i < 30; i++ {
			selections[cm.Replica()]++
		}
		assert.Equal(t, 10, selections[r1])
		assert.Equal(t, 10, selections[r2])
		assert.Equal(t, 10, selections[r3])
	})

	t.Run("concurrent selection", func(t *testing.T) {
		primary, _ := newPingMock(t)
		r1, _ := newPingMock(t)
		r2, _ := newPingMock(t)
		cm := NewConnectionManagerFromDB(quietLogger(), primary, r1, r2)

		var wg sync.WaitGroup
		var mu sync.Mutex
		selections := make(map[*sql.DB]int)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				db := cm.Replica()
				mu.Lock()
				selections[db]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, selections[r1])
		assert.Equal(t, 50, selections[r2])
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		primary, primaryMock := newPingMock(t)
		replica, replicaMock := newPingMock(t)
		primaryMock.ExpectPing()
		replicaMock.ExpectPing()

		cm := NewConnectionManagerFromDB(quietLogger(), primary, replica)
		assert.NoError(t, cm.HealthCheck(ctx))
	})

	t.Run("primary down", func(t *testing.T) {
		primary, primaryMock := newPingMock(t)
		primaryMock.ExpectPing().WillReturnError(errors.New("down"))

		cm := NewConnectionManagerFromDB(quietLogger(), primary)
		assert.ErrorContains(t, cm.HealthCheck(ctx), "primary unhealthy")
	})

	t.Run("all replicas down", func(t *testing.T) {
		primary, primaryMock := newPingMock(t)
		replica, replicaMock := newPingMock(t)
		primaryMock.ExpectPing()
		replicaMock.ExpectPing().WillReturnError(errors.New("down"))

		cm := NewConnectionManagerFromDB(quietLogger(), primary, replica)
		assert.ErrorContains(t, cm.HealthCheck(ctx), "all replicas unhealthy")
	})
}

func TestConnectionManager_ReplicaCheck(t *testing.T) {
	ctx := context.Background()
	primary, _ := newPingMock(t)

	t.Run("no replicas", func(t *testing.T) {
		cm := NewConnectionManagerFromDB(quietLogger(), primary)
		assert.Equal(t, observability.StatusHealthy, cm.ReplicaCheck(ctx).Status)
	})

	t.Run("some down", func(t *testing.T) {
		up, upMock := newPingMock(t)
		down, downMock := newPingMock(t)
		upMock.ExpectPing()
		downMock.ExpectPing().WillReturnError(errors.New("timeout"))

		status := NewConnectionManagerFromDB(quietLogger(), primary, up, down).ReplicaCheck(ctx)
		assert.Equal(t, observability.StatusDegraded, status.Status)
		assert.Equal(t, "1 of 2 replicas unreachable", status.Message)
	})

	t.Run("all down", func(t *testing.T) {
		down, downMock := newPingMock(t)
		downMock.ExpectPing().WillReturnError(errors.New("timeout"))

		status := NewConnectionManagerFromDB(quietLogger(), primary, down).ReplicaCheck(ctx)
		assert.Equal(t, observability.StatusUnhealthy, status.Status)
	})
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	primary, _ := newPingMock(t)
	healthy, healthyMock := newPingMock(t)
	broken, brokenMock := newPingMock(t)
	healthyMock.ExpectPing()
	brokenMock.ExpectPing().WillReturnError(errors.New("timeout"))
	brokenMock.ExpectClose()

	cm := NewConnectionManagerFromDB(quietLogger(), primary, healthy, broken)
	removed := cm.RemoveUnhealthyReplicas(context.Background())

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, cm.ReplicaCount())
	assert.Same(t, healthy, cm.Replica())
	assert.NoError(t, brokenMock.ExpectationsWereMet())
}

func TestConnectionManager_Close(t *testing.T) {
	primary, primaryMock := newPingMock(t)
	replica, replicaMock := newPingMock(t)
	primaryMock.ExpectClose()
	replicaMock.ExpectClose()

	cm := NewConnectionManagerFromDB(quietLogger(), primary, replica)
	require.NoError(t, cm.Close())
	assert.Equal(t, 0, cm.ReplicaCount())
	assert.NoError(t, primaryMock.ExpectationsWereMet())
	assert.NoError(t, replicaMock.ExpectationsWereMet())
}
