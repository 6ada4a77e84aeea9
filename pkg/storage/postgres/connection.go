package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultPruneInterval  = 30 * time.Second
	minReplicaConns       = 2
)

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionManager routes billing writes to the primary and member and
// dues listings to read replicas. Replicas that stop answering are pruned.
type ConnectionManager struct {
	primary *sql.DB
	logger  logrus.FieldLogger

	mu       sync.RWMutex
	replicas []*sql.DB
	next     atomic.Uint32
}

// openDB is swapped in tests
var openDB = func(url string) (*sql.DB, error) {
	return sql.Open("postgres", url)
}

// NewConnectionManager connects to the primary and any reachable replicas.
// A replica that cannot be opened or pinged is logged and left out.
func NewConnectionManager(ctx context.Context, cfg ConnectionConfig, logger logrus.FieldLogger) (*ConnectionManager, error) {
	if logger == nil {
		logger = logrus.New()
	}

	primary, err := dial(ctx, cfg.PrimaryURL, cfg, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}

	// Replicas serve only listings, so they get half the pool.
	replicaConns := max(cfg.MaxConns/2, minReplicaConns)
	replicas := make([]*sql.DB, 0, len(cfg.ReplicaURLs))
	for i, url := range cfg.ReplicaURLs {
		replica, err := dial(ctx, url, cfg, replicaConns)
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("Skipping unreachable read replica")
			continue
		}
		replicas = append(replicas, replica)
	}

	return NewConnectionManagerFromDB(logger, primary, replicas...), nil
}

// NewConnectionManagerFromDB wraps connections that are already open
func NewConnectionManagerFromDB(logger logrus.FieldLogger, primary *sql.DB, replicas ...*sql.DB) *ConnectionManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConnectionManager{
		primary:  primary,
		replicas: replicas,
		logger:   logger.WithField("component", "postgres_connections"),
	}
}

func dial(ctx context.Context, url string, cfg ConnectionConfig, maxConns int) (*sql.DB, error) {
	db, err := openDB(url)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}
	return db, nil
}

// Primary returns the connection used for every write
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica picks a read replica round-robin, or the primary when none is left
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	n := cm.next.Add(1)
	return cm.replicas[int(n%uint32(len(cm.replicas)))]
}

// ReplicaCount returns the number of replicas in rotation
func (cm *ConnectionManager) ReplicaCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.replicas)
}

func (cm *ConnectionManager) snapshot() []*sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]*sql.DB(nil), cm.replicas...)
}

// pingReplicas returns the indexes of replicas that fail a ping
func pingReplicas(ctx context.Context, replicas []*sql.DB) []int {
	var down []int
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			down = append(down, i)
		}
	}
	return down
}

// HealthCheck fails when the primary is down or when every replica is down
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	replicas := cm.snapshot()
	if down := pingReplicas(ctx, replicas); len(down) > 0 && len(down) == len(replicas) {
		names := make([]string, len(down))
		for i, idx := range down {
			names[i] = fmt.Sprintf("replica-%d", idx)
		}
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(names, ", "))
	}
	return nil
}

// ReplicaCheck reports replica health for the readiness probe. Losing
// replicas only slows listings down, so register it as non-critical.
func (cm *ConnectionManager) ReplicaCheck(ctx context.Context) observability.DependencyStatus {
	replicas := cm.snapshot()
	down := pingReplicas(ctx, replicas)
	switch {
	case len(down) == 0:
		return observability.DependencyStatus{Status: observability.StatusHealthy}
	case len(down) == len(replicas):
		return observability.DependencyStatus{
			Status:  observability.StatusUnhealthy,
			Message: "all replicas unreachable, reads use the primary",
		}
	default:
		return observability.DependencyStatus{
			Status:  observability.StatusDegraded,
			Message: fmt.Sprintf("%d of %d replicas unreachable", len(down), len(replicas)),
		}
	}
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping and
// returns how many were removed
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	kept := cm.replicas[:0]
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			_ = replica.Close()
			removed++
			continue
		}
		kept = append(kept, replica)
	}
	cm.replicas = kept
	return removed
}

// StartHealthCheckRoutine prunes unhealthy replicas every interval in the
// background until ctx is done
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPruneInterval
	}

	go func() {
		defer observability.RecoverPanic(cm.logger, "replica_prune")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pruneCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
				if removed := cm.RemoveUnhealthyReplicas(pruneCtx); removed > 0 {
					cm.logger.WithFields(logrus.Fields{
						"removed":   removed,
						"remaining": cm.ReplicaCount(),
					}).Warn("Removed unhealthy read replicas")
				}
				cancel()
			}
		}
	}()
}

// Close closes the primary and every replica
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary: %w", err))
	}
	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close database connections: %w", err)
	}
	return nil
}

// ParseReplicaURLs splits a comma-separated list of replica URLs, dropping
// blanks
func ParseReplicaURLs(raw string) []string {
	var urls []string
	for _, url := range strings.Split(raw, ",") {
		if url = strings.TrimSpace(url); url != "" {
			urls = append(urls, url)
		}
	}
	return urls
}
