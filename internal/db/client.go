package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/chatdock/agentd/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	SSLMode         string
}

// Client manages the Postgres connection pool. Timeline writes go through the
// circuit-breaker wrapper; reads use sqlx over the same pool. Run records are
// queued to a small worker pool so the followup stage never blocks on them.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	sqlx   *sqlx.DB
	logger *zap.Logger
	config *Config

	recordQueue chan *RunRecord
	workers     int
	stopCh      chan struct{}
	workerWg    sync.WaitGroup
}

// NewClient creates a new database client with connection pool
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	rawDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	wrapped := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wrapped.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{
		db:          wrapped,
		sqlx:        sqlx.NewDb(rawDB, "postgres"),
		logger:      logger,
		config:      config,
		recordQueue: make(chan *RunRecord, 256),
		workers:     2,
		stopCh:      make(chan struct{}),
	}

	client.startWorkers()
	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)

	return client, nil
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.recordWorker(i)
	}
}

func (c *Client) recordWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Run record worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Info("Run record worker stopped", zap.Int("worker_id", id))
			return
		case rec := <-c.recordQueue:
			if err := c.SaveRunRecord(context.Background(), rec); err != nil {
				c.logger.Error("Failed to persist run record",
					zap.String("run_id", rec.RunID),
					zap.Error(err),
				)
			}
		}
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case rec := <-c.recordQueue:
			if err := c.SaveRunRecord(context.Background(), rec); err != nil {
				c.logger.Error("Failed to persist run record during drain", zap.Error(err))
			}
		case <-timeout:
			c.logger.Warn("Timeout draining run record queue")
			return
		default:
			return
		}
	}
}

// QueueRunRecord enqueues a run record for async persistence, falling back to
// a synchronous write when the queue is full so records are never dropped.
func (c *Client) QueueRunRecord(rec *RunRecord) {
	select {
	case c.recordQueue <- rec:
	default:
		c.logger.Warn("Run record queue full, writing synchronously",
			zap.String("run_id", rec.RunID))
		if err := c.SaveRunRecord(context.Background(), rec); err != nil {
			c.logger.Error("Failed to persist run record", zap.Error(err))
		}
	}
}

func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close gracefully shuts down the database client
func (c *Client) Close() error {
	c.logger.Info("Shutting down database client")

	close(c.stopCh)
	c.workerWg.Wait()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	c.logger.Info("Database client closed")
	return nil
}

// Wrapper returns the circuit-breaker wrapper for health checks
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}

// DB returns the sqlx handle for read queries
func (c *Client) DB() *sqlx.DB {
	return c.sqlx
}
