package circuitbreaker

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// DatabaseWrapper wraps conversation store access with a circuit breaker
type DatabaseWrapper struct {
	db     *sql.DB
	cb     *Breaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sql.DB, logger *zap.Logger) *DatabaseWrapper {
	config := DatabaseConfig().ToConfig()
	cb := New("postgresql", config, logger)

	Collector.Register("postgresql", "conversation-store", cb)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.PingContext(ctx)
		return err
	})

	dw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// QueryContext wraps a multi-row query with circuit breaker
func (dw *DatabaseWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		rows, err = dw.db.QueryContext(ctx, query, args...)
		return err
	})

	dw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return nil, cbErr
	}
	return rows, err
}

// QueryRowContext wraps a single-row query with circuit breaker. Query errors
// surface on Scan, so only breaker rejections are reported here.
func (dw *DatabaseWrapper) QueryRowContext(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	var row *sql.Row

	cbErr := dw.cb.Execute(ctx, func() error {
		row = dw.db.QueryRowContext(ctx, query, args...)
		return nil
	})

	dw.record(cbErr == nil)

	if cbErr != nil {
		return nil, cbErr
	}
	return row, nil
}

// ExecContext wraps a write with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})

	dw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return nil, cbErr
	}
	return result, err
}

// TxWrapper carries a transaction through the same breaker
type TxWrapper struct {
	tx *sql.Tx
	cb *Breaker
}

// BeginTx wraps transaction begin with circuit breaker
func (dw *DatabaseWrapper) BeginTx(ctx context.Context, opts *sql.TxOptions) (*TxWrapper, error) {
	var tx *sql.Tx
	var err error

	cbErr := dw.cb.Execute(ctx, func() error {
		tx, err = dw.db.BeginTx(ctx, opts)
		return err
	})

	dw.record(cbErr == nil && err == nil)

	if cbErr != nil {
		return nil, cbErr
	}
	if err != nil {
		return nil, err
	}
	return &TxWrapper{tx: tx, cb: dw.cb}, nil
}

func (tw *TxWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error

	cbErr := tw.cb.Execute(ctx, func() error {
		result, err = tw.tx.ExecContext(ctx, query, args...)
		return err
	})

	if cbErr != nil {
		return nil, cbErr
	}
	return result, err
}

func (tw *TxWrapper) QueryRowContext(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	var row *sql.Row

	cbErr := tw.cb.Execute(ctx, func() error {
		row = tw.tx.QueryRowContext(ctx, query, args...)
		return nil
	})

	if cbErr != nil {
		return nil, cbErr
	}
	return row, nil
}

func (tw *TxWrapper) Commit() error {
	var err error

	cbErr := tw.cb.Execute(context.Background(), func() error {
		err = tw.tx.Commit()
		return err
	})

	if cbErr != nil {
		return cbErr
	}
	return err
}

// Rollback bypasses the breaker; a rollback must always be attempted
func (tw *TxWrapper) Rollback() error {
	return tw.tx.Rollback()
}

func (dw *DatabaseWrapper) record(success bool) {
	Collector.RecordRequest("postgresql", "conversation-store", dw.cb.State(), success)
}

// Stats returns database stats
func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

// Close closes the database connection
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// SetMaxOpenConns sets the maximum number of open connections
func (dw *DatabaseWrapper) SetMaxOpenConns(n int) {
	dw.db.SetMaxOpenConns(n)
}

// SetMaxIdleConns sets the maximum number of idle connections
func (dw *DatabaseWrapper) SetMaxIdleConns(n int) {
	dw.db.SetMaxIdleConns(n)
}

// SetConnMaxLifetime sets the maximum connection lifetime
func (dw *DatabaseWrapper) SetConnMaxLifetime(d time.Duration) {
	dw.db.SetConnMaxLifetime(d)
}

// GetDB returns the underlying connection for operations not covered here
func (dw *DatabaseWrapper) GetDB() *sql.DB {
	return dw.db
}

// IsOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsOpen() bool {
	return dw.cb.State() == StateOpen
}
