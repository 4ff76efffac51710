package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	logx "botwatch/pkg/logx"
)

// Backend is one live connection to the backing database with the schema bound.
// Store never hands a Backend out; it is replaced wholesale on reconnect.
type Backend interface {
	// Bind (re)registers the schema on a fresh connection.
	Bind(ctx context.Context) error
	Ping(ctx context.Context) error

	// Get returns (nil, nil) when the record does not exist.
	Get(ctx context.Context, id string) (*CommunityRecord, error)
	// Insert fails with ErrDuplicate if the record exists.
	Insert(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) (bool, error)
	// UpsertBroadcastChannel sets the channel, creating the record if needed.
	UpsertBroadcastChannel(ctx context.Context, id, channelID string) error
	// SaveAgents replaces the agent list when the stored version matches.
	// Mismatch fails with ErrConflict, a missing record with ErrCommunityNotFound.
	SaveAgents(ctx context.Context, u AgentsUpdate) error
	// DeleteExcept removes every record whose id is not in keep and returns the removed ids.
	DeleteExcept(ctx context.Context, keep map[string]struct{}) ([]string, error)
	// ListTracked returns all records with at least one tracked agent.
	ListTracked(ctx context.Context) ([]CommunityRecord, error)
	// BulkSaveAgents applies updates in one batch, skipping stale versions.
	BulkSaveAgents(ctx context.Context, updates []AgentsUpdate) (int, error)

	Close() error
}

// Dialer opens a Backend for cfg. The store calls it on start and on every reconnect.
type Dialer func(ctx context.Context, cfg Config, log logx.Logger) (Backend, error)

func dialDriver(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "memory":
		return NewMemoryDialer()(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// connError marks an error as connection-level so the store reconnects.
type connError struct{ err error }

func (e connError) Error() string { return "connection: " + e.err.Error() }
func (e connError) Unwrap() error { return e.err }

// ConnectionError wraps err so the store treats it as a lost connection.
// Backends use it for driver-specific fatal codes.
func ConnectionError(err error) error {
	if err == nil {
		return nil
	}
	return connError{err: err}
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var ce connError
	if errors.As(err, &ce) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if strings.Contains(err.Error(), "database is closed") {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
