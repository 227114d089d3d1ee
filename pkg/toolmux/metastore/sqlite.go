// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux"
)

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the store at path and applies pending
// migrations. ":memory:" keeps the database in process memory.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	// SQLite supports one writer; a single pooled connection avoids
	// SQLITE_BUSY contention between concurrent registrations.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debugf("Opened metadata store at %s", path)
	return &SQLiteStore{db: db}, nil
}

// toolColumns is the SELECT column list shared by all record queries.
const toolColumns = `server_name, tool_name, output_schema, is_original_schema, last_updated`

// SaveTool inserts or replaces the record for (ServerName, ToolName).
// The single-statement upsert keeps each write atomic per record.
func (s *SQLiteStore) SaveTool(ctx context.Context, record ToolRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_metadata (server_name, tool_name, output_schema, is_original_schema, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (server_name, tool_name) DO UPDATE SET
			output_schema = excluded.output_schema,
			is_original_schema = excluded.is_original_schema,
			last_updated = excluded.last_updated`,
		record.ServerName,
		record.ToolName,
		record.OutputSchema,
		record.IsOriginalSchema,
		formatTime(record.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("saving tool %s/%s: %w", record.ServerName, record.ToolName, err)
	}
	return nil
}

// GetTool returns one record, or toolmux.ErrNotFound.
func (s *SQLiteStore) GetTool(ctx context.Context, serverName, toolName string) (*ToolRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tool_metadata WHERE server_name = ? AND tool_name = ?`,
		serverName, toolName,
	)

	record, err := scanToolRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: tool %s/%s", toolmux.ErrNotFound, serverName, toolName)
		}
		return nil, err
	}
	return &record, nil
}

// GetServerTools returns all records for a server, ordered by tool name.
func (s *SQLiteStore) GetServerTools(ctx context.Context, serverName string) ([]ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM tool_metadata WHERE server_name = ? ORDER BY tool_name`,
		serverName,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tools for server %s: %w", serverName, err)
	}
	return collectToolRecords(rows)
}

// UpdateTool refreshes an existing record. Returns toolmux.ErrNotFound when
// the record does not exist.
func (s *SQLiteStore) UpdateTool(ctx context.Context, record ToolRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_metadata
		SET output_schema = ?, is_original_schema = ?, last_updated = ?
		WHERE server_name = ? AND tool_name = ?`,
		record.OutputSchema,
		record.IsOriginalSchema,
		formatTime(record.LastUpdated),
		record.ServerName,
		record.ToolName,
	)
	if err != nil {
		return fmt.Errorf("updating tool %s/%s: %w", record.ServerName, record.ToolName, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: tool %s/%s", toolmux.ErrNotFound, record.ServerName, record.ToolName)
	}
	return nil
}

// GetAllTools returns every record, ordered by server then tool name.
func (s *SQLiteStore) GetAllTools(ctx context.Context) ([]ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM tool_metadata ORDER BY server_name, tool_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying all tools: %w", err)
	}
	return collectToolRecords(rows)
}

// DeleteTool removes one record. Absent records are not an error.
func (s *SQLiteStore) DeleteTool(ctx context.Context, serverName, toolName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_metadata WHERE server_name = ? AND tool_name = ?`,
		serverName, toolName,
	)
	if err != nil {
		return fmt.Errorf("deleting tool %s/%s: %w", serverName, toolName, err)
	}
	return nil
}

// DeleteServerTools removes all records for a server.
func (s *SQLiteStore) DeleteServerTools(ctx context.Context, serverName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_metadata WHERE server_name = ?`,
		serverName,
	)
	if err != nil {
		return fmt.Errorf("deleting tools for server %s: %w", serverName, err)
	}

	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		logger.Debugf("Deleted %d stored tool records for server %s", affected, serverName)
	}
	return nil
}

// GetAllServerNames returns the distinct server names present, sorted.
func (s *SQLiteStore) GetAllServerNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT server_name FROM tool_metadata ORDER BY server_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying server names: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning server name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server names: %w", err)
	}
	return names, nil
}

// GetStats summarizes the store contents.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ToolsPerServer: make(map[string]int)}

	// Collect per-server counts fully before the next query so the single
	// pooled connection is released (MaxOpenConns=1).
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_name, COUNT(*) FROM tool_metadata GROUP BY server_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying per-server counts: %w", err)
	}
	for rows.Next() {
		var (
			name  string
			count int
		)
		if err := rows.Scan(&name, &count); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning per-server count: %w", err)
		}
		stats.ToolsPerServer[name] = count
		stats.TotalTools += count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating per-server counts: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing count rows: %w", err)
	}

	var lastUpdated sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT MAX(last_updated) FROM tool_metadata`).Scan(&lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("querying most recent update: %w", err)
	}
	if lastUpdated.Valid {
		ts, err := parseTime(lastUpdated.String)
		if err != nil {
			return nil, err
		}
		stats.LastUpdated = ts
	}

	return stats, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface{ Scan(dest ...any) error }

// scanToolRecord scans one record row.
func scanToolRecord(sc scanner) (ToolRecord, error) {
	var (
		record         ToolRecord
		lastUpdatedStr string
	)
	err := sc.Scan(
		&record.ServerName,
		&record.ToolName,
		&record.OutputSchema,
		&record.IsOriginalSchema,
		&lastUpdatedStr,
	)
	if err != nil {
		return ToolRecord{}, err
	}

	record.LastUpdated, err = parseTime(lastUpdatedStr)
	if err != nil {
		return ToolRecord{}, err
	}
	return record, nil
}

// collectToolRecords drains rows into a slice, closing them.
func collectToolRecords(rows *sql.Rows) ([]ToolRecord, error) {
	defer func() { _ = rows.Close() }()

	var records []ToolRecord
	for rows.Next() {
		record, err := scanToolRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool rows: %w", err)
	}
	return records, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing last_updated: %w", err)
	}
	return ts, nil
}
