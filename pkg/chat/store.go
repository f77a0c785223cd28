// walletbridge - A native wallet and chat engine bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

// Store persists the last fetched copy of every conversation so the
// projection can be served before the chat session is up.
type Store struct {
	db *dbutil.Database
}

// OpenStore opens (or creates) the sqlite database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	s := &Store{db: db}
	if err = s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_conversation (
			address TEXT PRIMARY KEY,
			first_cached_ts BIGINT NOT NULL,
			seq INTEGER NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_message (
			address TEXT NOT NULL,
			position INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			direction INTEGER NOT NULL,
			metadata_json TEXT,
			stored_ts BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (address, position)
		)`,
		`CREATE INDEX IF NOT EXISTS chat_message_ts_idx
			ON chat_message (address, timestamp)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure message store schema: %w", err)
		}
	}

	// Migration: columns added after the first release
	addedCols := []struct {
		name string
		def  string
	}{
		{"metadata_json", "TEXT"},
		{"stored_ts", "BIGINT NOT NULL DEFAULT 0"},
	}
	for _, col := range addedCols {
		var exists int
		_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('chat_message') WHERE name=$1`, col.name).Scan(&exists)
		if exists == 0 {
			if _, err := s.db.Exec(ctx, fmt.Sprintf(`ALTER TABLE chat_message ADD COLUMN %s %s`, col.name, col.def)); err != nil {
				return fmt.Errorf("failed to add %s column: %w", col.name, err)
			}
		}
	}
	return nil
}

// Replace overwrites the stored conversation with address.
func (s *Store) Replace(ctx context.Context, address string, msgs []Message) error {
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowMS := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_conversation (address, first_cached_ts, seq, updated_ts)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_conversation), ?)
		ON CONFLICT (address) DO UPDATE SET updated_ts=excluded.updated_ts
	`, address, nowMS, nowMS)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", address, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM chat_message WHERE address=?`, address); err != nil {
		return fmt.Errorf("failed to clear conversation %s: %w", address, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_message (address, position, message_id, body, timestamp, direction, metadata_json, stored_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare message statement: %w", err)
	}
	defer stmt.Close()
	for i, msg := range msgs {
		var metadataJSON *string
		if len(msg.Metadata) > 0 {
			data, err := json.Marshal(msg.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata of %s: %w", msg.ID, err)
			}
			encoded := string(data)
			metadataJSON = &encoded
		}
		var storedMS int64
		if !msg.StoredAt.IsZero() {
			storedMS = msg.StoredAt.UnixMilli()
		}
		_, err = stmt.ExecContext(ctx, address, i, msg.ID, msg.Body, int64(msg.Timestamp), int32(msg.Direction), metadataJSON, storedMS)
		if err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

// LoadAll returns every stored conversation and the order in which the
// addresses were first cached.
func (s *Store) LoadAll(ctx context.Context) (map[string][]Message, []string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.address, m.message_id, m.body, m.timestamp, m.direction, m.metadata_json, m.stored_ts
		FROM chat_conversation c
		LEFT JOIN chat_message m ON m.address = c.address
		ORDER BY c.seq, m.position
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	out := make(map[string][]Message)
	var order []string
	for rows.Next() {
		var (
			address      string
			id, body     *string
			timestamp    *int64
			direction    *int32
			metadataJSON *string
			storedMS     *int64
		)
		if err = rows.Scan(&address, &id, &body, &timestamp, &direction, &metadataJSON, &storedMS); err != nil {
			return nil, nil, err
		}
		if _, ok := out[address]; !ok {
			out[address] = nil
			order = append(order, address)
		}
		if id == nil {
			continue
		}
		msg := Message{ID: *id, Address: address}
		if body != nil {
			msg.Body = *body
		}
		if timestamp != nil {
			msg.Timestamp = uint64(*timestamp)
		}
		if direction != nil {
			msg.Direction = Direction(*direction)
		}
		if metadataJSON != nil {
			if err = json.Unmarshal([]byte(*metadataJSON), &msg.Metadata); err != nil {
				return nil, nil, fmt.Errorf("failed to decode metadata of %s: %w", msg.ID, err)
			}
		}
		if storedMS != nil && *storedMS > 0 {
			msg.StoredAt = time.UnixMilli(*storedMS)
		}
		out[address] = append(out[address], msg)
	}
	return out, order, rows.Err()
}
