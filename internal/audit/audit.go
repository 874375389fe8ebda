// Package audit implements a best-effort, append-only audit trail backed
// by Postgres via pgxpool, reusing the same connection-pool setup as
// internal/postgres. It is explicitly not the source of truth for queue
// or session state, which stays in-memory; a write failure here is logged
// and otherwise ignored.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridworks/distributor/internal/eventbus"
	"github.com/gridworks/distributor/internal/postgres"
)

// Config holds the Postgres connection parameters for the audit sink.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// Sink subscribes to lifecycle events and appends one row per event to the
// session_audit_log table.
type Sink struct {
	client *postgres.Client
	logger *slog.Logger
}

// NewSink connects to Postgres, ensures the audit table exists, and
// subscribes to the bus's lifecycle topics. Call Close when done.
func NewSink(ctx context.Context, cfg Config, bus eventbus.Bus, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.Host = cfg.Host
	pgCfg.Port = cfg.Port
	pgCfg.Database = cfg.Database
	pgCfg.User = cfg.User
	pgCfg.Password = cfg.Password
	pgCfg.SSLMode = cfg.SSLMode

	client, err := postgres.NewClient(ctx, pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}

	if _, err := client.Pool().Exec(ctx, createTableSQL); err != nil {
		client.Close()
		return nil, fmt.Errorf("audit: ensure table: %w", err)
	}

	s := &Sink{client: client, logger: logger}

	if bus != nil {
		bus.Subscribe(eventbus.TopicSessionClosed, func(event any) {
			e, ok := event.(eventbus.SessionClosedEvent)
			if !ok {
				return
			}
			s.record(context.Background(), "session_closed", e.SessionID, e.NodeID, "")
		})
		bus.Subscribe(eventbus.TopicNodeAdded, func(event any) {
			e, ok := event.(eventbus.NodeAddedEvent)
			if !ok {
				return
			}
			s.record(context.Background(), "node_added", "", e.NodeID, "")
		})
		bus.Subscribe(eventbus.TopicNodeRemoved, func(event any) {
			e, ok := event.(eventbus.NodeRemovedEvent)
			if !ok {
				return
			}
			s.record(context.Background(), "node_removed", "", e.NodeID, "")
		})
		bus.Subscribe(eventbus.TopicNewSessionRejected, func(event any) {
			e, ok := event.(eventbus.NewSessionRejectedEvent)
			if !ok {
				return
			}
			s.record(context.Background(), "session_rejected", e.RequestID, "", string(e.Reason))
		})
	}

	logger.Info("audit sink connected", slog.String("host", cfg.Host), slog.String("database", cfg.Database))
	return s, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS session_audit_log (
	id          BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	event_type  TEXT NOT NULL,
	subject_id  TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	detail      TEXT NOT NULL
)`

func (s *Sink) record(ctx context.Context, eventType, subjectID, nodeID, detail string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := s.client.Pool().Exec(ctx,
		`INSERT INTO session_audit_log (event_type, subject_id, node_id, detail) VALUES ($1, $2, $3, $4)`,
		eventType, subjectID, nodeID, detail)
	if err != nil {
		s.logger.Warn("audit write failed",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

// Close releases the connection pool.
func (s *Sink) Close() {
	s.client.Close()
}
