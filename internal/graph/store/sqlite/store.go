// Package sqlite implements the graph store interface on top of an
// embedded, pure-Go SQLite database (modernc.org/sqlite), accessed through
// github.com/jmoiron/sqlx.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/graphreactor/core/internal/graph/events"
	"github.com/graphreactor/core/internal/graph/graphcoreerr"
	"github.com/graphreactor/core/internal/graph/model"
	"github.com/graphreactor/core/internal/graph/store"
	"github.com/graphreactor/core/pkg/logger"
)

// Store implements store.Store against an embedded SQLite database.
type Store struct {
	db  *sqlx.DB
	bus *events.Bus
	log *logger.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to the SQLite database at dsn (use ":memory:" for tests),
// applies the schema, and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string, bus *events.Bus, log *logger.Logger) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, graphcoreerr.Validation("sqlite dsn is required")
	}
	if log == nil {
		log = logger.NewDefault("graph-store")
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, graphcoreerr.Store(fmt.Errorf("open sqlite: %w", err))
	}
	// modernc.org/sqlite does not support concurrent writers across
	// connections; a single connection keeps the engine's single-writer
	// model simple.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, graphcoreerr.Store(fmt.Errorf("ping sqlite: %w", err))
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, graphcoreerr.Store(fmt.Errorf("apply schema: %w", err))
	}

	return &Store{db: db, bus: bus, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	s.bus.Publish(ev)
}

// --- rows --------------------------------------------------------------

type nodeRow struct {
	ID           string         `db:"id"`
	Content      string         `db:"content"`
	ContentPlain string         `db:"content_plain"`
	SystemID     sql.NullString `db:"system_id"`
	OwnerID      sql.NullString `db:"owner_id"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
	DeletedAt    sql.NullInt64  `db:"deleted_at"`
}

func (r nodeRow) toNode() model.Node {
	n := model.Node{
		ID:           r.ID,
		Content:      r.Content,
		ContentPlain: r.ContentPlain,
		SystemID:     r.SystemID.String,
		OwnerID:      r.OwnerID.String,
		CreatedAt:    time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:    time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.DeletedAt.Valid {
		t := time.Unix(0, r.DeletedAt.Int64).UTC()
		n.DeletedAt = &t
	}
	return n
}

type propertyRow struct {
	ID            int64          `db:"id"`
	NodeID        string         `db:"node_id"`
	FieldNodeID   string         `db:"field_node_id"`
	FieldSystemID sql.NullString `db:"field_system_id"`
	FieldContent  sql.NullString `db:"field_content"`
	Value         string         `db:"value"`
	Order         int            `db:"order"`
	CreatedAt     int64          `db:"created_at"`
	UpdatedAt     int64          `db:"updated_at"`
}

func (r propertyRow) toProperty() model.Property {
	p := model.Property{
		ID:            r.ID,
		NodeID:        r.NodeID,
		FieldNodeID:   r.FieldNodeID,
		FieldSystemID: r.FieldSystemID.String,
		Order:         r.Order,
		CreatedAt:     time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:     time.Unix(0, r.UpdatedAt).UTC(),
	}
	if v, err := model.DecodeValue(r.Value); err == nil {
		p.Value = v
	}
	return p
}

const propertySelect = `
	SELECT p.id, p.node_id, p.field_node_id, n.system_id AS field_system_id,
	       n.content AS field_content,
	       p.value, p."order", p.created_at, p.updated_at
	FROM node_properties p
	LEFT JOIN nodes n ON n.id = p.field_node_id
`

// --- reads ---------------------------------------------------------------

func (s *Store) GetNode(ctx context.Context, id string, includeDeleted bool) (model.Node, error) {
	query := `SELECT id, content, content_plain, system_id, owner_id, created_at, updated_at, deleted_at FROM nodes WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	var row nodeRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return model.Node{}, graphcoreerr.New(graphcoreerr.CodeStore, "node not found: "+id)
		}
		return model.Node{}, graphcoreerr.Store(err)
	}
	return row.toNode(), nil
}

func (s *Store) GetNodeBySystemID(ctx context.Context, systemID string, includeDeleted bool) (model.Node, error) {
	query := `SELECT id, content, content_plain, system_id, owner_id, created_at, updated_at, deleted_at FROM nodes WHERE system_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	var row nodeRow
	if err := s.db.GetContext(ctx, &row, query, systemID); err != nil {
		if err == sql.ErrNoRows {
			return model.Node{}, graphcoreerr.New(graphcoreerr.CodeStore, "node not found: "+systemID)
		}
		return model.Node{}, graphcoreerr.Store(err)
	}
	return row.toNode(), nil
}

func (s *Store) ListLiveNodeIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM nodes WHERE deleted_at IS NULL`); err != nil {
		return nil, graphcoreerr.Store(err)
	}
	return ids, nil
}

func (s *Store) ListProperties(ctx context.Context, nodeID string) ([]model.Property, error) {
	var rows []propertyRow
	query := propertySelect + ` WHERE p.node_id = ? ORDER BY p."order" ASC, p.id ASC`
	if err := s.db.SelectContext(ctx, &rows, query, nodeID); err != nil {
		return nil, graphcoreerr.Store(err)
	}
	out := make([]model.Property, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toProperty())
	}
	return out, nil
}

func (s *Store) ListPropertiesByField(ctx context.Context, fieldNodeID string) ([]model.Property, error) {
	var rows []propertyRow
	query := propertySelect + ` WHERE p.field_node_id = ? ORDER BY p.node_id ASC, p."order" ASC`
	if err := s.db.SelectContext(ctx, &rows, query, fieldNodeID); err != nil {
		return nil, graphcoreerr.Store(err)
	}
	out := make([]model.Property, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toProperty())
	}
	return out, nil
}
