package dependencies

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgreSQL-backed dependency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

const edgeColumns = `dependent, dependency, registered_at, last_validated_at, is_valid`

func (s *PostgresStore) GetEdge(ctx context.Context, dependent, dependency kernel.ModuleCode) (Edge, bool, error) {
	var edge Edge
	err := s.db.GetContext(ctx, &edge, `
		SELECT `+edgeColumns+`
		FROM kernel_dependency_edges
		WHERE dependent = $1 AND dependency = $2
	`, dependent, dependency)
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, false, nil
	}
	if err != nil {
		return Edge{}, false, err
	}
	normalize(&edge)
	return edge, true, nil
}

func (s *PostgresStore) InsertEdge(ctx context.Context, edge Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kernel_dependency_edges (`+edgeColumns+`)
		VALUES ($1, $2, $3, $4, $5)
	`, edge.Dependent, edge.Dependency, edge.RegisteredAt.UTC(), edge.LastValidatedAt.UTC(), edge.IsValid)
	return err
}

func (s *PostgresStore) UpdateEdge(ctx context.Context, edge Edge) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kernel_dependency_edges
		SET last_validated_at = $3, is_valid = $4
		WHERE dependent = $1 AND dependency = $2
	`, edge.Dependent, edge.Dependency, edge.LastValidatedAt.UTC(), edge.IsValid)
	return err
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, dependent, dependency kernel.ModuleCode) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kernel_dependency_edges
		WHERE dependent = $1 AND dependency = $2
	`, dependent, dependency)
	return err
}

func (s *PostgresStore) DependenciesOf(ctx context.Context, code kernel.ModuleCode) ([]kernel.ModuleCode, error) {
	var out []kernel.ModuleCode
	err := s.db.SelectContext(ctx, &out, `
		SELECT dependency FROM kernel_dependency_edges
		WHERE dependent = $1
		ORDER BY registered_at, dependency
	`, code)
	return out, err
}

func (s *PostgresStore) DependentsOf(ctx context.Context, code kernel.ModuleCode) ([]kernel.ModuleCode, error) {
	var out []kernel.ModuleCode
	err := s.db.SelectContext(ctx, &out, `
		SELECT dependent FROM kernel_dependency_edges
		WHERE dependency = $1
		ORDER BY registered_at, dependent
	`, code)
	return out, err
}

func (s *PostgresStore) EdgesFrom(ctx context.Context, code kernel.ModuleCode) ([]Edge, error) {
	var out []Edge
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+edgeColumns+`
		FROM kernel_dependency_edges
		WHERE dependent = $1
		ORDER BY registered_at, dependency
	`, code)
	for i := range out {
		normalize(&out[i])
	}
	return out, err
}

func (s *PostgresStore) ListEdges(ctx context.Context) ([]Edge, error) {
	var out []Edge
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+edgeColumns+`
		FROM kernel_dependency_edges
		ORDER BY dependent, dependency
	`)
	for i := range out {
		normalize(&out[i])
	}
	return out, err
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM kernel_dependency_edges`)
	return n, err
}

func normalize(e *Edge) {
	e.RegisteredAt = e.RegisteredAt.UTC()
	e.LastValidatedAt = e.LastValidatedAt.UTC()
}

var _ Store = (*PostgresStore)(nil)
