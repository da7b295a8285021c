package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingDim is the dimension of the face embeddings produced by the detector.
const EmbeddingDim = 128

// DB manages the PostgreSQL connection holding enrolled identities.
type DB struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*DB, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &DB{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS known_identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS known_identities_name_idx ON known_identities (name);
	`, EmbeddingDim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (db *DB) Close(ctx context.Context) {
	db.conn.Close(ctx)
}

// Enroll inserts one labeled embedding and returns its id.
func (db *DB) Enroll(ctx context.Context, name string, vec []float64) (int, error) {
	if len(vec) != EmbeddingDim {
		return 0, fmt.Errorf("%w: embedding has %d dimensions, expected %d", ErrMalformedStore, len(vec), EmbeddingDim)
	}
	var id int
	err := db.conn.QueryRow(ctx,
		"INSERT INTO known_identities (name, embedding) VALUES ($1, $2) RETURNING id",
		name, pgvector.NewVector(toFloat32(vec)),
	).Scan(&id)
	return id, err
}

// EnrollSet inserts every entry of set in a single transaction.
func (db *DB) EnrollSet(ctx context.Context, set *KnownFaceSet) error {
	if set.Dim() != EmbeddingDim {
		return fmt.Errorf("%w: embeddings have %d dimensions, expected %d", ErrMalformedStore, set.Dim(), EmbeddingDim)
	}
	tx, err := db.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < set.Len(); i++ {
		name, vec := set.At(i)
		if _, err := tx.Exec(ctx,
			"INSERT INTO known_identities (name, embedding) VALUES ($1, $2)",
			name, pgvector.NewVector(toFloat32(vec)),
		); err != nil {
			return fmt.Errorf("failed to enroll %q: %w", name, err)
		}
	}
	return tx.Commit(ctx)
}

// KnownFaces reads every enrolled embedding in insertion order.
func (db *DB) KnownFaces(ctx context.Context) (*KnownFaceSet, error) {
	rows, err := db.conn.Query(ctx, "SELECT name, embedding FROM known_identities ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	var vectors [][]float64
	for rows.Next() {
		var name string
		var vec pgvector.Vector
		if err := rows.Scan(&name, &vec); err != nil {
			return nil, err
		}
		names = append(names, name)
		vectors = append(vectors, toFloat64(vec.Slice()))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return NewKnownFaceSet(names, vectors)
}

// Reset drops and recreates the identity table.
func (db *DB) Reset(ctx context.Context) error {
	if _, err := db.conn.Exec(ctx, "DROP TABLE IF EXISTS known_identities CASCADE"); err != nil {
		return err
	}
	return initSchema(ctx, db.conn)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
