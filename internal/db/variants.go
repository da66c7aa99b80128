package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/peteromalley/reigh/internal/types"
)

const variantColumns = `id, generation_id, location, thumbnail_url, params,
	is_primary, variant_type, name, viewed_at, created_at`

func scanVariant(row pgx.Row) (*types.Variant, error) {
	var v types.Variant
	var paramsJSON []byte
	err := row.Scan(&v.ID, &v.GenerationID, &v.Location, &v.ThumbnailURL,
		&paramsJSON, &v.IsPrimary, &v.VariantType, &v.Name, &v.ViewedAt, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &v.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variant params: %w", err)
		}
	}
	return &v, nil
}

// InsertVariant appends a variant to a generation's history. Variants are
// always inserted non-primary; promotion is a separate step.
func (db *DB) InsertVariant(ctx context.Context, v *types.Variant) (*types.Variant, error) {
	paramsJSON, err := json.Marshal(v.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variant params: %w", err)
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO generation_variants
		   (id, generation_id, location, thumbnail_url, params, is_primary, variant_type, name)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)
		 RETURNING `+variantColumns,
		v.ID, v.GenerationID, v.Location, v.ThumbnailURL, paramsJSON,
		v.VariantType, v.Name)

	inserted, err := scanVariant(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert variant: %w", err)
	}
	return inserted, nil
}

// PromoteVariant makes the given variant the generation's primary and mirrors
// its display fields onto the generation. Concurrent promotions resolve
// last-writer-wins with history preserved.
func (db *DB) PromoteVariant(ctx context.Context, generationID, variantID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin promote transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Demote and promote must be one statement: under READ COMMITTED, a
	// separate demote cannot see a concurrent promotion's still-uncommitted
	// primary, and two racing promotions would both commit a primary. One
	// statement locks the generation's full row set, so the loser re-demotes
	// the winner's row. The partial unique index on (generation_id) WHERE
	// is_primary backstops this.
	if _, err := tx.Exec(ctx,
		`UPDATE generation_variants SET is_primary = (id = $1)
		 WHERE generation_id = $2`,
		variantID, generationID); err != nil {
		return fmt.Errorf("failed to promote variant: %w", err)
	}

	var location string
	var thumbnail *string
	err = tx.QueryRow(ctx,
		`SELECT location, thumbnail_url FROM generation_variants
		 WHERE id = $1 AND generation_id = $2 AND is_primary`,
		variantID, generationID).Scan(&location, &thumbnail)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("variant %s not found under generation %s: %w",
				variantID, generationID, types.ErrNotFound)
		}
		return fmt.Errorf("failed to read promoted variant: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE generations SET location = $1, thumbnail_url = $2, updated_at = NOW()
		 WHERE id = $3`,
		location, thumbnail, generationID); err != nil {
		return fmt.Errorf("failed to mirror display fields: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit promote transaction: %w", err)
	}
	return nil
}

// ListVariants returns a generation's variants, newest first.
func (db *DB) ListVariants(ctx context.Context, generationID uuid.UUID) ([]types.Variant, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+variantColumns+` FROM generation_variants
		 WHERE generation_id = $1
		 ORDER BY created_at DESC`,
		generationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	var variants []types.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		variants = append(variants, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate variants: %w", err)
	}
	return variants, nil
}
