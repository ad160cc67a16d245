package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nppsupply/velocity/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type shipmentRepository struct {
	pool *pgxpool.Pool
}

// NewShipmentRepository wires the shipment store backed by pgxpool.
func NewShipmentRepository(pool *pgxpool.Pool) ShipmentRepository {
	return &shipmentRepository{pool: pool}
}

func (r *shipmentRepository) Upsert(ctx context.Context, shipment domain.Shipment) error {
	manifest, err := json.Marshal(shipment.ManifestLine)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest line: %w", err)
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO velocity_shipments (shipment_id, job_id, file_id, row_index, distributor_id,
			distributor_code, sku, quantity, shipped_at, origin, destination, manifest_line, ingested_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (job_id, row_index) DO UPDATE SET
			distributor_code = EXCLUDED.distributor_code,
			sku = EXCLUDED.sku,
			quantity = EXCLUDED.quantity,
			shipped_at = EXCLUDED.shipped_at,
			origin = EXCLUDED.origin,
			destination = EXCLUDED.destination,
			manifest_line = EXCLUDED.manifest_line,
			ingested_at = EXCLUDED.ingested_at`,
		shipment.ID,
		shipment.JobID,
		shipment.FileID,
		shipment.RowIndex,
		shipment.DistributorID,
		shipment.DistributorCode,
		shipment.SKU,
		shipment.Quantity,
		shipment.ShippedAt,
		shipment.Origin,
		shipment.Destination,
		manifest,
		shipment.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert shipment: %w", err)
	}
	return nil
}

func (r *shipmentRepository) CountByJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM velocity_shipments WHERE job_id = $1`,
		jobID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count shipments: %w", err)
	}
	return count, nil
}

func (r *shipmentRepository) ListShipments(ctx context.Context, jobID uuid.UUID) ([]domain.Shipment, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT shipment_id, job_id, file_id, row_index, distributor_id, distributor_code,
			sku, quantity, shipped_at, origin, destination, manifest_line, ingested_at
		 FROM velocity_shipments
		 WHERE job_id = $1
		 ORDER BY row_index`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list shipments: %w", err)
	}
	defer rows.Close()

	shipments := []domain.Shipment{}
	for rows.Next() {
		var (
			s         domain.Shipment
			quantity  pgtype.Int4
			shippedAt pgtype.Timestamptz
			manifest  []byte
		)
		if err := rows.Scan(
			&s.ID,
			&s.JobID,
			&s.FileID,
			&s.RowIndex,
			&s.DistributorID,
			&s.DistributorCode,
			&s.SKU,
			&quantity,
			&shippedAt,
			&s.Origin,
			&s.Destination,
			&manifest,
			&s.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan shipment: %w", err)
		}

		if quantity.Valid {
			value := int(quantity.Int32)
			s.Quantity = &value
		}
		if shippedAt.Valid {
			s.ShippedAt = &shippedAt.Time
		}
		if len(manifest) > 0 {
			if err := json.Unmarshal(manifest, &s.ManifestLine); err != nil {
				return nil, fmt.Errorf("failed to unmarshal manifest line: %w", err)
			}
		}
		shipments = append(shipments, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate shipments: %w", err)
	}
	return shipments, nil
}
