package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nppsupply/velocity/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type fileRepository struct {
	pool *pgxpool.Pool
}

// NewFileRepository wires a file registry backed by pgxpool.
func NewFileRepository(pool *pgxpool.Pool) FileRepository {
	return &fileRepository{pool: pool}
}

func (r *fileRepository) CreateFile(ctx context.Context, file domain.IngestedFile) (domain.IngestedFile, error) {
	detail, err := json.Marshal(file.SourceDetail)
	if err != nil {
		return domain.IngestedFile{}, fmt.Errorf("failed to marshal source detail: %w", err)
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO ingested_files (file_id, distributor_id, original_filename, source_kind, source_detail, content_sha256, bytes, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		file.ID,
		file.DistributorID,
		file.OriginalFilename,
		string(file.SourceKind),
		detail,
		file.ContentSHA256,
		file.Bytes,
		file.ReceivedAt,
	)
	if err != nil {
		return domain.IngestedFile{}, fmt.Errorf("failed to create ingested file: %w", err)
	}

	return file, nil
}

func (r *fileRepository) GetByHash(ctx context.Context, distributorID uuid.UUID, hash string) (domain.IngestedFile, bool, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT file_id, distributor_id, original_filename, source_kind, source_detail, content_sha256, bytes, received_at
		 FROM ingested_files
		 WHERE distributor_id = $1 AND content_sha256 = $2`,
		distributorID,
		hash,
	)

	file, err := scanFile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IngestedFile{}, false, nil
		}
		return domain.IngestedFile{}, false, fmt.Errorf("failed to look up file by hash: %w", err)
	}

	return file, true, nil
}

func scanFile(row pgx.Row) (domain.IngestedFile, error) {
	var (
		file   domain.IngestedFile
		kind   string
		detail []byte
	)
	if err := row.Scan(
		&file.ID,
		&file.DistributorID,
		&file.OriginalFilename,
		&kind,
		&detail,
		&file.ContentSHA256,
		&file.Bytes,
		&file.ReceivedAt,
	); err != nil {
		return domain.IngestedFile{}, err
	}

	file.SourceKind = domain.SourceKind(kind)
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &file.SourceDetail); err != nil {
			return domain.IngestedFile{}, fmt.Errorf("failed to unmarshal source detail: %w", err)
		}
	}
	return file, nil
}
