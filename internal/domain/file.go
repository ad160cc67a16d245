package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// SourceKind records how a usage file arrived.
type SourceKind string

const (
	SourceUpload    SourceKind = "upload"
	SourceSFTP      SourceKind = "sftp"
	SourceURL       SourceKind = "url"
	SourceScheduler SourceKind = "scheduler"
)

// IngestedFile is the provenance record for one received usage file.
// Immutable once written; dedup is keyed on (distributor, content hash).
type IngestedFile struct {
	ID               uuid.UUID      `json:"id"`
	DistributorID    uuid.UUID      `json:"distributor_id"`
	OriginalFilename string         `json:"original_filename"`
	SourceKind       SourceKind     `json:"source_kind"`
	SourceDetail     map[string]any `json:"source_detail,omitempty"`
	ContentSHA256    string         `json:"content_sha256"`
	Bytes            int64          `json:"bytes"`
	ReceivedAt       time.Time      `json:"received_at"`
}

// HashContent returns the hex sha-256 of a file payload.
func HashContent(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// NewIngestedFile builds the provenance record for a received payload.
func NewIngestedFile(distributorID uuid.UUID, filename string, kind SourceKind, detail map[string]any, payload []byte) IngestedFile {
	return IngestedFile{
		ID:               uuid.New(),
		DistributorID:    distributorID,
		OriginalFilename: filename,
		SourceKind:       kind,
		SourceDetail:     detail,
		ContentSHA256:    HashContent(payload),
		Bytes:            int64(len(payload)),
		ReceivedAt:       time.Now().UTC(),
	}
}
