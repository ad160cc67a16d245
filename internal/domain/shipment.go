package domain

import (
	"time"

	"github.com/google/uuid"
)

// Shipment is the canonical, denormalized record produced from a
// successfully validated row. At most one exists per (job, row index);
// re-processing upserts on that pair.
type Shipment struct {
	ID              uuid.UUID  `json:"id"`
	JobID           uuid.UUID  `json:"job_id"`
	FileID          uuid.UUID  `json:"file_id"`
	RowIndex        int        `json:"row_index"`
	DistributorID   uuid.UUID  `json:"distributor_id"`
	DistributorCode string     `json:"distributor_code,omitempty"`
	SKU             string     `json:"sku,omitempty"`
	Quantity        *int       `json:"quantity,omitempty"`
	ShippedAt       *time.Time `json:"shipped_at,omitempty"`
	Origin          string     `json:"origin,omitempty"`
	Destination     string     `json:"destination,omitempty"`
	ManifestLine    RawRow     `json:"manifest_line"`
	IngestedAt      time.Time  `json:"ingested_at"`
}
