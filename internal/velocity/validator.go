package velocity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nppsupply/velocity/internal/domain"

	"github.com/google/uuid"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"02/01/2006",
}

// ReferenceData is the read-only lookup snapshot a row is validated
// against. Nil lookup maps disable the corresponding check.
type ReferenceData struct {
	DistributorID uuid.UUID
	KnownProducts map[string]bool
}

// ReferenceProvider supplies reference data for a distributor. Implemented
// by the lookup service collaborator; re-fetched per claim so a manual
// restart always validates against current data.
type ReferenceProvider interface {
	Snapshot(distributorID uuid.UUID) (ReferenceData, error)
}

// PermissiveReference is a provider with no lookup tables. Rows pass on
// format rules alone.
type PermissiveReference struct{}

func (PermissiveReference) Snapshot(distributorID uuid.UUID) (ReferenceData, error) {
	return ReferenceData{DistributorID: distributorID}, nil
}

// Evaluation is the result of validating one raw row.
type Evaluation struct {
	Status   domain.RowStatus
	Shipment *domain.Shipment
	Message  string
}

// ValidateRow is a pure function of the row and reference snapshot. It
// returns a skipped evaluation for entirely blank rows, a shipment for
// valid rows, and a failed evaluation listing every violated rule
// otherwise. Format rules are strict: an unparseable value is an error,
// never a best-effort guess.
func ValidateRow(row domain.RawRow, ref ReferenceData) Evaluation {
	if row.Blank() {
		return Evaluation{Status: domain.RowSkipped}
	}

	var errs []string

	var quantity *int
	if raw := row["qty"]; raw != "" {
		qty, err := strconv.Atoi(raw)
		if err != nil || qty < 0 {
			errs = append(errs, fmt.Sprintf("qty %q must be a non-negative integer", raw))
		} else {
			quantity = &qty
		}
	}

	for _, field := range []string{"sales", "landed_cost", "allowances", "freight1", "freight2"} {
		if raw := row[field]; raw != "" {
			if _, err := strconv.ParseFloat(raw, 64); err != nil {
				errs = append(errs, fmt.Sprintf("%s %q must be a decimal number", field, raw))
			}
		}
	}

	var shippedAt *time.Time
	if raw := row["invoice_date"]; raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invoice_date %q is not a recognized date", raw))
		} else {
			shippedAt = &ts
		}
	}

	if ref.KnownProducts != nil {
		if sku := row["product_number"]; sku != "" && !ref.KnownProducts[sku] {
			errs = append(errs, fmt.Sprintf("product %q not found in reference data", sku))
		}
	}

	if len(errs) > 0 {
		return Evaluation{
			Status:  domain.RowFailed,
			Message: strings.Join(errs, "; "),
		}
	}

	return Evaluation{
		Status: domain.RowSuccess,
		Shipment: &domain.Shipment{
			DistributorID:   ref.DistributorID,
			DistributorCode: row["customer_number"],
			SKU:             row["product_number"],
			Quantity:        quantity,
			ShippedAt:       shippedAt,
			Origin:          row["city"],
			Destination:     row["customer_name"],
			ManifestLine:    row,
		},
	}
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
