package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var _ ports.OrganizationStore = (*OrganizationRepository)(nil)

// OrganizationRepository reads tenant settings
type OrganizationRepository struct {
	db *sql.DB
}

// NewOrganizationRepository creates an organization repository
func NewOrganizationRepository(db *sql.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// GetByID returns an organization with its working hours
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*domain.Organization, error) {
	query := `
		SELECT id, name, timezone, working_hours, outside_hours_message
		FROM organizations
		WHERE id = ?
	`

	var (
		org          domain.Organization
		workingHours []byte
		outside      sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&org.ID,
		&org.Name,
		&org.Timezone,
		&workingHours,
		&outside,
	)
	if err != nil {
		return nil, notFound(err, "get organization")
	}

	if len(workingHours) > 0 {
		if err := json.Unmarshal(workingHours, &org.WorkingHours); err != nil {
			return nil, fmt.Errorf("decode working hours of %s: %w", id, err)
		}
	}
	org.OutsideHoursMessage = outside.String
	return &org, nil
}
