package repository

import (
	"context"
	"database/sql"
	"fmt"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var _ ports.CustomerStore = (*CustomerRepository)(nil)

const customerColumns = `id, organization_id, channel_id, uid, display, picture, firstname, lastname, is_delete, created_at`

// CustomerRepository persists customers, unique by (channel_id, uid)
type CustomerRepository struct {
	db *sql.DB
}

// NewCustomerRepository creates a customer repository
func NewCustomerRepository(db *sql.DB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var (
		c                            domain.Customer
		picture, firstname, lastname sql.NullString
	)
	err := row.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.ChannelID,
		&c.UID,
		&c.Display,
		&picture,
		&firstname,
		&lastname,
		&c.IsDelete,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Picture = picture.String
	c.Firstname = firstname.String
	c.Lastname = lastname.String
	return &c, nil
}

// GetByUID looks a customer up by its provider uid on a channel
func (r *CustomerRepository) GetByUID(ctx context.Context, channelID, uid string) (*domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE channel_id = ? AND uid = ?`

	c, err := scanCustomer(r.db.QueryRowContext(ctx, query, channelID, uid))
	if err != nil {
		return nil, notFound(err, "get customer by uid")
	}
	return c, nil
}

// GetByID looks a customer up by id
func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = ?`

	c, err := scanCustomer(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "get customer")
	}
	return c, nil
}

// Create inserts a customer; a concurrent insert of the same uid yields domain.ErrConflict
func (r *CustomerRepository) Create(ctx context.Context, c *domain.Customer) error {
	query := `
		INSERT INTO customers (` + customerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		c.ID,
		c.OrganizationID,
		c.ChannelID,
		c.UID,
		c.Display,
		nullString(c.Picture),
		nullString(c.Firstname),
		nullString(c.Lastname),
		c.IsDelete,
		c.CreatedAt,
	)
	if isDuplicateKey(err) {
		return fmt.Errorf("create customer: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}
