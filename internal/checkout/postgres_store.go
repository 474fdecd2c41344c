package checkout

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/purplehq/purple-api/internal/lightning"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. The invoice is
// flattened into nullable columns; an invoice row exists exactly when
// invoice_label is non-null.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed checkout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, checkout *Checkout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO checkouts (id, product_template_name, created_at, completed)
		VALUES ($1, $2, $3, $4)
	`, checkout.ID, checkout.ProductTemplateName, checkout.CreatedAt, checkout.Completed)
	if err != nil {
		return fmt.Errorf("create checkout: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Checkout, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, product_template_name, created_at, verified_pubkey,
			invoice_bolt11, invoice_label, invoice_node_id, invoice_address,
			invoice_rune, invoice_paid, completed
		FROM checkouts WHERE id = $1
	`, id)

	var c Checkout
	var pubkey, bolt11, label, nodeID, address, runeToken sql.NullString
	var paid sql.NullBool

	err := row.Scan(&c.ID, &c.ProductTemplateName, &c.CreatedAt, &pubkey,
		&bolt11, &label, &nodeID, &address, &runeToken, &paid, &c.Completed)
	if err == sql.ErrNoRows {
		return nil, ErrCheckoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkout: %w", err)
	}

	if pubkey.Valid {
		c.VerifiedPubkey = &pubkey.String
	}
	if label.Valid {
		c.Invoice = &lightning.Invoice{
			Bolt11: bolt11.String,
			Label:  label.String,
			ConnectionParams: lightning.ConnectionParams{
				NodeID:  nodeID.String,
				Address: address.String,
				Rune:    runeToken.String,
			},
		}
		if paid.Valid {
			p := paid.Bool
			c.Invoice.Paid = &p
		}
	}
	return &c, nil
}

func (p *PostgresStore) Update(ctx context.Context, checkout *Checkout) error {
	var pubkey, bolt11, label, nodeID, address, runeToken sql.NullString
	var paid sql.NullBool

	if checkout.VerifiedPubkey != nil {
		pubkey = sql.NullString{String: *checkout.VerifiedPubkey, Valid: true}
	}
	if inv := checkout.Invoice; inv != nil {
		bolt11 = sql.NullString{String: inv.Bolt11, Valid: true}
		label = sql.NullString{String: inv.Label, Valid: true}
		nodeID = sql.NullString{String: inv.ConnectionParams.NodeID, Valid: true}
		address = sql.NullString{String: inv.ConnectionParams.Address, Valid: true}
		runeToken = sql.NullString{String: inv.ConnectionParams.Rune, Valid: true}
		if inv.Paid != nil {
			paid = sql.NullBool{Bool: *inv.Paid, Valid: true}
		}
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE checkouts SET
			verified_pubkey = $2,
			invoice_bolt11 = $3, invoice_label = $4, invoice_node_id = $5,
			invoice_address = $6, invoice_rune = $7, invoice_paid = $8,
			completed = $9
		WHERE id = $1
	`, checkout.ID, pubkey, bolt11, label, nodeID, address, runeToken, paid, checkout.Completed)
	if err != nil {
		return fmt.Errorf("update checkout: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update checkout: %w", err)
	}
	if rows == 0 {
		return ErrCheckoutNotFound
	}
	return nil
}
