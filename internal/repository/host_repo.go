package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ip2tor/shop/internal/models"
)

const hostColumns = `
	id, ip, name, owner_id, is_enabled, offers_tor_bridges, offers_rssh_tunnels,
	tor_bridge_duration, tor_bridge_price_initial, tor_bridge_price_extension,
	rssh_tunnel_price, terms_of_service, terms_of_service_url,
	ci_date, ci_status, ci_message, created_at, updated_at`

type HostRepository struct {
	pool *pgxpool.Pool
}

func NewHostRepository(pool *pgxpool.Pool) *HostRepository {
	return &HostRepository{pool: pool}
}

// List retrieves all hosts
func (r *HostRepository) List(ctx context.Context) ([]*models.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts ORDER BY name, ip`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*models.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// GetByID retrieves a host by id
func (r *HostRepository) GetByID(ctx context.Context, id string) (*models.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE id = $1`

	h, err := scanHost(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get host: %w", err)
	}
	return h, nil
}

// Upsert creates or updates a host, keyed by ip
func (r *HostRepository) Upsert(ctx context.Context, h *models.Host) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	query := `
		INSERT INTO hosts (
			id, ip, name, owner_id, is_enabled, offers_tor_bridges, offers_rssh_tunnels,
			tor_bridge_duration, tor_bridge_price_initial, tor_bridge_price_extension,
			rssh_tunnel_price, terms_of_service, terms_of_service_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (ip) DO UPDATE SET
			name = EXCLUDED.name,
			owner_id = EXCLUDED.owner_id,
			is_enabled = EXCLUDED.is_enabled,
			offers_tor_bridges = EXCLUDED.offers_tor_bridges,
			offers_rssh_tunnels = EXCLUDED.offers_rssh_tunnels,
			tor_bridge_duration = EXCLUDED.tor_bridge_duration,
			tor_bridge_price_initial = EXCLUDED.tor_bridge_price_initial,
			tor_bridge_price_extension = EXCLUDED.tor_bridge_price_extension,
			rssh_tunnel_price = EXCLUDED.rssh_tunnel_price,
			terms_of_service = EXCLUDED.terms_of_service,
			terms_of_service_url = EXCLUDED.terms_of_service_url,
			updated_at = now()
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query,
		h.ID, h.IP, h.Name, h.OwnerID, h.IsEnabled, h.OffersTorBridges, h.OffersRsshTunnels,
		h.TorBridgeDuration, h.TorBridgePriceInitial, h.TorBridgePriceExtension,
		h.RsshTunnelPrice, h.TermsOfService, h.TermsOfServiceURL,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}
	return nil
}

// CheckIn stores the liveness report of a host
func (r *HostRepository) CheckIn(ctx context.Context, id string, status models.CheckInStatus, message string, at time.Time) error {
	query := `UPDATE hosts SET ci_date = $1, ci_status = $2, ci_message = $3, updated_at = now() WHERE id = $4`
	tag, err := r.pool.Exec(ctx, query, at, int16(status), message, id)
	if err != nil {
		return fmt.Errorf("check in host: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOwner retrieves an owner by id
func (r *HostRepository) GetOwner(ctx context.Context, id string) (*models.Owner, error) {
	o := &models.Owner{}
	err := r.pool.QueryRow(ctx, `SELECT id, name, email FROM owners WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &o.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get owner: %w", err)
	}
	return o, nil
}

// UpsertOwner creates or updates an owner
func (r *HostRepository) UpsertOwner(ctx context.Context, o *models.Owner) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	query := `
		INSERT INTO owners (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
	`
	if _, err := r.pool.Exec(ctx, query, o.ID, o.Name, o.Email); err != nil {
		return fmt.Errorf("upsert owner: %w", err)
	}
	return nil
}

func scanHost(row pgx.Row) (*models.Host, error) {
	h := &models.Host{}
	var ciStatus int16
	err := row.Scan(
		&h.ID, &h.IP, &h.Name, &h.OwnerID, &h.IsEnabled, &h.OffersTorBridges, &h.OffersRsshTunnels,
		&h.TorBridgeDuration, &h.TorBridgePriceInitial, &h.TorBridgePriceExtension,
		&h.RsshTunnelPrice, &h.TermsOfService, &h.TermsOfServiceURL,
		&h.CheckInDate, &ciStatus, &h.CheckInMessage, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.CheckInStatus = models.CheckInStatus(ciStatus)
	return h, nil
}
