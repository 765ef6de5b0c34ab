package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
)

// StationDefaults fill in fields a create request leaves empty.
type StationDefaults struct {
	IdentityName     string
	CentralSystemURL string
	Vendor           string
	Model            string
	ChargingPower    int64
}

type StationsRepo struct {
	db       *pgxpool.Pool
	defaults StationDefaults
}

func NewStationsRepo(db *pgxpool.Pool, defaults StationDefaults) *StationsRepo {
	return &StationsRepo{db: db, defaults: defaults}
}

const stationColumns = `id, identity, vendor, model, central_system_url, meter_value, charge_in_progress,
		       current_transaction_id, current_charging_power, created_at, updated_at`

func scanStation(row pgx.Row, s *models.Station) error {
	return row.Scan(&s.Id, &s.Identity, &s.Vendor, &s.Model, &s.CentralSystemUrl, &s.MeterValue, &s.ChargeInProgress,
		&s.CurrentTransactionId, &s.CurrentChargingPower, &s.CreatedAt, &s.UpdatedAt)
}

// ApplyDefaults fills the empty fields of a new station.
func (d StationDefaults) ApplyDefaults(s *models.Station) {
	if s.Identity == "" {
		s.Identity = d.IdentityName + uuid.NewString()[:8]
	}
	if s.CentralSystemUrl == "" {
		s.CentralSystemUrl = d.CentralSystemURL
	}
	if s.Vendor == "" {
		s.Vendor = d.Vendor
	}
	if s.Model == "" {
		s.Model = d.Model
	}
	if s.CurrentChargingPower == 0 {
		s.CurrentChargingPower = d.ChargingPower
	}
}

func (r *StationsRepo) Create(ctx context.Context, s models.Station) (*models.Station, error) {
	r.defaults.ApplyDefaults(&s)
	row := r.db.QueryRow(ctx, `
		insert into stations (identity, vendor, model, central_system_url, meter_value, charge_in_progress,
		                      current_transaction_id, current_charging_power)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		returning `+stationColumns,
		s.Identity, s.Vendor, s.Model, s.CentralSystemUrl, s.MeterValue, s.ChargeInProgress,
		s.CurrentTransactionId, s.CurrentChargingPower)

	var out models.Station
	if err := scanStation(row, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *StationsRepo) Get(ctx context.Context, id int64) (*models.Station, error) {
	row := r.db.QueryRow(ctx, `select `+stationColumns+` from stations where id=$1`, id)

	var s models.Station
	if err := scanStation(row, &s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *StationsRepo) GetByIdentity(ctx context.Context, identity string) (*models.Station, error) {
	row := r.db.QueryRow(ctx, `select `+stationColumns+` from stations where identity=$1`, identity)

	var s models.Station
	if err := scanStation(row, &s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *StationsRepo) List(ctx context.Context, f models.StationFilter) ([]models.Station, error) {
	rows, err := r.db.Query(ctx, `
		select `+stationColumns+`
		from stations
		where $1 = '' or identity ilike '%' || $1 || '%'
		order by id asc
	`, f.Identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Station
	for rows.Next() {
		var s models.Station
		if err := scanStation(rows, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Update writes the provided fields and refreshes st from the stored row.
func (r *StationsRepo) Update(ctx context.Context, st *models.Station, u models.StationUpdate) error {
	row := r.db.QueryRow(ctx, `
		update stations set
		  identity=coalesce($2, identity),
		  central_system_url=coalesce($3, central_system_url),
		  meter_value=coalesce($4, meter_value),
		  current_charging_power=coalesce($5, current_charging_power),
		  charge_in_progress=coalesce($6, charge_in_progress),
		  current_transaction_id=case when $7::boolean then null else coalesce($8, current_transaction_id) end,
		  updated_at=now()
		where id=$1
		returning `+stationColumns,
		st.Id, u.Identity, u.CentralSystemUrl, u.MeterValue, u.CurrentChargingPower, u.ChargeInProgress,
		u.ClearTransaction, u.CurrentTransactionId)

	if err := scanStation(row, st); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("station %d not found", st.Id)
		}
		return err
	}
	return nil
}

// Reload re-reads st in place.
func (r *StationsRepo) Reload(ctx context.Context, st *models.Station) error {
	row := r.db.QueryRow(ctx, `select `+stationColumns+` from stations where id=$1`, st.Id)
	if err := scanStation(row, st); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("station %d not found", st.Id)
		}
		return err
	}
	return nil
}
