package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/virta-ltd/virtual-ocpp-j-server/internal/models"
)

type OperationsRepo struct{ db *pgxpool.Pool }

func NewOperationsRepo(db *pgxpool.Pool) *OperationsRepo { return &OperationsRepo{db: db} }

func (r *OperationsRepo) Create(ctx context.Context, op models.Operation) (string, error) {
	id := uuid.NewString()
	_, err := r.db.Exec(ctx, `
		insert into station_operations (operation_id, station_id, identity, action, status)
		values ($1,$2,$3,$4,$5)
	`, id, op.StationId, op.Identity, op.Action, models.OperationQueued)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *OperationsRepo) MarkSent(ctx context.Context, id string, request []byte) error {
	_, err := r.db.Exec(ctx, `update station_operations set status='Sent', request=$2, updated_at=now() where operation_id=$1`, id, request)
	return err
}

func (r *OperationsRepo) MarkAnswered(ctx context.Context, id string, response []byte) error {
	_, err := r.db.Exec(ctx, `update station_operations set status='Answered', response=$2, updated_at=now() where operation_id=$1`, id, response)
	return err
}

func (r *OperationsRepo) MarkTimeout(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `update station_operations set status='Timeout', updated_at=now() where operation_id=$1`, id)
	return err
}

func (r *OperationsRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := r.db.Exec(ctx, `update station_operations set status='Failed', error=$2, updated_at=now() where operation_id=$1`, id, errMsg)
	return err
}

func (r *OperationsRepo) ListByStation(ctx context.Context, stationId int64, limit int) ([]models.Operation, error) {
	rows, err := r.db.Query(ctx, `
		select operation_id, station_id, identity, action, request, response, status, error, created_at, updated_at
		from station_operations where station_id=$1
		order by created_at desc
		limit $2
	`, stationId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Operation
	for rows.Next() {
		var op models.Operation
		if err := rows.Scan(&op.OperationId, &op.StationId, &op.Identity, &op.Action, &op.RequestJSON, &op.ResponseJSON,
			&op.Status, &op.Error, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
