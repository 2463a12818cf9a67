package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/store"
)

type ScheduleRepo struct {
	db *bun.DB
}

func NewScheduleRepo(db *bun.DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

type scheduleTx struct {
	tx bun.Tx
}

func (r *ScheduleRepo) GetResource(ctx context.Context, id uuid.UUID) (domain.Resource, error) {
	var res domain.Resource
	err := r.db.NewSelect().
		Model(&res).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Resource{}, mapNotFound(err)
	}
	return res, nil
}

func (r *ScheduleRepo) ListResources(ctx context.Context) ([]domain.Resource, error) {
	var rows []domain.Resource
	err := r.db.NewSelect().
		Model(&rows).
		OrderExpr("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ScheduleRepo) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var appt domain.Appointment
	err := r.db.NewSelect().
		Model(&appt).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Appointment{}, mapNotFound(err)
	}
	return appt, nil
}

func (r *ScheduleRepo) ListAppointments(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("resource_id = ?", resourceID).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ScheduleRepo) ListSeriesAppointments(ctx context.Context, seriesID uuid.UUID) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("series_id = ?", seriesID).
		OrderExpr("sequence_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ScheduleRepo) GetBlackout(ctx context.Context, id uuid.UUID) (domain.BlackoutInterval, error) {
	var b domain.BlackoutInterval
	err := r.db.NewSelect().
		Model(&b).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.BlackoutInterval{}, mapNotFound(err)
	}
	return b, nil
}

// ListBlackouts returns resource-scoped and global blackouts that may block
// time inside the window. Recurring blackouts are returned whenever their
// anchor precedes the window end; expansion decides actual coverage.
func (r *ScheduleRepo) ListBlackouts(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.BlackoutInterval, error) {
	var rows []domain.BlackoutInterval
	err := r.db.NewSelect().
		Model(&rows).
		Where("resource_id = ? OR resource_id IS NULL", resourceID).
		Where("start_time < ?", windowEnd).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("recurrence != ?", domain.BlackoutRecurrenceNone).
				WhereOr("end_time > ?", windowStart).
				WhereOr("full_day = TRUE")
		}).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ScheduleRepo) CreateBlackout(ctx context.Context, b domain.BlackoutInterval) (domain.BlackoutInterval, error) {
	_, err := r.db.NewInsert().Model(&b).Exec(ctx)
	if err != nil {
		return domain.BlackoutInterval{}, err
	}
	return b, nil
}

// LoadHolidaySnapshot reads the full holiday table into an immutable
// snapshot. The version is the max created_at in unix nanoseconds, so two
// loads agree whenever the table has not changed in between.
func (r *ScheduleRepo) LoadHolidaySnapshot(ctx context.Context) (domain.HolidaySnapshot, error) {
	var rows []domain.HolidayDate
	err := r.db.NewSelect().
		Model(&rows).
		OrderExpr("day ASC").
		Scan(ctx)
	if err != nil {
		return domain.HolidaySnapshot{}, err
	}

	var version int64
	for _, h := range rows {
		if v := h.CreatedAt.UnixNano(); v > version {
			version = v
		}
	}
	return domain.NewHolidaySnapshot(version, rows), nil
}

func (r *ScheduleRepo) GetSeries(ctx context.Context, id uuid.UUID) (domain.RecurringSeries, error) {
	var s domain.RecurringSeries
	err := r.db.NewSelect().
		Model(&s).
		Relation("Pattern").
		Where("rs.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.RecurringSeries{}, mapNotFound(err)
	}
	return s, nil
}

func (r *ScheduleRepo) InResourceTransaction(ctx context.Context, resourceID uuid.UUID, fn func(ctx context.Context, tx store.ScheduleTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockResourceSchedule(ctx, tx, resourceID); err != nil {
			return err
		}
		return fn(ctx, scheduleTx{tx: tx})
	})
}

func lockResourceSchedule(ctx context.Context, tx bun.Tx, resourceID uuid.UUID) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", resourceID.String()).Exec(ctx)
	return err
}

func (t scheduleTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	_, err := t.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == "23P01" && pgErr.ConstraintName == "appointments_no_overlap" {
				return domain.Appointment{}, store.ErrConflict
			}
			if pgErr.Code == "23505" {
				var existing domain.Appointment
				selectErr := t.tx.NewSelect().
					Model(&existing).
					Where("id = ?", m.ID).
					Limit(1).
					Scan(ctx)
				if selectErr != nil {
					return domain.Appointment{}, err
				}

				if existing.ResourceID != appt.ResourceID ||
					existing.ClientID != appt.ClientID ||
					!existing.StartTime.Equal(appt.StartTime) ||
					!existing.EndTime.Equal(appt.EndTime) {
					return domain.Appointment{}, store.ErrIdempotencyConflict
				}

				return existing, nil
			}
		}
		return domain.Appointment{}, err
	}

	return m, nil
}

func (t scheduleTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	res, err := t.tx.NewUpdate().
		Model(&m).
		WherePK().
		Exec(ctx)
	if err != nil {
		return domain.Appointment{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		return domain.Appointment{}, store.ErrNotFound
	}
	return m, nil
}

func (t scheduleTx) ListAppointments(ctx context.Context, resourceID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := t.tx.NewSelect().
		Model(&rows).
		Where("resource_id = ?", resourceID).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t scheduleTx) ListSeriesAppointments(ctx context.Context, seriesID uuid.UUID) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := t.tx.NewSelect().
		Model(&rows).
		Where("series_id = ?", seriesID).
		OrderExpr("sequence_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t scheduleTx) CreatePattern(ctx context.Context, p domain.RecurrencePattern) (domain.RecurrencePattern, error) {
	m := p
	_, err := t.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		return domain.RecurrencePattern{}, err
	}
	return m, nil
}

func (t scheduleTx) CreateSeries(ctx context.Context, s domain.RecurringSeries) (domain.RecurringSeries, error) {
	m := s
	m.Pattern = nil
	_, err := t.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		return domain.RecurringSeries{}, err
	}
	m.Pattern = s.Pattern
	return m, nil
}

func (t scheduleTx) UpdateSeries(ctx context.Context, s domain.RecurringSeries) (domain.RecurringSeries, error) {
	m := s
	m.Pattern = nil
	res, err := t.tx.NewUpdate().
		Model(&m).
		WherePK().
		Exec(ctx)
	if err != nil {
		return domain.RecurringSeries{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.RecurringSeries{}, err
	}
	if affected == 0 {
		return domain.RecurringSeries{}, store.ErrNotFound
	}
	m.Pattern = s.Pattern
	return m, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
