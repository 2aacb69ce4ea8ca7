package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"bookable/engine/internal/domain"
	"bookable/engine/internal/policy"
	"bookable/engine/internal/store"
)

// bufferMargin pads overlap-window queries so rows whose effective interval
// reaches into the window through their buffers are not missed. The write
// path rejects buffers above store.MaxBuffer, so no stored row's buffer can
// reach further than this; the exact filtering happens in Go via
// OverlapsInterval.
const bufferMargin = store.MaxBuffer

var activeStatuses = []domain.AppointmentStatus{
	domain.AppointmentStatusPending,
	domain.AppointmentStatusConfirmed,
}

type Repo struct {
	db          *bun.DB
	lockTimeout time.Duration
}

func NewRepo(db *bun.DB, lockTimeout time.Duration) *Repo {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Repo{db: db, lockTimeout: lockTimeout}
}

// InProviderTx serializes all writes for one provider behind a transaction-
// scoped advisory lock, the way concurrent booking attempts are arbitrated.
// Lock waits are bounded by lock_timeout; a timed-out wait surfaces as
// store.ErrBusy with the transaction rolled back.
func (r *Repo) InProviderTx(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context, tx store.ProviderTx) error) error {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockProvider(ctx, tx, providerID, r.lockTimeout); err != nil {
			return err
		}
		return fn(ctx, providerTx{tx: tx})
	})
	if isLockTimeout(err) {
		return store.ErrBusy
	}
	return err
}

func lockProvider(ctx context.Context, tx bun.Tx, providerID uuid.UUID, timeout time.Duration) error {
	if _, err := tx.NewRaw(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())).Exec(ctx); err != nil {
		return err
	}
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", providerID.String()).Exec(ctx)
	return err
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

type providerTx struct {
	tx bun.Tx
}

func (t providerTx) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var appt domain.Appointment
	err := t.tx.NewSelect().Model(&appt).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Appointment{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Appointment{}, err
	}
	return appt, nil
}

func (t providerTx) ListActiveOverlapping(ctx context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	return listActiveOverlapping(ctx, t.tx, providerID, windowStart, windowEnd)
}

func (t providerTx) InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	_, err := t.tx.NewInsert().Model(&appt).Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" && pgErr.ConstraintName == "appointments_no_overlap" {
			return domain.Appointment{}, store.ErrConflict
		}
		return domain.Appointment{}, err
	}
	return appt, nil
}

func (t providerTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	res, err := t.tx.NewUpdate().Model(&appt).WherePK().Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" && pgErr.ConstraintName == "appointments_no_overlap" {
			return domain.Appointment{}, store.ErrConflict
		}
		return domain.Appointment{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		return domain.Appointment{}, store.ErrNotFound
	}
	return appt, nil
}

func (r *Repo) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var appt domain.Appointment
	err := r.db.NewSelect().Model(&appt).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Appointment{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Appointment{}, err
	}
	return appt, nil
}

func (r *Repo) ListActiveOverlapping(ctx context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	return listActiveOverlapping(ctx, r.db, providerID, windowStart, windowEnd)
}

func listActiveOverlapping(ctx context.Context, db bun.IDB, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("status IN (?)", bun.In(activeStatuses)).
		Where("start_time < ?", windowEnd.Add(bufferMargin)).
		Where("end_time > ?", windowStart.Add(-bufferMargin)).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, a := range rows {
		if a.OverlapsInterval(windowStart, windowEnd) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Repo) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from []domain.AppointmentStatus, to domain.AppointmentStatus) (domain.Appointment, error) {
	var appt domain.Appointment
	res, err := r.db.NewUpdate().
		Model(&appt).
		Set("status = ?", to).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(from)).
		Returning("*").
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
	return appt, nil
}

func (r *Repo) WorkingHours(ctx context.Context, providerID uuid.UUID) ([]domain.WorkingHours, error) {
	var rows []domain.WorkingHours
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		OrderExpr("weekday ASC, start_minute ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) TimeOff(ctx context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.TimeOff, error) {
	var rows []domain.TimeOff
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) SpecialAvailability(ctx context.Context, providerID uuid.UUID, dateFrom, dateTo string) ([]domain.SpecialAvailability, error) {
	var rows []domain.SpecialAvailability
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("date >= ?", dateFrom).
		Where("date <= ?", dateTo).
		OrderExpr("date ASC, start_minute ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// providerPolicyRow is the persisted per-provider policy override. Durations
// are stored as bigint nanoseconds, like buffers on appointments.
type providerPolicyRow struct {
	bun.BaseModel `bun:"table:provider_policies"`

	ProviderID   uuid.UUID     `bun:"provider_id,pk,type:uuid"`
	MinLeadTime  time.Duration `bun:"min_lead_time,notnull"`
	MaxAdvance   time.Duration `bun:"max_advance,notnull"`
	SlotStep     time.Duration `bun:"slot_step,notnull"`
	BufferBefore time.Duration `bun:"buffer_before,notnull"`
	BufferAfter  time.Duration `bun:"buffer_after,notnull"`
	Timezone     string        `bun:"timezone,notnull,default:''"`
}

func (r *Repo) ProviderPolicy(ctx context.Context, providerID uuid.UUID) (policy.Rules, bool, error) {
	var row providerPolicyRow
	err := r.db.NewSelect().Model(&row).Where("provider_id = ?", providerID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Rules{}, false, nil
	}
	if err != nil {
		return policy.Rules{}, false, err
	}
	return policy.Rules{
		MinLeadTime:  row.MinLeadTime,
		MaxAdvance:   row.MaxAdvance,
		SlotStep:     row.SlotStep,
		BufferBefore: row.BufferBefore,
		BufferAfter:  row.BufferAfter,
		Timezone:     row.Timezone,
	}, true, nil
}

func (r *Repo) UpsertWorkingHours(ctx context.Context, wh domain.WorkingHours) (domain.WorkingHours, error) {
	_, err := r.db.NewInsert().
		Model(&wh).
		On("CONFLICT (id) DO UPDATE").
		Set("weekday = EXCLUDED.weekday").
		Set("start_minute = EXCLUDED.start_minute").
		Set("end_minute = EXCLUDED.end_minute").
		Set("active = EXCLUDED.active").
		Exec(ctx)
	if err != nil {
		return domain.WorkingHours{}, err
	}
	return wh, nil
}

func (r *Repo) AddTimeOff(ctx context.Context, to domain.TimeOff) (domain.TimeOff, error) {
	if _, err := r.db.NewInsert().Model(&to).Exec(ctx); err != nil {
		return domain.TimeOff{}, err
	}
	return to, nil
}

func (r *Repo) AddSpecialAvailability(ctx context.Context, sa domain.SpecialAvailability) (domain.SpecialAvailability, error) {
	if _, err := r.db.NewInsert().Model(&sa).Exec(ctx); err != nil {
		return domain.SpecialAvailability{}, err
	}
	return sa, nil
}

func (r *Repo) GetPattern(ctx context.Context, id uuid.UUID) (domain.RecurrencePattern, error) {
	var p domain.RecurrencePattern
	err := r.db.NewSelect().Model(&p).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RecurrencePattern{}, store.ErrNotFound
	}
	if err != nil {
		return domain.RecurrencePattern{}, err
	}
	return p, nil
}

func (r *Repo) CreatePattern(ctx context.Context, p domain.RecurrencePattern) (domain.RecurrencePattern, error) {
	if _, err := r.db.NewInsert().Model(&p).Exec(ctx); err != nil {
		return domain.RecurrencePattern{}, err
	}
	return p, nil
}

func (r *Repo) UpdatePattern(ctx context.Context, p domain.RecurrencePattern) (domain.RecurrencePattern, error) {
	res, err := r.db.NewUpdate().Model(&p).WherePK().Exec(ctx)
	if err != nil {
		return domain.RecurrencePattern{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.RecurrencePattern{}, err
	}
	if affected == 0 {
		return domain.RecurrencePattern{}, store.ErrNotFound
	}
	return p, nil
}
