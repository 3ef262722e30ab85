package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/dbpg"

	"memberevents/internal/model"
	"memberevents/internal/pickup"
)

var (
	ErrEventNotFound         = errors.New("event not found")
	ErrTicketTypeNotFound    = errors.New("ticket type not found")
	ErrSoldOut               = errors.New("ticket type is sold out")
	ErrAlreadyRegistered     = errors.New("user already holds an active registration for this event")
	ErrRegistrationNotFound  = errors.New("registration not found")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrNothingToPay          = errors.New("no held registrations to pay for")
	ErrNoLinkedRegistrations = errors.New("payment has no linked registrations")
)

// A registration counts against capacity and ownership only while this
// predicate holds. Expiry is passive: nothing ever flips an expired hold,
// it simply stops matching.
const activePredicate = `deleted_at IS NULL AND (payment_completed = TRUE OR reserved_until >= NOW())`

// AssignCode issues a pickup code inside the surrounding transaction; see
// pickup.Issuer.Assign.
type AssignCode func(ctx context.Context, s pickup.Store, registrationID int64) (*string, error)

// ChargeResult is what CreateChargeTx committed: the payment row, the
// registrations it covers and their events (for itemizing and mail).
type ChargeResult struct {
	Payment       model.Payment
	Registrations []model.Registration
	Events        map[int64]model.Event
}

// FinalizeResult reports the outcome of a payment callback. AlreadyFinal
// means the payment was in a terminal state before this call and nothing
// was changed.
type FinalizeResult struct {
	Payment       model.Payment
	Registrations []model.Registration
	Events        map[int64]model.Event
	AlreadyFinal  bool
}

type Repository interface {
	MigrateUp(migrationsDir string) error

	UpsertEventTx(ctx context.Context, e *model.Event) (int64, error)
	GetEventByID(ctx context.Context, id int64) (*model.Event, error)
	GetAllEvents(ctx context.Context) ([]model.Event, error)
	CountActiveRegistrations(ctx context.Context, eventID int64, roleUUIDs []string) (int, error)

	ReserveTx(ctx context.Context, reg *model.Registration, tier *model.TicketType, answers []model.Answer) (int64, error)
	CancelHeld(ctx context.Context, userUUID string, registrationID int64) error
	ActiveRegistrationsByUser(ctx context.Context, userUUID string) ([]model.Registration, error)
	GetOwnedRegistration(ctx context.Context, userUUID string, registrationID int64) (*model.Registration, error)
	ReplaceAnswersTx(ctx context.Context, userUUID string, registrationID int64, answers []model.Answer) error

	CreateChargeTx(ctx context.Context, userUUID, orderID, lang, email string, assign AssignCode) (*ChargeResult, error)
	FinalizePaymentTx(ctx context.Context, orderID string, success bool, assign AssignCode) (*FinalizeResult, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*model.Payment, []model.Registration, error)

	MarkPickedUp(ctx context.Context, code string) (*model.Registration, error)
}

type repository struct {
	db  *dbpg.DB
	log *zerolog.Logger
}

func NewRepository(db *dbpg.DB, log *zerolog.Logger) (Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.Master.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}
	return &repository{db: db, log: log}, nil
}

func (r *repository) MigrateUp(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations applied successfully from %s", migrationsDir)
	return nil
}

// --- events -----------------------------------------------------------

func (r *repository) UpsertEventTx(ctx context.Context, e *model.Event) (int64, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer rollbackOnPanic(tx)

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO events (content_uuid, name_fi, name_en, location_fi, location_en,
		                    starts_at, ends_at, requires_pickup, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (content_uuid) DO UPDATE SET
			name_fi = EXCLUDED.name_fi,
			name_en = EXCLUDED.name_en,
			location_fi = EXCLUDED.location_fi,
			location_en = EXCLUDED.location_en,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			requires_pickup = EXCLUDED.requires_pickup,
			updated_at = NOW()
		RETURNING id
	`, e.ContentUUID, e.NameFi, e.NameEn, e.LocationFi, e.LocationEn,
		e.StartsAt, e.EndsAt, e.RequiresPickup).Scan(&id)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to upsert event: %w", err)
	}

	// Tiers and questions are an eventually consistent mirror of the
	// content store: replaced wholesale, never patched.
	if _, err := tx.ExecContext(ctx, `DELETE FROM ticket_types WHERE event_id = $1`, id); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to clear ticket types: %w", err)
	}
	for _, t := range e.TicketTypes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ticket_types (event_id, role_uuid, price_cents, tickets_total,
			                          joint_quota, weight, registration_starts_at, registration_ends_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id, t.RoleUUID, t.PriceCents, t.TicketsTotal, t.JointQuota, t.Weight,
			t.RegistrationStartsAt, t.RegistrationEndsAt)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to insert ticket type: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE event_id = $1`, id); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to clear questions: %w", err)
	}
	for _, q := range e.Questions {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to encode question options: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO questions (event_id, label, kind, options, required)
			VALUES ($1, $2, $3, $4, $5)
		`, id, q.Label, q.Kind, string(opts), q.Required)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to insert question: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

const eventColumns = `id, content_uuid, name_fi, name_en, location_fi, location_en,
	starts_at, ends_at, requires_pickup, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.ContentUUID, &e.NameFi, &e.NameEn, &e.LocationFi, &e.LocationEn,
		&e.StartsAt, &e.EndsAt, &e.RequiresPickup, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repository) GetEventByID(ctx context.Context, id int64) (*model.Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, ErrEventNotFound
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, role_uuid, price_cents, tickets_total, joint_quota,
		       weight, registration_starts_at, registration_ends_at
		FROM ticket_types WHERE event_id = $1 ORDER BY weight DESC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t model.TicketType
		if err := rows.Scan(&t.ID, &t.EventID, &t.RoleUUID, &t.PriceCents, &t.TicketsTotal,
			&t.JointQuota, &t.Weight, &t.RegistrationStartsAt, &t.RegistrationEndsAt); err != nil {
			return nil, fmt.Errorf("failed to scan ticket type: %w", err)
		}
		e.TicketTypes = append(e.TicketTypes, t)
	}

	qrows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, label, kind, options, required
		FROM questions WHERE event_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get questions: %w", err)
	}
	defer qrows.Close()
	for qrows.Next() {
		var q model.Question
		var opts string
		if err := qrows.Scan(&q.ID, &q.EventID, &q.Label, &q.Kind, &opts, &q.Required); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
			return nil, fmt.Errorf("failed to decode question options: %w", err)
		}
		e.Questions = append(e.Questions, q)
	}

	return e, nil
}

func (r *repository) GetAllEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY starts_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, nil
}

func (r *repository) CountActiveRegistrations(ctx context.Context, eventID int64, roleUUIDs []string) (int, error) {
	query, args := activeCountQuery(eventID, roleUUIDs)
	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count registrations: %w", err)
	}
	return count, nil
}

func activeCountQuery(eventID int64, roleUUIDs []string) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT COUNT(*) FROM event_registrations WHERE event_id = $1 AND ` + activePredicate)
	args := []any{eventID}
	if len(roleUUIDs) > 0 {
		b.WriteString(` AND role_uuid IN (`)
		for i, role := range roleUUIDs {
			if i > 0 {
				b.WriteString(", ")
			}
			args = append(args, role)
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteString(`)`)
	}
	return b.String(), args
}

// --- reservations -----------------------------------------------------

// ReserveTx inserts a hold after re-checking capacity under row locks.
// The ticket type row (or every row of a joint pool, in id order) is
// locked FOR UPDATE first, so two concurrent reserves for the last seat
// serialize on the lock and the loser sees the winner's row in the count.
// A plain read-then-insert without the lock would oversell.
//
// tier is nil for free-form events (no ticket types): no capacity check,
// only the one-active-registration-per-user rule.
func (r *repository) ReserveTx(ctx context.Context, reg *model.Registration, tier *model.TicketType, answers []model.Answer) (int64, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer rollbackOnPanic(tx)

	if tier != nil {
		poolRoles := []string{tier.RoleUUID}
		capacity := tier.TicketsTotal

		if tier.JointQuota {
			rows, err := tx.QueryContext(ctx, `
				SELECT role_uuid, tickets_total FROM ticket_types
				WHERE event_id = $1 AND joint_quota = TRUE
				ORDER BY id
				FOR UPDATE
			`, reg.EventID)
			if err != nil {
				_ = tx.Rollback()
				return 0, fmt.Errorf("failed to lock joint quota pool: %w", err)
			}
			poolRoles = poolRoles[:0]
			found := false
			for rows.Next() {
				var role string
				var total int
				if err := rows.Scan(&role, &total); err != nil {
					rows.Close()
					_ = tx.Rollback()
					return 0, fmt.Errorf("failed to scan joint pool role: %w", err)
				}
				if role == tier.RoleUUID {
					capacity = total
					found = true
				}
				poolRoles = append(poolRoles, role)
			}
			rows.Close()
			if !found {
				_ = tx.Rollback()
				return 0, ErrTicketTypeNotFound
			}
		} else {
			err = tx.QueryRowContext(ctx, `
				SELECT tickets_total FROM ticket_types WHERE id = $1 FOR UPDATE
			`, tier.ID).Scan(&capacity)
			if err != nil {
				_ = tx.Rollback()
				return 0, ErrTicketTypeNotFound
			}
		}

		query, args := activeCountQuery(reg.EventID, poolRoles)
		var count int
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to count registrations: %w", err)
		}
		if count >= capacity {
			_ = tx.Rollback()
			return 0, ErrSoldOut
		}
	} else {
		// A free-form event has no tier row to lock, so two concurrent
		// registrations by the same user would both pass the EXISTS check
		// below. Serialize them on a per-(event, user) advisory lock held
		// until commit.
		if _, err := tx.ExecContext(ctx, `
			SELECT pg_advisory_xact_lock(hashtextextended($1::text || ':' || $2, 0))
		`, reg.EventID, reg.EntraUserUUID); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to take registration lock: %w", err)
		}
	}

	var existing bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM event_registrations
			WHERE event_id = $1 AND entra_user_uuid = $2 AND `+activePredicate+`
		)
	`, reg.EventID, reg.EntraUserUUID).Scan(&existing)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to check existing registration: %w", err)
	}
	if existing {
		_ = tx.Rollback()
		return 0, ErrAlreadyRegistered
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO event_registrations
			(entra_user_uuid, event_id, role_uuid, price_cents, reserved_until,
			 payment_completed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id
	`, reg.EntraUserUUID, reg.EventID, reg.RoleUUID, reg.PriceCents,
		reg.ReservedUntil, reg.PaymentCompleted).Scan(&id)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to create registration: %w", err)
	}

	for _, a := range answers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO answers (registration_id, question_id, value)
			VALUES ($1, $2, $3)
		`, id, a.QuestionID, a.Value)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to insert answer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

func (r *repository) CancelHeld(ctx context.Context, userUUID string, registrationID int64) error {
	var id int64
	err := r.db.Master.QueryRowContext(ctx, `
		UPDATE event_registrations
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND entra_user_uuid = $2
		  AND deleted_at IS NULL AND payment_completed = FALSE AND reserved_until >= NOW()
		RETURNING id
	`, registrationID, userUUID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRegistrationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to cancel registration: %w", err)
	}
	return nil
}

const registrationColumns = `id, entra_user_uuid, event_id, role_uuid, price_cents, reserved_until, payment_completed, deleted_at, picked_up, pickup_code, created_at, updated_at`

func scanRegistration(row interface{ Scan(...any) error }) (*model.Registration, error) {
	var reg model.Registration
	err := row.Scan(&reg.ID, &reg.EntraUserUUID, &reg.EventID, &reg.RoleUUID, &reg.PriceCents,
		&reg.ReservedUntil, &reg.PaymentCompleted, &reg.DeletedAt, &reg.PickedUp,
		&reg.PickupCode, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *repository) ActiveRegistrationsByUser(ctx context.Context, userUUID string) ([]model.Registration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+registrationColumns+`
		FROM event_registrations
		WHERE entra_user_uuid = $1 AND `+activePredicate+`
		ORDER BY created_at ASC
	`, userUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to get registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		regs = append(regs, *reg)
	}
	return regs, nil
}

func (r *repository) GetOwnedRegistration(ctx context.Context, userUUID string, registrationID int64) (*model.Registration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+registrationColumns+`
		FROM event_registrations
		WHERE id = $1 AND entra_user_uuid = $2 AND `+activePredicate+`
	`, registrationID, userUUID)
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return reg, nil
}

func (r *repository) ReplaceAnswersTx(ctx context.Context, userUUID string, registrationID int64, answers []model.Answer) error {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer rollbackOnPanic(tx)

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM event_registrations
		WHERE id = $1 AND entra_user_uuid = $2 AND `+activePredicate+`
		FOR UPDATE
	`, registrationID, userUUID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return ErrRegistrationNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to select registration: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM answers WHERE registration_id = $1`, registrationID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear answers: %w", err)
	}
	for _, a := range answers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO answers (registration_id, question_id, value)
			VALUES ($1, $2, $3)
		`, registrationID, a.QuestionID, a.Value)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert answer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- payments ---------------------------------------------------------

// CreateChargeTx gathers every currently held registration of the user
// under row locks, creates the payment row and links it to them in the
// same transaction. A zero total short-circuits the provider entirely:
// the payment is born COMPLETED and the registrations flip to paid here.
func (r *repository) CreateChargeTx(ctx context.Context, userUUID, orderID, lang, email string, assign AssignCode) (*ChargeResult, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer rollbackOnPanic(tx)

	rows, err := tx.QueryContext(ctx, `
		SELECT `+registrationColumns+`
		FROM event_registrations
		WHERE entra_user_uuid = $1 AND deleted_at IS NULL
		  AND payment_completed = FALSE AND reserved_until >= NOW()
		ORDER BY id
		FOR UPDATE
	`, userUUID)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to lock held registrations: %w", err)
	}
	regs, err := collectRegistrations(rows)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if len(regs) == 0 {
		_ = tx.Rollback()
		return nil, ErrNothingToPay
	}

	var total int64
	for _, reg := range regs {
		total += reg.PriceCents
	}

	status := model.PaymentStatusPending
	if total == 0 {
		status = model.PaymentStatusCompleted
	}

	var p model.Payment
	p.OrderID = orderID
	p.AmountCents = total
	p.Status = status
	p.Language = lang
	p.ReceiptEmail = email
	err = tx.QueryRowContext(ctx, `
		INSERT INTO payments (order_id, amount_cents, status, language, receipt_email, confirmation_sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, CASE WHEN $3 = 'COMPLETED' THEN NOW() END, NOW())
		RETURNING id, confirmation_sent_at, created_at
	`, orderID, total, status, lang, email).Scan(&p.ID, &p.ConfirmationSentAt, &p.CreatedAt)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	for _, reg := range regs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payment_registrations (payment_id, registration_id) VALUES ($1, $2)
		`, p.ID, reg.ID)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to link registration to payment: %w", err)
		}
	}

	events, err := eventsForRegistrations(ctx, tx, regs)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if total == 0 {
		if err := completeRegistrations(ctx, tx, regs, events, assign); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &ChargeResult{Payment: p, Registrations: regs, Events: events}, nil
}

// FinalizePaymentTx applies the provider's verdict exactly once. The
// payment row is locked and its status re-checked inside the transaction,
// so duplicate callbacks (provider retries, double-clicked returns) see a
// terminal state and change nothing.
func (r *repository) FinalizePaymentTx(ctx context.Context, orderID string, success bool, assign AssignCode) (*FinalizeResult, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer rollbackOnPanic(tx)

	p, err := lockPayment(ctx, tx, orderID)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if p.Status != model.PaymentStatusPending {
		regs, err := paymentRegistrations(ctx, tx, p.ID, false)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		_ = tx.Rollback()
		return &FinalizeResult{Payment: *p, Registrations: regs, AlreadyFinal: true}, nil
	}

	if !success {
		// Held registrations stay visible for a retry and expire
		// passively via reserved_until if the user never comes back.
		if _, err := tx.ExecContext(ctx, `
			UPDATE payments SET status = $1 WHERE id = $2
		`, model.PaymentStatusCancelled, p.ID); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to cancel payment: %w", err)
		}
		p.Status = model.PaymentStatusCancelled
		regs, err := paymentRegistrations(ctx, tx, p.ID, false)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &FinalizeResult{Payment: *p, Registrations: regs}, nil
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, confirmation_sent_at = NOW() WHERE id = $2
	`, model.PaymentStatusCompleted, p.ID); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to complete payment: %w", err)
	}
	p.Status = model.PaymentStatusCompleted
	p.ConfirmationSentAt = &now

	regs, err := paymentRegistrations(ctx, tx, p.ID, true)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if len(regs) == 0 {
		_ = tx.Rollback()
		r.log.Error().Str("order_id", orderID).Msg("payment has no linked registrations")
		return nil, ErrNoLinkedRegistrations
	}

	events, err := eventsForRegistrations(ctx, tx, regs)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := completeRegistrations(ctx, tx, regs, events, assign); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &FinalizeResult{Payment: *p, Registrations: regs, Events: events}, nil
}

func (r *repository) GetPaymentByOrderID(ctx context.Context, orderID string) (*model.Payment, []model.Registration, error) {
	var p model.Payment
	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_id, amount_cents, status, language, receipt_email, confirmation_sent_at, created_at
		FROM payments WHERE order_id = $1
	`, orderID).Scan(&p.ID, &p.OrderID, &p.AmountCents, &p.Status, &p.Language,
		&p.ReceiptEmail, &p.ConfirmationSentAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get payment: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixedRegistrationColumns+`
		FROM event_registrations r
		JOIN payment_registrations pr ON pr.registration_id = r.id
		WHERE pr.payment_id = $1
		ORDER BY r.id
	`, p.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get payment registrations: %w", err)
	}
	regs, err := collectRegistrations(rows)
	if err != nil {
		return nil, nil, err
	}
	return &p, regs, nil
}

func (r *repository) MarkPickedUp(ctx context.Context, code string) (*model.Registration, error) {
	row := r.db.Master.QueryRowContext(ctx, `
		UPDATE event_registrations
		SET picked_up = TRUE, updated_at = NOW()
		WHERE pickup_code = $1 AND payment_completed = TRUE AND deleted_at IS NULL
		RETURNING `+registrationColumns+`
	`, code)
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark pickup: %w", err)
	}
	return reg, nil
}

// --- helpers ----------------------------------------------------------

var prefixedRegistrationColumns = "r." + strings.ReplaceAll(registrationColumns, ", ", ", r.")

func rollbackOnPanic(tx *sql.Tx) {
	if p := recover(); p != nil {
		_ = tx.Rollback()
		panic(p)
	}
}

func collectRegistrations(rows *sql.Rows) ([]model.Registration, error) {
	defer rows.Close()
	var regs []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		regs = append(regs, *reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read registrations: %w", err)
	}
	return regs, nil
}

func lockPayment(ctx context.Context, tx *sql.Tx, orderID string) (*model.Payment, error) {
	var p model.Payment
	err := tx.QueryRowContext(ctx, `
		SELECT id, order_id, amount_cents, status, language, receipt_email, confirmation_sent_at, created_at
		FROM payments WHERE order_id = $1
		FOR UPDATE
	`, orderID).Scan(&p.ID, &p.OrderID, &p.AmountCents, &p.Status, &p.Language,
		&p.ReceiptEmail, &p.ConfirmationSentAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}
	return &p, nil
}

func paymentRegistrations(ctx context.Context, tx *sql.Tx, paymentID int64, lock bool) ([]model.Registration, error) {
	query := `
		SELECT ` + prefixedRegistrationColumns + `
		FROM event_registrations r
		JOIN payment_registrations pr ON pr.registration_id = r.id
		WHERE pr.payment_id = $1
		ORDER BY r.id`
	if lock {
		query += `
		FOR UPDATE OF r`
	}
	rows, err := tx.QueryContext(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment registrations: %w", err)
	}
	return collectRegistrations(rows)
}

func eventsForRegistrations(ctx context.Context, tx *sql.Tx, regs []model.Registration) (map[int64]model.Event, error) {
	events := make(map[int64]model.Event, len(regs))
	for _, reg := range regs {
		if _, ok := events[reg.EventID]; ok {
			continue
		}
		row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, reg.EventID)
		e, err := scanEvent(row)
		if err != nil {
			return nil, fmt.Errorf("failed to get event %d: %w", reg.EventID, err)
		}
		events[reg.EventID] = *e
	}
	return events, nil
}

// completeRegistrations flips the registrations to paid and hands out
// pickup codes where the event requires one, all inside the caller's
// transaction.
func completeRegistrations(ctx context.Context, tx *sql.Tx, regs []model.Registration, events map[int64]model.Event, assign AssignCode) error {
	store := &txPickupStore{tx: tx}
	for i := range regs {
		reg := &regs[i]
		if _, err := tx.ExecContext(ctx, `
			UPDATE event_registrations
			SET payment_completed = TRUE, reserved_until = NULL, updated_at = NOW()
			WHERE id = $1
		`, reg.ID); err != nil {
			return fmt.Errorf("failed to complete registration %d: %w", reg.ID, err)
		}
		reg.PaymentCompleted = true
		reg.ReservedUntil = nil

		if assign == nil {
			continue
		}
		if e, ok := events[reg.EventID]; !ok || !e.RequiresPickup {
			continue
		}
		code, err := assign(ctx, store, reg.ID)
		if err != nil {
			return fmt.Errorf("failed to assign pickup code: %w", err)
		}
		reg.PickupCode = code
	}
	return nil
}

// txPickupStore lets the pickup issuer work inside an open transaction so
// code assignment commits atomically with payment finalization.
type txPickupStore struct {
	tx *sql.Tx
}

func (s *txPickupStore) ExistingCode(ctx context.Context, registrationID int64) (*string, error) {
	var code *string
	err := s.tx.QueryRowContext(ctx, `
		SELECT pickup_code FROM event_registrations WHERE id = $1
	`, registrationID).Scan(&code)
	if err != nil {
		return nil, err
	}
	return code, nil
}

func (s *txPickupStore) CodeTaken(ctx context.Context, code string) (bool, error) {
	var taken bool
	err := s.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM event_registrations WHERE pickup_code = $1)
	`, code).Scan(&taken)
	return taken, err
}

func (s *txPickupStore) SaveCode(ctx context.Context, registrationID int64, code string) error {
	_, err := s.tx.ExecContext(ctx, `
		UPDATE event_registrations SET pickup_code = $1, updated_at = NOW() WHERE id = $2
	`, code, registrationID)
	return err
}
