package model

import "time"

const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusCancelled = "CANCELLED"
)

// Event mirrors the content store's event definition into the relational
// store. Ticket types and questions are replaced wholesale on every sync.
type Event struct {
	ID             int64        `db:"id" json:"id"`
	ContentUUID    string       `db:"content_uuid" json:"content_uuid"`
	NameFi         string       `db:"name_fi" json:"name_fi"`
	NameEn         string       `db:"name_en" json:"name_en"`
	LocationFi     string       `db:"location_fi,omitempty" json:"location_fi,omitempty"`
	LocationEn     string       `db:"location_en,omitempty" json:"location_en,omitempty"`
	StartsAt       time.Time    `db:"starts_at" json:"starts_at"`
	EndsAt         time.Time    `db:"ends_at" json:"ends_at"`
	RequiresPickup bool         `db:"requires_pickup" json:"requires_pickup"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
	TicketTypes    []TicketType `json:"ticket_types,omitempty"`
	Questions      []Question   `json:"questions,omitempty"`
}

// TicketType is one purchasable tier of an event, scoped to a membership
// role. Weights are unique within an event; the highest weight the user's
// roles can reach wins. A joint-quota tier shares its seat pool with every
// other joint-quota tier of the same event.
type TicketType struct {
	ID                   int64     `db:"id" json:"id"`
	EventID              int64     `db:"event_id" json:"event_id"`
	RoleUUID             string    `db:"role_uuid" json:"role_uuid"`
	PriceCents           int64     `db:"price_cents" json:"price_cents"`
	TicketsTotal         int       `db:"tickets_total" json:"tickets_total"`
	JointQuota           bool      `db:"joint_quota" json:"joint_quota"`
	Weight               int       `db:"weight" json:"weight"`
	RegistrationStartsAt time.Time `db:"registration_starts_at" json:"registration_starts_at"`
	RegistrationEndsAt   time.Time `db:"registration_ends_at" json:"registration_ends_at"`
}

// Registration is the transactional hold. It counts against capacity and
// against "one active registration per user per event" only while
// deleted_at is null and (payment_completed or reserved_until >= now()).
type Registration struct {
	ID               int64      `db:"id" json:"id"`
	EntraUserUUID    string     `db:"entra_user_uuid" json:"entra_user_uuid"`
	EventID          int64      `db:"event_id" json:"event_id"`
	RoleUUID         *string    `db:"role_uuid" json:"role_uuid,omitempty"`
	PriceCents       int64      `db:"price_cents" json:"price_cents"`
	ReservedUntil    *time.Time `db:"reserved_until" json:"reserved_until,omitempty"`
	PaymentCompleted bool       `db:"payment_completed" json:"payment_completed"`
	DeletedAt        *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
	PickedUp         bool       `db:"picked_up" json:"picked_up"`
	PickupCode       *string    `db:"pickup_code" json:"pickup_code,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Active reports whether the registration still counts against capacity.
func (r *Registration) Active(now time.Time) bool {
	if r.DeletedAt != nil {
		return false
	}
	if r.PaymentCompleted {
		return true
	}
	return r.ReservedUntil != nil && !r.ReservedUntil.Before(now)
}

// Payment is one checkout attempt covering one or more registrations,
// correlated with the provider solely through OrderID.
type Payment struct {
	ID                 int64      `db:"id" json:"id"`
	OrderID            string     `db:"order_id" json:"order_id"`
	AmountCents        int64      `db:"amount_cents" json:"amount_cents"`
	Status             string     `db:"status" json:"status"`
	Language           string     `db:"language" json:"language"`
	ReceiptEmail       string     `db:"receipt_email" json:"-"`
	ConfirmationSentAt *time.Time `db:"confirmation_sent_at" json:"confirmation_sent_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// Question is one entry of an event's question set, mirrored from the
// content store. Kind is one of the closed set in internal/question.
type Question struct {
	ID       int64    `db:"id" json:"id"`
	EventID  int64    `db:"event_id" json:"event_id"`
	Label    string   `db:"label" json:"label"`
	Kind     string   `db:"kind" json:"kind"`
	Options  []string `db:"-" json:"options,omitempty"`
	Required bool     `db:"required" json:"required"`
}

// Answer is a response to one question, keyed to a registration. Answers
// are replaced wholesale on each submission, never patched.
type Answer struct {
	ID             int64  `db:"id" json:"id"`
	RegistrationID int64  `db:"registration_id" json:"registration_id"`
	QuestionID     int64  `db:"question_id" json:"question_id"`
	Value          string `db:"value" json:"value"`
}
