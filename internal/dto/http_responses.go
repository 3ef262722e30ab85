package dto

import (
	"time"

	"github.com/wb-go/wbf/ginext"

	"memberevents/internal/model"
)

const (
	FieldBadFormat     = "FIELD_BADFORMAT"
	FieldIncorrect     = "FIELD_INCORRECT"
	ServiceUnavailable = "SERVICE_UNAVAILABLE"
	InternalError      = "Service is currently unavailable. Please try again later."

	EventNotFound        = "EVENT_NOT_FOUND"
	RegistrationNotFound = "REGISTRATION_NOT_FOUND"
	PaymentNotFound      = "PAYMENT_NOT_FOUND"
	AlreadyRegistered    = "ALREADY_REGISTERED"
	SoldOut              = "SOLD_OUT"
	TicketTypeClosed     = "TICKET_TYPE_CLOSED"
	NoApplicableTier     = "NO_APPLICABLE_TIER"
	NothingToPay         = "NOTHING_TO_PAY"
	PaymentFailed        = "PAYMENT_FAILED"
	Unauthorized         = "UNAUTHORIZED"
)

// SyncTicketType and SyncQuestion validate the tier and question
// definitions fetched from the content store before they are mirrored.
type SyncTicketType struct {
	RoleUUID             string    `json:"role_uuid" validate:"required"`
	PriceCents           int64     `json:"price_cents" validate:"gte=0"`
	TicketsTotal         int       `json:"tickets_total" validate:"positive"`
	JointQuota           bool      `json:"joint_quota"`
	Weight               int       `json:"weight" validate:"gte=0"`
	RegistrationStartsAt time.Time `json:"registration_starts_at" validate:"required"`
	RegistrationEndsAt   time.Time `json:"registration_ends_at" validate:"required"`
}

type SyncQuestion struct {
	Label    string   `json:"label" validate:"required"`
	Kind     string   `json:"kind" validate:"required"`
	Options  []string `json:"options"`
	Required bool     `json:"required"`
}

type AnswerInput struct {
	QuestionID int64  `json:"question_id" validate:"required"`
	Value      string `json:"value"`
}

type RegisterRequest struct {
	Answers []AnswerInput `json:"answers"`
}

type ReplaceAnswersRequest struct {
	Answers []AnswerInput `json:"answers"`
}

type CheckoutRequest struct {
	Language string `json:"language" validate:"required,oneof=fi en"`
}

type RegistrationResponse struct {
	ID               int64      `json:"id"`
	EventID          int64      `json:"event_id"`
	RoleUUID         *string    `json:"role_uuid,omitempty"`
	PriceCents       int64      `json:"price_cents"`
	ReservedUntil    *time.Time `json:"reserved_until,omitempty"`
	PaymentCompleted bool       `json:"payment_completed"`
	PickedUp         bool       `json:"picked_up"`
	PickupCode       *string    `json:"pickup_code,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func NewRegistrationResponse(r *model.Registration) RegistrationResponse {
	return RegistrationResponse{
		ID:               r.ID,
		EventID:          r.EventID,
		RoleUUID:         r.RoleUUID,
		PriceCents:       r.PriceCents,
		ReservedUntil:    r.ReservedUntil,
		PaymentCompleted: r.PaymentCompleted,
		PickedUp:         r.PickedUp,
		PickupCode:       r.PickupCode,
		CreatedAt:        r.CreatedAt,
	}
}

type CheckoutResponse struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
}

type PaymentStatusResponse struct {
	OrderID       string                 `json:"order_id"`
	AmountCents   int64                  `json:"amount_cents"`
	Status        string                 `json:"status"`
	Registrations []RegistrationResponse `json:"registrations"`
}

type TicketTypeResponse struct {
	ID                   int64     `json:"id"`
	RoleUUID             string    `json:"role_uuid"`
	PriceCents           int64     `json:"price_cents"`
	TicketsTotal         int       `json:"tickets_total"`
	SeatsLeft            int       `json:"seats_left"`
	JointQuota           bool      `json:"joint_quota"`
	Weight               int       `json:"weight"`
	RegistrationStartsAt time.Time `json:"registration_starts_at"`
	RegistrationEndsAt   time.Time `json:"registration_ends_at"`
}

type EventResponse struct {
	ID             int64                `json:"id"`
	ContentUUID    string               `json:"content_uuid"`
	NameFi         string               `json:"name_fi"`
	NameEn         string               `json:"name_en"`
	LocationFi     string               `json:"location_fi,omitempty"`
	LocationEn     string               `json:"location_en,omitempty"`
	StartsAt       time.Time            `json:"starts_at"`
	EndsAt         time.Time            `json:"ends_at"`
	RequiresPickup bool                 `json:"requires_pickup"`
	TicketTypes    []TicketTypeResponse `json:"ticket_types,omitempty"`
	Questions      []model.Question     `json:"questions,omitempty"`
}

type Response struct {
	Status string `json:"status"`
	Error  *Error `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type Error struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
}

func BadResponseError(c *ginext.Context, code, desc string) {
	c.JSON(400, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func NotFoundError(c *ginext.Context, code, desc string) {
	c.JSON(404, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func ConflictError(c *ginext.Context, code, desc string) {
	c.JSON(409, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func UnauthorizedError(c *ginext.Context, desc string) {
	c.JSON(401, Response{
		Status: "error",
		Error: &Error{
			Code: Unauthorized,
			Desc: desc,
		},
	})
}

func InternalServerError(c *ginext.Context) {
	c.JSON(500, Response{
		Status: "error",
		Error: &Error{
			Code: ServiceUnavailable,
			Desc: InternalError,
		},
	})
}

func EventNotFoundError(c *ginext.Context) {
	NotFoundError(c, EventNotFound, "Event not found")
}

func RegistrationNotFoundError(c *ginext.Context) {
	NotFoundError(c, RegistrationNotFound, "Registration not found")
}

func SuccessResponse(c *ginext.Context, data any) {
	c.JSON(200, Response{
		Status: "ok",
		Data:   data,
	})
}

func SuccessCreatedResponse(c *ginext.Context, data any) {
	c.JSON(201, Response{
		Status: "ok",
		Data:   data,
	})
}
