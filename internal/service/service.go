package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/ginext"

	"memberevents/internal/auth"
	"memberevents/internal/contentstore"
	"memberevents/internal/dto"
	"memberevents/internal/model"
	"memberevents/internal/payment"
	"memberevents/internal/pickup"
	"memberevents/internal/pubsub"
	"memberevents/internal/question"
	"memberevents/internal/quota"
	"memberevents/internal/repo"
	"memberevents/pkg/validator"
)

// ChargeClient is the outbound payment gateway surface.
type ChargeClient interface {
	CreateCharge(ctx context.Context, orderID, lang string, amountCents int64, items []payment.ChargeItem) (string, error)
	ValidateReturn(q url.Values) (orderID string, paid bool, err error)
}

// ReceiptMailer sends the aggregated receipt for a payment. Best-effort.
type ReceiptMailer interface {
	SendReceipt(to string, p *model.Payment, regs []model.Registration, events map[int64]model.Event) error
}

// FeedPublisher broadcasts pickup updates to every instance's hub.
type FeedPublisher interface {
	Publish(u pubsub.Update) error
}

// ContentSource is the read-only content store client.
type ContentSource interface {
	GetEvent(ctx context.Context, lang, contentUUID string) (*model.Event, error)
	Invalidate(ctx context.Context, tags ...string)
}

type Config struct {
	// HoldWindow is how long an unpaid reservation blocks a seat.
	HoldWindow time.Duration
	// DefaultRoleUUID identifies the no-role fallback tier, if an event
	// configures one.
	DefaultRoleUUID string
	// ConfirmationURL is where a zero-cost checkout sends the user.
	ConfirmationURL string
}

type Service interface {
	SyncEvent(ctx *ginext.Context)
	GetAllEvents(ctx *ginext.Context)
	GetEvent(ctx *ginext.Context)
	Register(ctx *ginext.Context)
	MyRegistrations(ctx *ginext.Context)
	CancelRegistration(ctx *ginext.Context)
	ReplaceAnswers(ctx *ginext.Context)
	Checkout(ctx *ginext.Context)
	PaymentReturn(ctx *ginext.Context)
	PaymentStatus(ctx *ginext.Context)
	MarkPickedUp(ctx *ginext.Context)
	PickupStream(ctx *ginext.Context)
}

type service struct {
	repo     repo.Repository
	log      *zerolog.Logger
	provider ChargeClient
	mailer   ReceiptMailer
	feed     FeedPublisher
	hub      *pubsub.Hub
	content  ContentSource
	issuer   *pickup.Issuer
	cfg      Config
}

func NewService(r repo.Repository, logger *zerolog.Logger, provider ChargeClient, mailer ReceiptMailer,
	feed FeedPublisher, hub *pubsub.Hub, content ContentSource, issuer *pickup.Issuer, cfg Config) Service {
	return &service{
		repo:     r,
		log:      logger,
		provider: provider,
		mailer:   mailer,
		feed:     feed,
		hub:      hub,
		content:  content,
		issuer:   issuer,
		cfg:      cfg,
	}
}

// --- events -----------------------------------------------------------

// SyncEvent refreshes the relational mirror of one event from the content
// store. Duplicate tier weights are a content defect and refused here.
func (s *service) SyncEvent(ctx *ginext.Context) {
	contentUUID := ctx.Param("uuid")
	if contentUUID == "" {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Missing event uuid")
		return
	}
	lang := ctx.DefaultQuery("lang", "fi")

	s.content.Invalidate(ctx.Request.Context(), "event-"+contentUUID)
	event, err := s.content.GetEvent(ctx.Request.Context(), lang, contentUUID)
	if err != nil {
		if errors.Is(err, contentstore.ErrNotFound) {
			dto.EventNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Str("content_uuid", contentUUID).Msg("failed to fetch event from content store")
		dto.InternalServerError(ctx)
		return
	}

	if err := quota.ValidateWeights(event.TicketTypes); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", err))
		return
	}
	for _, t := range event.TicketTypes {
		st := dto.SyncTicketType{
			RoleUUID:             t.RoleUUID,
			PriceCents:           t.PriceCents,
			TicketsTotal:         t.TicketsTotal,
			JointQuota:           t.JointQuota,
			Weight:               t.Weight,
			RegistrationStartsAt: t.RegistrationStartsAt,
			RegistrationEndsAt:   t.RegistrationEndsAt,
		}
		if verr := validator.Validate(ctx, st); verr != nil {
			dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
			return
		}
	}
	for _, q := range event.Questions {
		sq := dto.SyncQuestion{Label: q.Label, Kind: q.Kind, Options: q.Options, Required: q.Required}
		if verr := validator.Validate(ctx, sq); verr != nil {
			dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
			return
		}
		if _, err := question.ParseKind(q.Kind); err != nil {
			dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", err))
			return
		}
	}

	id, err := s.repo.UpsertEventTx(ctx.Request.Context(), event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to upsert event mirror")
		dto.InternalServerError(ctx)
		return
	}
	event.ID = id

	s.log.Info().Int64("event_id", id).Str("content_uuid", contentUUID).Msg("event mirror synced")
	dto.SuccessResponse(ctx, map[string]any{"id": id})
}

func (s *service) GetAllEvents(ctx *ginext.Context) {
	events, err := s.repo.GetAllEvents(ctx.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list events")
		dto.InternalServerError(ctx)
		return
	}

	resp := make([]dto.EventResponse, 0, len(events))
	for i := range events {
		resp = append(resp, eventResponse(&events[i], nil))
	}
	dto.SuccessResponse(ctx, resp)
}

func (s *service) GetEvent(ctx *ginext.Context) {
	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	event, err := s.repo.GetEventByID(ctx.Request.Context(), eventID)
	if err != nil {
		dto.EventNotFoundError(ctx)
		return
	}

	seats := make(map[int64]int, len(event.TicketTypes))
	for _, t := range event.TicketTypes {
		count, err := s.repo.CountActiveRegistrations(ctx.Request.Context(), eventID, tierPoolRoles(event, &t))
		if err != nil {
			s.log.Error().Err(err).Msg("failed to count registrations")
			dto.InternalServerError(ctx)
			return
		}
		left := t.TicketsTotal - count
		if left < 0 {
			left = 0
		}
		seats[t.ID] = left
	}

	dto.SuccessResponse(ctx, eventResponse(event, seats))
}

// --- registrations ----------------------------------------------------

// Register resolves the caller's ticket tier and inserts a time-bounded
// hold. An event without ticket types is free-form: the registration is
// complete immediately, with no quota and no payment.
func (s *service) Register(ctx *ginext.Context) {
	userUUID := auth.UserUUID(ctx)
	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	var req dto.RegisterRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldBadFormat, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	event, err := s.repo.GetEventByID(ctx.Request.Context(), eventID)
	if err != nil {
		dto.EventNotFoundError(ctx)
		return
	}

	answers := toAnswers(req.Answers)
	if err := question.ValidateSet(event.Questions, answers); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", err))
		return
	}

	reg := &model.Registration{
		EntraUserUUID: userUUID,
		EventID:       eventID,
	}

	var tier *model.TicketType
	if len(event.TicketTypes) > 0 {
		resolved, ok := quota.Resolve(auth.Roles(ctx), event.TicketTypes, s.cfg.DefaultRoleUUID)
		if !ok {
			dto.BadResponseError(ctx, dto.NoApplicableTier, "No ticket type available for your membership roles")
			return
		}
		tier = resolved

		now := time.Now()
		if now.Before(tier.RegistrationStartsAt) || now.After(tier.RegistrationEndsAt) {
			dto.BadResponseError(ctx, dto.TicketTypeClosed, "Registration is not open for your ticket type")
			return
		}

		reservedUntil := now.Add(s.cfg.HoldWindow)
		reg.RoleUUID = &tier.RoleUUID
		reg.PriceCents = tier.PriceCents
		reg.ReservedUntil = &reservedUntil
	} else {
		reg.PaymentCompleted = true
	}

	id, err := s.repo.ReserveTx(ctx.Request.Context(), reg, tier, answers)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrSoldOut):
			dto.ConflictError(ctx, dto.SoldOut, "Event is sold out for your ticket type")
		case errors.Is(err, repo.ErrAlreadyRegistered):
			dto.ConflictError(ctx, dto.AlreadyRegistered, "You already have an active registration for this event")
		case errors.Is(err, repo.ErrEventNotFound), errors.Is(err, repo.ErrTicketTypeNotFound):
			dto.EventNotFoundError(ctx)
		default:
			s.log.Error().Err(err).Msg("failed to reserve registration")
			dto.InternalServerError(ctx)
		}
		return
	}
	reg.ID = id
	reg.CreatedAt = time.Now()

	s.log.Info().
		Int64("registration_id", id).
		Int64("event_id", eventID).
		Str("user", userUUID).
		Msg("registration held")
	dto.SuccessCreatedResponse(ctx, dto.NewRegistrationResponse(reg))
}

func (s *service) MyRegistrations(ctx *ginext.Context) {
	regs, err := s.repo.ActiveRegistrationsByUser(ctx.Request.Context(), auth.UserUUID(ctx))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list registrations")
		dto.InternalServerError(ctx)
		return
	}

	resp := make([]dto.RegistrationResponse, 0, len(regs))
	for i := range regs {
		resp = append(resp, dto.NewRegistrationResponse(&regs[i]))
	}
	dto.SuccessResponse(ctx, resp)
}

func (s *service) CancelRegistration(ctx *ginext.Context) {
	regID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid registration ID")
		return
	}

	if err := s.repo.CancelHeld(ctx.Request.Context(), auth.UserUUID(ctx), regID); err != nil {
		if errors.Is(err, repo.ErrRegistrationNotFound) {
			dto.RegistrationNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Msg("failed to cancel registration")
		dto.InternalServerError(ctx)
		return
	}

	s.log.Info().Int64("registration_id", regID).Msg("registration cancelled")
	dto.SuccessResponse(ctx, map[string]any{"id": regID})
}

func (s *service) ReplaceAnswers(ctx *ginext.Context) {
	userUUID := auth.UserUUID(ctx)
	regID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid registration ID")
		return
	}

	var req dto.ReplaceAnswersRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldBadFormat, "Invalid JSON format")
		return
	}

	reg, err := s.repo.GetOwnedRegistration(ctx.Request.Context(), userUUID, regID)
	if err != nil {
		dto.RegistrationNotFoundError(ctx)
		return
	}
	event, err := s.repo.GetEventByID(ctx.Request.Context(), reg.EventID)
	if err != nil {
		dto.EventNotFoundError(ctx)
		return
	}

	answers := toAnswers(req.Answers)
	if err := question.ValidateSet(event.Questions, answers); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", err))
		return
	}

	if err := s.repo.ReplaceAnswersTx(ctx.Request.Context(), userUUID, regID, answers); err != nil {
		if errors.Is(err, repo.ErrRegistrationNotFound) {
			dto.RegistrationNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Msg("failed to replace answers")
		dto.InternalServerError(ctx)
		return
	}
	dto.SuccessResponse(ctx, map[string]any{"id": regID})
}

// --- payments ---------------------------------------------------------

// Checkout aggregates every held registration of the caller into one
// charge. A zero total never reaches the provider: the payment is created
// COMPLETED, the receipt goes out immediately and the user is sent to the
// confirmation page.
func (s *service) Checkout(ctx *ginext.Context) {
	userUUID := auth.UserUUID(ctx)

	var req dto.CheckoutRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldBadFormat, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	orderID := uuid.NewString()
	result, err := s.repo.CreateChargeTx(ctx.Request.Context(), userUUID, orderID, req.Language, auth.Email(ctx), s.issuer.Assign)
	if err != nil {
		if errors.Is(err, repo.ErrNothingToPay) {
			dto.BadResponseError(ctx, dto.NothingToPay, "You have no held registrations to pay for")
			return
		}
		s.log.Error().Err(err).Msg("failed to create charge")
		dto.InternalServerError(ctx)
		return
	}

	if result.Payment.Status == model.PaymentStatusCompleted {
		if err := s.mailer.SendReceipt(result.Payment.ReceiptEmail, &result.Payment, result.Registrations, result.Events); err != nil {
			s.log.Warn().Err(err).Str("order_id", orderID).Msg("failed to send receipt email")
		}
		s.log.Info().Str("order_id", orderID).Msg("zero-cost checkout completed")
		dto.SuccessResponse(ctx, dto.CheckoutResponse{
			OrderID:     orderID,
			AmountCents: 0,
			Status:      model.PaymentStatusCompleted,
			RedirectURL: s.cfg.ConfirmationURL,
		})
		return
	}

	items := chargeItems(result, req.Language)
	redirectURL, err := s.provider.CreateCharge(ctx.Request.Context(), orderID, req.Language, result.Payment.AmountCents, items)
	if err != nil {
		s.log.Error().Err(err).Str("order_id", orderID).Msg("provider charge creation failed")
		dto.BadResponseError(ctx, dto.PaymentFailed, "Payment failed, please try again")
		return
	}

	s.log.Info().
		Str("order_id", orderID).
		Int64("amount_cents", result.Payment.AmountCents).
		Msg("charge created")
	dto.SuccessResponse(ctx, dto.CheckoutResponse{
		OrderID:     orderID,
		AmountCents: result.Payment.AmountCents,
		Status:      model.PaymentStatusPending,
		RedirectURL: redirectURL,
	})
}

// PaymentReturn is the provider's signed callback. Signature failures
// mutate nothing; a payment already in a terminal state is a safe no-op;
// errors after validation surface as 5xx so the provider retries.
func (s *service) PaymentReturn(ctx *ginext.Context) {
	orderID, paid, err := s.provider.ValidateReturn(ctx.Request.URL.Query())
	if err != nil {
		s.log.Warn().Err(err).Msg("invalid payment return")
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid payment return parameters")
		return
	}

	result, err := s.repo.FinalizePaymentTx(ctx.Request.Context(), orderID, paid, s.issuer.Assign)
	if err != nil {
		if errors.Is(err, repo.ErrPaymentNotFound) {
			dto.NotFoundError(ctx, dto.PaymentNotFound, "Payment not found")
			return
		}
		s.log.Error().Err(err).Str("order_id", orderID).Msg("failed to finalize payment")
		dto.InternalServerError(ctx)
		return
	}

	if result.AlreadyFinal {
		s.log.Info().Str("order_id", orderID).Str("status", result.Payment.Status).Msg("duplicate payment callback ignored")
		dto.SuccessResponse(ctx, dto.PaymentStatusResponse{
			OrderID:     result.Payment.OrderID,
			AmountCents: result.Payment.AmountCents,
			Status:      result.Payment.Status,
		})
		return
	}

	if result.Payment.Status == model.PaymentStatusCompleted {
		if err := s.mailer.SendReceipt(result.Payment.ReceiptEmail, &result.Payment, result.Registrations, result.Events); err != nil {
			s.log.Warn().Err(err).Str("order_id", orderID).Msg("failed to send receipt email")
		}
	}

	s.log.Info().
		Str("order_id", orderID).
		Str("status", result.Payment.Status).
		Int("registrations", len(result.Registrations)).
		Msg("payment finalized")
	dto.SuccessResponse(ctx, dto.PaymentStatusResponse{
		OrderID:     result.Payment.OrderID,
		AmountCents: result.Payment.AmountCents,
		Status:      result.Payment.Status,
	})
}

// PaymentStatus re-derives the payment outcome from stored state for the
// user-facing result page; the redirect parameters alone are never
// trusted for this.
func (s *service) PaymentStatus(ctx *ginext.Context) {
	orderID := ctx.Param("orderId")
	p, regs, err := s.repo.GetPaymentByOrderID(ctx.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, repo.ErrPaymentNotFound) {
			dto.NotFoundError(ctx, dto.PaymentNotFound, "Payment not found")
			return
		}
		s.log.Error().Err(err).Msg("failed to get payment")
		dto.InternalServerError(ctx)
		return
	}

	userUUID := auth.UserUUID(ctx)
	owned := false
	for _, reg := range regs {
		if reg.EntraUserUUID == userUUID {
			owned = true
			break
		}
	}
	if !owned {
		dto.NotFoundError(ctx, dto.PaymentNotFound, "Payment not found")
		return
	}

	resp := dto.PaymentStatusResponse{
		OrderID:     p.OrderID,
		AmountCents: p.AmountCents,
		Status:      p.Status,
	}
	for i := range regs {
		resp.Registrations = append(resp.Registrations, dto.NewRegistrationResponse(&regs[i]))
	}
	dto.SuccessResponse(ctx, resp)
}

// --- pickup -----------------------------------------------------------

func (s *service) MarkPickedUp(ctx *ginext.Context) {
	code := ctx.Param("code")
	reg, err := s.repo.MarkPickedUp(ctx.Request.Context(), code)
	if err != nil {
		if errors.Is(err, repo.ErrRegistrationNotFound) {
			dto.RegistrationNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Msg("failed to mark pickup")
		dto.InternalServerError(ctx)
		return
	}

	update := pubsub.Update{
		RegistrationID: reg.ID,
		EventID:        reg.EventID,
		PickupCode:     code,
		PickedUp:       true,
		At:             time.Now(),
	}
	if err := s.feed.Publish(update); err != nil {
		s.log.Warn().Err(err).Str("pickup_code", code).Msg("failed to publish pickup update")
	}

	s.log.Info().Str("pickup_code", code).Int64("registration_id", reg.ID).Msg("ticket picked up")
	dto.SuccessResponse(ctx, dto.NewRegistrationResponse(reg))
}

// PickupStream pushes pickup updates to the admin view over SSE. The
// subscription lives exactly as long as the connection.
func (s *service) PickupStream(ctx *ginext.Context) {
	id, ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	ctx.Writer.Header().Set("Content-Type", "text/event-stream")
	ctx.Writer.Header().Set("Cache-Control", "no-cache")
	ctx.Writer.Header().Set("Connection", "keep-alive")
	ctx.Writer.WriteHeader(http.StatusOK)
	ctx.Writer.Flush()

	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to marshal pickup update")
				continue
			}
			fmt.Fprintf(ctx.Writer, "data: %s\n\n", data)
			ctx.Writer.Flush()
		case <-ctx.Request.Context().Done():
			return
		}
	}
}

// --- helpers ----------------------------------------------------------

func toAnswers(in []dto.AnswerInput) []model.Answer {
	answers := make([]model.Answer, 0, len(in))
	for _, a := range in {
		answers = append(answers, model.Answer{QuestionID: a.QuestionID, Value: a.Value})
	}
	return answers
}

// tierPoolRoles returns the roles whose registrations count against the
// tier's quota: just its own role, or every joint-quota role of the event.
func tierPoolRoles(event *model.Event, tier *model.TicketType) []string {
	if !tier.JointQuota {
		return []string{tier.RoleUUID}
	}
	var roles []string
	for _, t := range event.TicketTypes {
		if t.JointQuota {
			roles = append(roles, t.RoleUUID)
		}
	}
	return roles
}

func eventResponse(e *model.Event, seats map[int64]int) dto.EventResponse {
	resp := dto.EventResponse{
		ID:             e.ID,
		ContentUUID:    e.ContentUUID,
		NameFi:         e.NameFi,
		NameEn:         e.NameEn,
		LocationFi:     e.LocationFi,
		LocationEn:     e.LocationEn,
		StartsAt:       e.StartsAt,
		EndsAt:         e.EndsAt,
		RequiresPickup: e.RequiresPickup,
		Questions:      e.Questions,
	}
	for _, t := range e.TicketTypes {
		tr := dto.TicketTypeResponse{
			ID:                   t.ID,
			RoleUUID:             t.RoleUUID,
			PriceCents:           t.PriceCents,
			TicketsTotal:         t.TicketsTotal,
			JointQuota:           t.JointQuota,
			Weight:               t.Weight,
			RegistrationStartsAt: t.RegistrationStartsAt,
			RegistrationEndsAt:   t.RegistrationEndsAt,
		}
		if seats != nil {
			tr.SeatsLeft = seats[t.ID]
		}
		resp.TicketTypes = append(resp.TicketTypes, tr)
	}
	return resp
}

func chargeItems(result *repo.ChargeResult, lang string) []payment.ChargeItem {
	items := make([]payment.ChargeItem, 0, len(result.Registrations))
	for _, reg := range result.Registrations {
		title := fmt.Sprintf("Registration %d", reg.ID)
		if e, ok := result.Events[reg.EventID]; ok {
			if lang == "en" {
				title = e.NameEn
			} else {
				title = e.NameFi
			}
		}
		items = append(items, payment.ChargeItem{
			Title:      title,
			Count:      1,
			PriceCents: reg.PriceCents,
		})
	}
	return items
}
