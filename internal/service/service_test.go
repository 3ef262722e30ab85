package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/ginext"

	"memberevents/internal/api/api"
	"memberevents/internal/model"
	"memberevents/internal/payment"
	"memberevents/internal/pickup"
	"memberevents/internal/pubsub"
	"memberevents/internal/repo"
	"memberevents/internal/service"
)

const (
	testSecret    = "test-secret"
	testAdminRole = "admin-role-uuid"
	memberRole    = "member-role-uuid"
)

// fakeRepo implements repo.Repository with overridable function fields.
type fakeRepo struct {
	getEvent        func(ctx context.Context, id int64) (*model.Event, error)
	countActive     func(ctx context.Context, eventID int64, roles []string) (int, error)
	reserve         func(ctx context.Context, reg *model.Registration, tier *model.TicketType, answers []model.Answer) (int64, error)
	cancelHeld      func(ctx context.Context, userUUID string, regID int64) error
	createCharge    func(ctx context.Context, userUUID, orderID, lang, email string, assign repo.AssignCode) (*repo.ChargeResult, error)
	finalizePayment func(ctx context.Context, orderID string, success bool, assign repo.AssignCode) (*repo.FinalizeResult, error)
	markPickedUp    func(ctx context.Context, code string) (*model.Registration, error)
}

func (f *fakeRepo) MigrateUp(string) error { return nil }

func (f *fakeRepo) UpsertEventTx(ctx context.Context, e *model.Event) (int64, error) {
	return e.ID, nil
}

func (f *fakeRepo) GetEventByID(ctx context.Context, id int64) (*model.Event, error) {
	if f.getEvent != nil {
		return f.getEvent(ctx, id)
	}
	return nil, repo.ErrEventNotFound
}

func (f *fakeRepo) GetAllEvents(ctx context.Context) ([]model.Event, error) { return nil, nil }

func (f *fakeRepo) CountActiveRegistrations(ctx context.Context, eventID int64, roles []string) (int, error) {
	if f.countActive != nil {
		return f.countActive(ctx, eventID, roles)
	}
	return 0, nil
}

func (f *fakeRepo) ReserveTx(ctx context.Context, reg *model.Registration, tier *model.TicketType, answers []model.Answer) (int64, error) {
	if f.reserve != nil {
		return f.reserve(ctx, reg, tier, answers)
	}
	return 1, nil
}

func (f *fakeRepo) CancelHeld(ctx context.Context, userUUID string, regID int64) error {
	if f.cancelHeld != nil {
		return f.cancelHeld(ctx, userUUID, regID)
	}
	return nil
}

func (f *fakeRepo) ActiveRegistrationsByUser(ctx context.Context, userUUID string) ([]model.Registration, error) {
	return nil, nil
}

func (f *fakeRepo) GetOwnedRegistration(ctx context.Context, userUUID string, regID int64) (*model.Registration, error) {
	return nil, repo.ErrRegistrationNotFound
}

func (f *fakeRepo) ReplaceAnswersTx(ctx context.Context, userUUID string, regID int64, answers []model.Answer) error {
	return nil
}

func (f *fakeRepo) CreateChargeTx(ctx context.Context, userUUID, orderID, lang, email string, assign repo.AssignCode) (*repo.ChargeResult, error) {
	if f.createCharge != nil {
		return f.createCharge(ctx, userUUID, orderID, lang, email, assign)
	}
	return nil, repo.ErrNothingToPay
}

func (f *fakeRepo) FinalizePaymentTx(ctx context.Context, orderID string, success bool, assign repo.AssignCode) (*repo.FinalizeResult, error) {
	if f.finalizePayment != nil {
		return f.finalizePayment(ctx, orderID, success, assign)
	}
	return nil, repo.ErrPaymentNotFound
}

func (f *fakeRepo) GetPaymentByOrderID(ctx context.Context, orderID string) (*model.Payment, []model.Registration, error) {
	return nil, nil, repo.ErrPaymentNotFound
}

func (f *fakeRepo) MarkPickedUp(ctx context.Context, code string) (*model.Registration, error) {
	if f.markPickedUp != nil {
		return f.markPickedUp(ctx, code)
	}
	return nil, repo.ErrRegistrationNotFound
}

type fakeProvider struct {
	charges   int
	redirect  string
	chargeErr error
	inner     *payment.Client
}

func (f *fakeProvider) CreateCharge(ctx context.Context, orderID, lang string, amountCents int64, items []payment.ChargeItem) (string, error) {
	f.charges++
	if f.chargeErr != nil {
		return "", f.chargeErr
	}
	return f.redirect, nil
}

func (f *fakeProvider) ValidateReturn(q url.Values) (string, bool, error) {
	return f.inner.ValidateReturn(q)
}

type fakeMailer struct {
	sent []string
}

func (f *fakeMailer) SendReceipt(to string, p *model.Payment, regs []model.Registration, events map[int64]model.Event) error {
	f.sent = append(f.sent, to)
	return nil
}

type fakeFeed struct {
	published []pubsub.Update
}

func (f *fakeFeed) Publish(u pubsub.Update) error {
	f.published = append(f.published, u)
	return nil
}

type fakeContent struct {
	event *model.Event
	err   error
}

func (f *fakeContent) GetEvent(ctx context.Context, lang, contentUUID string) (*model.Event, error) {
	return f.event, f.err
}
func (f *fakeContent) Invalidate(ctx context.Context, tags ...string) {}

type testEnv struct {
	app      *ginext.Engine
	repo     *fakeRepo
	provider *fakeProvider
	mailer   *fakeMailer
	feed     *fakeFeed
	content  *fakeContent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	r := &fakeRepo{}
	p := &fakeProvider{
		redirect: "https://pay.example/token/abc",
		inner:    payment.NewClient("https://pay.example", "api-key", "private-key", "", "", &log),
	}
	m := &fakeMailer{}
	f := &fakeFeed{}
	c := &fakeContent{}

	svc := service.NewService(r, &log, p, m, f, pubsub.NewHub(), c, pickup.NewIssuer(&log), service.Config{
		HoldWindow:      30 * time.Minute,
		DefaultRoleUUID: "default-role-uuid",
		ConfirmationURL: "https://front.example/confirmation",
	})
	app := api.NewRouters(&api.Routers{
		Service:       svc,
		AuthSecret:    testSecret,
		AdminRoleUUID: testAdminRole,
	})
	return &testEnv{app: app, repo: r, provider: p, mailer: m, feed: f, content: c}
}

func signToken(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   sub,
		"roles": roles,
		"email": sub + "@example.org",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func doJSON(env *testEnv, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.app.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Status string `json:"status"`
	Error  *struct {
		Code string `json:"code"`
		Desc string `json:"desc"`
	} `json:"error"`
	Data json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func openTier(role string, price int64) model.TicketType {
	return model.TicketType{
		ID:                   1,
		EventID:              10,
		RoleUUID:             role,
		PriceCents:           price,
		TicketsTotal:         50,
		Weight:               1,
		RegistrationStartsAt: time.Now().Add(-time.Hour),
		RegistrationEndsAt:   time.Now().Add(time.Hour),
	}
}

func TestRegisterHoldsSeat(t *testing.T) {
	env := newTestEnv(t)
	env.repo.getEvent = func(ctx context.Context, id int64) (*model.Event, error) {
		return &model.Event{ID: 10, TicketTypes: []model.TicketType{openTier(memberRole, 1500)}}, nil
	}
	env.repo.reserve = func(ctx context.Context, reg *model.Registration, tier *model.TicketType, answers []model.Answer) (int64, error) {
		require.NotNil(t, tier)
		assert.Equal(t, memberRole, tier.RoleUUID)
		assert.Equal(t, int64(1500), reg.PriceCents)
		assert.NotNil(t, reg.ReservedUntil)
		assert.False(t, reg.PaymentCompleted)
		return 42, nil
	}

	w := doJSON(env, http.MethodPost, "/v1/events/10/register", signToken(t, "user-1", memberRole), map[string]any{"answers": []any{}})
	require.Equal(t, http.StatusCreated, w.Code)

	e := decode(t, w)
	var reg struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(e.Data, &reg))
	assert.Equal(t, int64(42), reg.ID)
}

func TestRegisterFreeFormCompletesImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.repo.getEvent = func(ctx context.Context, id int64) (*model.Event, error) {
		return &model.Event{ID: 10}, nil
	}
	env.repo.reserve = func(ctx context.Context, reg *model.Registration, tier *model.TicketType, answers []model.Answer) (int64, error) {
		assert.Nil(t, tier)
		assert.True(t, reg.PaymentCompleted)
		assert.Nil(t, reg.ReservedUntil)
		return 7, nil
	}

	w := doJSON(env, http.MethodPost, "/v1/events/10/register", signToken(t, "user-1"), map[string]any{})
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestRegisterSoldOut(t *testing.T) {
	env := newTestEnv(t)
	env.repo.getEvent = func(ctx context.Context, id int64) (*model.Event, error) {
		return &model.Event{ID: 10, TicketTypes: []model.TicketType{openTier(memberRole, 1500)}}, nil
	}
	env.repo.reserve = func(ctx context.Context, reg *model.Registration, tier *model.TicketType, answers []model.Answer) (int64, error) {
		return 0, repo.ErrSoldOut
	}

	w := doJSON(env, http.MethodPost, "/v1/events/10/register", signToken(t, "user-1", memberRole), map[string]any{})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SOLD_OUT", decode(t, w).Error.Code)
}

func TestRegisterNoApplicableTier(t *testing.T) {
	env := newTestEnv(t)
	env.repo.getEvent = func(ctx context.Context, id int64) (*model.Event, error) {
		return &model.Event{ID: 10, TicketTypes: []model.TicketType{openTier(memberRole, 1500)}}, nil
	}

	w := doJSON(env, http.MethodPost, "/v1/events/10/register", signToken(t, "user-1", "some-other-role"), map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "NO_APPLICABLE_TIER", decode(t, w).Error.Code)
}

func TestRegisterOutsideWindow(t *testing.T) {
	env := newTestEnv(t)
	closed := openTier(memberRole, 1500)
	closed.RegistrationEndsAt = time.Now().Add(-time.Minute)
	env.repo.getEvent = func(ctx context.Context, id int64) (*model.Event, error) {
		return &model.Event{ID: 10, TicketTypes: []model.TicketType{closed}}, nil
	}

	w := doJSON(env, http.MethodPost, "/v1/events/10/register", signToken(t, "user-1", memberRole), map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "TICKET_TYPE_CLOSED", decode(t, w).Error.Code)
}

func TestCheckoutZeroTotalSkipsProvider(t *testing.T) {
	env := newTestEnv(t)
	env.repo.createCharge = func(ctx context.Context, userUUID, orderID, lang, email string, assign repo.AssignCode) (*repo.ChargeResult, error) {
		assert.Equal(t, "user-1@example.org", email)
		return &repo.ChargeResult{
			Payment: model.Payment{
				OrderID:      orderID,
				AmountCents:  0,
				Status:       model.PaymentStatusCompleted,
				ReceiptEmail: email,
			},
			Registrations: []model.Registration{{ID: 1, EventID: 10, PaymentCompleted: true}},
			Events:        map[int64]model.Event{10: {ID: 10, NameFi: "Vujuhla"}},
		}, nil
	}

	w := doJSON(env, http.MethodPost, "/v1/checkout", signToken(t, "user-1", memberRole), map[string]any{"language": "fi"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status      string `json:"status"`
		RedirectURL string `json:"redirect_url"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &resp))
	assert.Equal(t, model.PaymentStatusCompleted, resp.Status)
	assert.Equal(t, "https://front.example/confirmation", resp.RedirectURL)
	assert.Zero(t, env.provider.charges, "zero-cost checkout must not reach the provider")
	assert.Equal(t, []string{"user-1@example.org"}, env.mailer.sent)
}

func TestCheckoutCreatesCharge(t *testing.T) {
	env := newTestEnv(t)
	env.repo.createCharge = func(ctx context.Context, userUUID, orderID, lang, email string, assign repo.AssignCode) (*repo.ChargeResult, error) {
		return &repo.ChargeResult{
			Payment:       model.Payment{OrderID: orderID, AmountCents: 1500, Status: model.PaymentStatusPending},
			Registrations: []model.Registration{{ID: 1, EventID: 10, PriceCents: 1500}},
			Events:        map[int64]model.Event{10: {ID: 10, NameEn: "Annual Gala"}},
		}, nil
	}

	w := doJSON(env, http.MethodPost, "/v1/checkout", signToken(t, "user-1", memberRole), map[string]any{"language": "en"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status      string `json:"status"`
		AmountCents int64  `json:"amount_cents"`
		RedirectURL string `json:"redirect_url"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &resp))
	assert.Equal(t, model.PaymentStatusPending, resp.Status)
	assert.Equal(t, int64(1500), resp.AmountCents)
	assert.Equal(t, "https://pay.example/token/abc", resp.RedirectURL)
	assert.Equal(t, 1, env.provider.charges)
	assert.Empty(t, env.mailer.sent)
}

func TestCheckoutNothingToPay(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(env, http.MethodPost, "/v1/checkout", signToken(t, "user-1"), map[string]any{"language": "fi"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "NOTHING_TO_PAY", decode(t, w).Error.Code)
}

func TestCheckoutRejectsUnknownLanguage(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(env, http.MethodPost, "/v1/checkout", signToken(t, "user-1"), map[string]any{"language": "sv"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentReturnFinalizesOnce(t *testing.T) {
	env := newTestEnv(t)
	finalized := 0
	env.repo.finalizePayment = func(ctx context.Context, orderID string, success bool, assign repo.AssignCode) (*repo.FinalizeResult, error) {
		finalized++
		result := &repo.FinalizeResult{
			Payment: model.Payment{
				OrderID:      orderID,
				AmountCents:  1500,
				Status:       model.PaymentStatusCompleted,
				ReceiptEmail: "user-1@example.org",
			},
			Registrations: []model.Registration{{ID: 1, EventID: 10, PaymentCompleted: true}},
			Events:        map[int64]model.Event{10: {ID: 10}},
		}
		if finalized > 1 {
			result.AlreadyFinal = true
		}
		return result, nil
	}

	auth := env.provider.inner.SignReturn("0", "order-1", "1")
	path := "/v1/payments/return?RETURN_CODE=0&ORDER_NUMBER=order-1&SETTLED=1&AUTHCODE=" + auth

	w := doJSON(env, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"user-1@example.org"}, env.mailer.sent)

	// A duplicate callback is acknowledged but sends no second receipt.
	w = doJSON(env, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, env.mailer.sent, 1)
}

func TestPaymentReturnRejectsTamperedSignature(t *testing.T) {
	env := newTestEnv(t)
	env.repo.finalizePayment = func(ctx context.Context, orderID string, success bool, assign repo.AssignCode) (*repo.FinalizeResult, error) {
		t.Fatal("finalize must not run on an invalid signature")
		return nil, nil
	}

	auth := env.provider.inner.SignReturn("0", "order-1", "1")
	path := "/v1/payments/return?RETURN_CODE=0&ORDER_NUMBER=order-2&SETTLED=1&AUTHCODE=" + auth

	w := doJSON(env, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentReturnFailureKeepsHolds(t *testing.T) {
	env := newTestEnv(t)
	env.repo.finalizePayment = func(ctx context.Context, orderID string, success bool, assign repo.AssignCode) (*repo.FinalizeResult, error) {
		assert.False(t, success)
		return &repo.FinalizeResult{
			Payment: model.Payment{OrderID: orderID, AmountCents: 1500, Status: model.PaymentStatusCancelled},
		}, nil
	}

	auth := env.provider.inner.SignReturn("1", "order-1", "0")
	path := "/v1/payments/return?RETURN_CODE=1&ORDER_NUMBER=order-1&SETTLED=0&AUTHCODE=" + auth

	w := doJSON(env, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env.mailer.sent)

	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &resp))
	assert.Equal(t, model.PaymentStatusCancelled, resp.Status)
}

func TestCancelUnknownRegistration(t *testing.T) {
	env := newTestEnv(t)
	env.repo.cancelHeld = func(ctx context.Context, userUUID string, regID int64) error {
		return repo.ErrRegistrationNotFound
	}

	w := doJSON(env, http.MethodDelete, "/v1/registrations/99", signToken(t, "user-1"), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "REGISTRATION_NOT_FOUND", decode(t, w).Error.Code)
}

func TestMarkPickedUpPublishesUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.repo.markPickedUp = func(ctx context.Context, code string) (*model.Registration, error) {
		return &model.Registration{ID: 5, EventID: 10, PickedUp: true, PickupCode: &code}, nil
	}

	w := doJSON(env, http.MethodPost, "/v1/pickup/AB12CD", signToken(t, "admin-1", testAdminRole), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.feed.published, 1)
	assert.Equal(t, "AB12CD", env.feed.published[0].PickupCode)
	assert.True(t, env.feed.published[0].PickedUp)
}

func TestSyncEventMirrorsContent(t *testing.T) {
	env := newTestEnv(t)
	env.content.event = &model.Event{
		ID:          3,
		ContentUUID: "ev-1",
		NameFi:      "Vuosijuhla",
		NameEn:      "Annual gala",
		TicketTypes: []model.TicketType{openTier(memberRole, 2500)},
		Questions:   []model.Question{{Label: "Meal", Kind: "SELECT", Options: []string{"meat", "vegan"}, Required: true}},
	}

	w := doJSON(env, http.MethodPost, "/v1/sync/events/ev-1", signToken(t, "admin-1", testAdminRole), nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSyncEventRejectsZeroCapacityTier(t *testing.T) {
	env := newTestEnv(t)
	tier := openTier(memberRole, 2500)
	tier.TicketsTotal = 0
	env.content.event = &model.Event{ContentUUID: "ev-1", TicketTypes: []model.TicketType{tier}}

	w := doJSON(env, http.MethodPost, "/v1/sync/events/ev-1", signToken(t, "admin-1", testAdminRole), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "FIELD_INCORRECT", decode(t, w).Error.Code)
}

func TestSyncEventRejectsUnknownQuestionKind(t *testing.T) {
	env := newTestEnv(t)
	env.content.event = &model.Event{
		ContentUUID: "ev-1",
		Questions:   []model.Question{{Label: "Meal", Kind: "DROPDOWN"}},
	}

	w := doJSON(env, http.MethodPost, "/v1/sync/events/ev-1", signToken(t, "admin-1", testAdminRole), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/10/register", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1", memberRole))
	w := httptest.NewRecorder()
	env.app.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "FIELD_BADFORMAT", decode(t, w).Error.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(env, http.MethodGet, "/v1/registrations", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRouteRequiresRole(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(env, http.MethodPost, "/v1/pickup/AB12CD", signToken(t, "user-1", memberRole), nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
