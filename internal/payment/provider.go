// Package payment talks to the card payment gateway. A charge is created
// with an outbound HTTP call and the gateway reports the outcome through a
// signed return redirect; the order id is the only correlation key.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrProvider         = errors.New("payment provider rejected the charge")
	ErrInvalidSignature = errors.New("invalid return signature")
	ErrMissingParams    = errors.New("missing return parameters")
)

const returnCodeOK = "0"

// ChargeItem is one itemized line of a charge, one per registration.
type ChargeItem struct {
	Title      string `json:"title"`
	Count      int    `json:"count"`
	PriceCents int64  `json:"price"`
}

type chargeRequest struct {
	APIKey   string `json:"api_key"`
	OrderID  string `json:"order_number"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	AuthCode string `json:"authcode"`
	Payment  struct {
		Type      string `json:"type"`
		ReturnURL string `json:"return_url"`
		NotifyURL string `json:"notify_url"`
		Language  string `json:"language"`
	} `json:"payment_method"`
	Products []ChargeItem `json:"products"`
}

type chargeResponse struct {
	Result int    `json:"result"`
	Token  string `json:"token"`
}

type Client struct {
	apiURL     string
	apiKey     string
	privateKey string
	returnURL  string
	notifyURL  string
	httpc      *http.Client
	log        *zerolog.Logger
}

func NewClient(apiURL, apiKey, privateKey, returnURL, notifyURL string, log *zerolog.Logger) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		apiKey:     apiKey,
		privateKey: privateKey,
		returnURL:  returnURL,
		notifyURL:  notifyURL,
		httpc:      &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

func (c *Client) sign(parts ...string) string {
	mac := hmac.New(sha256.New, []byte(c.privateKey))
	mac.Write([]byte(strings.Join(parts, "|")))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// CreateCharge registers a charge with the gateway and returns the URL the
// user is redirected to for payment.
func (c *Client) CreateCharge(ctx context.Context, orderID, lang string, amountCents int64, items []ChargeItem) (string, error) {
	req := chargeRequest{
		APIKey:   c.apiKey,
		OrderID:  orderID,
		Amount:   amountCents,
		Currency: "EUR",
		AuthCode: c.sign(c.apiKey, orderID),
		Products: items,
	}
	req.Payment.Type = "e-payment"
	req.Payment.ReturnURL = c.returnURL
	req.Payment.NotifyURL = c.notifyURL
	req.Payment.Language = lang

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal charge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/auth_payment", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build charge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("charge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
	}

	var cr chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("failed to decode charge response: %w", err)
	}
	if cr.Result != 0 || cr.Token == "" {
		c.log.Error().Int("result", cr.Result).Str("order_id", orderID).Msg("provider refused charge")
		return "", fmt.Errorf("%w: result %d", ErrProvider, cr.Result)
	}

	return c.apiURL + "/token/" + cr.Token, nil
}

// ValidateReturn checks the signature of the gateway's return parameters
// and extracts the order id and outcome. Unparseable or tampered
// parameters fail hard before any state is touched.
func (c *Client) ValidateReturn(q url.Values) (orderID string, paid bool, err error) {
	code := q.Get("RETURN_CODE")
	orderID = q.Get("ORDER_NUMBER")
	settled := q.Get("SETTLED")
	authCode := q.Get("AUTHCODE")
	if code == "" || orderID == "" || authCode == "" {
		return "", false, ErrMissingParams
	}

	expected := c.sign(code, orderID, settled)
	if !hmac.Equal([]byte(expected), []byte(authCode)) {
		return "", false, ErrInvalidSignature
	}

	return orderID, code == returnCodeOK, nil
}

// SignReturn builds the AUTHCODE for a set of return parameters. Exposed
// for the tests and for local gateway stubs.
func (c *Client) SignReturn(code, orderID, settled string) string {
	return c.sign(code, orderID, settled)
}
