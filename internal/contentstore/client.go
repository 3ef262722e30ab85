// Package contentstore is the read-only client for the headless CMS that
// owns event, ticket-type and question definitions. The relational store
// only mirrors what this client returns; the mirror is eventually
// consistent and refreshed by the sync endpoint.
package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"memberevents/internal/model"
)

var ErrNotFound = errors.New("content not found")

type Client struct {
	baseURL string
	token   string
	cache   *Cache
	httpc   *http.Client
	log     *zerolog.Logger
}

func NewClient(baseURL, token string, cache *Cache, log *zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		cache:   cache,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Get fetches a content path in the given language, caching the raw body
// under the provided tags, and decodes the response's data envelope into
// out.
func (c *Client) Get(ctx context.Context, lang, path string, tags []string, out any) error {
	if body, ok := c.cache.Get(ctx, lang, path); ok {
		return decodeEnvelope(body, out)
	}

	url := fmt.Sprintf("%s/api/%s?locale=%s", c.baseURL, path, lang)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build content request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("content request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("content store returned status %d for %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read content response: %w", err)
	}

	c.cache.Set(ctx, lang, path, body, tags)
	return decodeEnvelope(body, out)
}

func decodeEnvelope(body []byte, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to decode content envelope: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode content data: %w", err)
	}
	return nil
}

// Invalidate drops cached content for the given tags.
func (c *Client) Invalidate(ctx context.Context, tags ...string) {
	c.cache.Invalidate(ctx, tags...)
}

type eventPayload struct {
	UUID           string `json:"uuid"`
	NameFi         string `json:"name_fi"`
	NameEn         string `json:"name_en"`
	LocationFi     string `json:"location_fi"`
	LocationEn     string `json:"location_en"`
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
	Registration   *struct {
		RequiresPickup bool `json:"requires_pickup"`
		TicketTypes    []struct {
			RoleUUID             string    `json:"role_uuid"`
			PriceCents           int64     `json:"price_cents"`
			TicketsTotal         int       `json:"tickets_total"`
			JointQuota           bool      `json:"joint_quota"`
			Weight               int       `json:"weight"`
			RegistrationStartsAt time.Time `json:"registration_starts_at"`
			RegistrationEndsAt   time.Time `json:"registration_ends_at"`
		} `json:"ticket_types"`
		Questions []struct {
			Label    string   `json:"label"`
			Kind     string   `json:"kind"`
			Options  []string `json:"options"`
			Required bool     `json:"required"`
		} `json:"questions"`
	} `json:"registration"`
}

// GetEvent fetches one event definition with its registration
// configuration, tagged for invalidation with the event's uuid.
func (c *Client) GetEvent(ctx context.Context, lang, contentUUID string) (*model.Event, error) {
	var payload eventPayload
	path := "events/" + contentUUID
	tags := []string{"events", "event-" + contentUUID}
	if err := c.Get(ctx, lang, path, tags, &payload); err != nil {
		return nil, err
	}

	e := &model.Event{
		ContentUUID: payload.UUID,
		NameFi:      payload.NameFi,
		NameEn:      payload.NameEn,
		LocationFi:  payload.LocationFi,
		LocationEn:  payload.LocationEn,
		StartsAt:    payload.StartsAt,
		EndsAt:      payload.EndsAt,
	}
	if e.ContentUUID == "" {
		e.ContentUUID = contentUUID
	}
	if payload.Registration == nil {
		return e, nil
	}

	e.RequiresPickup = payload.Registration.RequiresPickup
	for _, t := range payload.Registration.TicketTypes {
		e.TicketTypes = append(e.TicketTypes, model.TicketType{
			RoleUUID:             t.RoleUUID,
			PriceCents:           t.PriceCents,
			TicketsTotal:         t.TicketsTotal,
			JointQuota:           t.JointQuota,
			Weight:               t.Weight,
			RegistrationStartsAt: t.RegistrationStartsAt,
			RegistrationEndsAt:   t.RegistrationEndsAt,
		})
	}
	for _, q := range payload.Registration.Questions {
		e.Questions = append(e.Questions, model.Question{
			Label:    q.Label,
			Kind:     q.Kind,
			Options:  q.Options,
			Required: q.Required,
		})
	}
	return e, nil
}
