package contentstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestGetEvent(t *testing.T) {
	var gotPath, gotLocale, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLocale = r.URL.Query().Get("locale")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{
			"data": {
				"uuid": "ev-1",
				"name_fi": "Vuosijuhla",
				"name_en": "Annual gala",
				"starts_at": "2026-10-01T18:00:00Z",
				"ends_at": "2026-10-02T02:00:00Z",
				"registration": {
					"requires_pickup": true,
					"ticket_types": [
						{"role_uuid": "role-member", "price_cents": 2500, "tickets_total": 100, "weight": 2,
						 "registration_starts_at": "2026-09-01T12:00:00Z", "registration_ends_at": "2026-09-20T12:00:00Z"}
					],
					"questions": [
						{"label": "Meal", "kind": "SELECT", "options": ["meat", "vegan"], "required": true}
					]
				}
			}
		}`))
	}))
	defer srv.Close()

	log := zerolog.Nop()
	c := NewClient(srv.URL, "cms-token", nil, &log)

	e, err := c.GetEvent(context.Background(), "fi", "ev-1")
	require.NoError(t, err)
	require.Equal(t, "/api/events/ev-1", gotPath)
	require.Equal(t, "fi", gotLocale)
	require.Equal(t, "Bearer cms-token", gotAuth)

	require.Equal(t, "ev-1", e.ContentUUID)
	require.Equal(t, "Vuosijuhla", e.NameFi)
	require.True(t, e.RequiresPickup)
	require.Len(t, e.TicketTypes, 1)
	require.Equal(t, int64(2500), e.TicketTypes[0].PriceCents)
	require.Len(t, e.Questions, 1)
	require.Equal(t, "SELECT", e.Questions[0].Kind)
}

func TestGetEventWithoutRegistrationConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"uuid": "ev-2", "name_fi": "Sauna", "name_en": "Sauna",
			"starts_at": "2026-10-01T18:00:00Z", "ends_at": "2026-10-01T22:00:00Z"}}`))
	}))
	defer srv.Close()

	log := zerolog.Nop()
	c := NewClient(srv.URL, "", nil, &log)

	e, err := c.GetEvent(context.Background(), "en", "ev-2")
	require.NoError(t, err)
	require.Empty(t, e.TicketTypes)
	require.False(t, e.RequiresPickup)
}

func TestGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	log := zerolog.Nop()
	c := NewClient(srv.URL, "", nil, &log)

	_, err := c.GetEvent(context.Background(), "fi", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
