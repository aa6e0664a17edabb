package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/causeway/internal/models"
	"github.com/platformbuilds/causeway/pkg/logger"
)

type fakeActivityStore struct {
	events []models.ActivityEvent

	gotSince     time.Time
	gotLimit     int
	gotEventType string
	gotService   string
}

func (f *fakeActivityStore) GetEvents(_ context.Context, since time.Time, limit int, eventType, service string) ([]models.ActivityEvent, error) {
	f.gotSince, f.gotLimit, f.gotEventType, f.gotService = since, limit, eventType, service
	return f.events, nil
}

func (f *fakeActivityStore) GetRecentEvents(_ context.Context, limit int) ([]models.ActivityEvent, error) {
	f.gotLimit = limit
	return f.events, nil
}

func newActivityRouter(store *fakeActivityStore) *gin.Engine {
	h := NewActivityHandler(store, logger.NewNop())
	r := gin.New()
	r.GET("/activity/events", h.GetEvents)
	r.GET("/activity/events/recent", h.GetRecentEvents)
	return r
}

func TestGetEventsPassesFilters(t *testing.T) {
	store := &fakeActivityStore{events: []models.ActivityEvent{
		{TS: time.Now().UTC(), Type: "anomaly_detected", Service: "payment", Message: "Anomaly detected"},
	}}
	r := newActivityRouter(store)

	w := doGET(t, r, "/activity/events?since=2026-08-24T10:00:00Z&limit=5&event_type=anomaly_detected&service=payment")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), store.gotSince)
	assert.Equal(t, 5, store.gotLimit)
	assert.Equal(t, "anomaly_detected", store.gotEventType)
	assert.Equal(t, "payment", store.gotService)

	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["count"])
	assert.Len(t, body["events"], 1)
}

func TestGetEventsInvalidSince(t *testing.T) {
	r := newActivityRouter(&fakeActivityStore{})

	w := doGET(t, r, "/activity/events?since=yesterday")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "RFC 3339")
}

func TestGetEventsInvalidLimit(t *testing.T) {
	r := newActivityRouter(&fakeActivityStore{})

	w := doGET(t, r, "/activity/events?limit=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doGET(t, r, "/activity/events?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetEventsEmptyIsList(t *testing.T) {
	r := newActivityRouter(&fakeActivityStore{})

	w := doGET(t, r, "/activity/events")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	events, ok := body["events"].([]interface{})
	require.True(t, ok, "events must be a list, not null")
	assert.Empty(t, events)
	assert.Equal(t, float64(0), body["count"])
}

func TestGetRecentEventsDefaultLimit(t *testing.T) {
	store := &fakeActivityStore{}
	r := newActivityRouter(store)

	w := doGET(t, r, "/activity/events/recent")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, store.gotLimit)
}
