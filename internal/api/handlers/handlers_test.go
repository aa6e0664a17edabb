package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/causeway/internal/models"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type publishedMessage struct {
	Topic string
	Key   string
	Value interface{}
}

type fakeProducer struct {
	published []publishedMessage
	err       error
}

func (f *fakeProducer) Publish(_ context.Context, topic, key string, v interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMessage{topic, key, v})
	return nil
}

type loggedEvent struct {
	Type     string
	Service  string
	Message  string
	Metadata map[string]interface{}
}

type fakeActivity struct {
	events []loggedEvent
}

func (f *fakeActivity) LogEvent(_ context.Context, eventType, service, message string, metadata map[string]interface{}) {
	f.events = append(f.events, loggedEvent{eventType, service, message, metadata})
}

type fakeTimeseries struct {
	metrics []models.MetricPoint
	logs    []models.LogEntry
	err     error
}

func (f *fakeTimeseries) InsertMetrics(_ context.Context, points []models.MetricPoint) error {
	if f.err != nil {
		return f.err
	}
	f.metrics = append(f.metrics, points...)
	return nil
}

func (f *fakeTimeseries) InsertLogs(_ context.Context, entries []models.LogEntry) error {
	if f.err != nil {
		return f.err
	}
	f.logs = append(f.logs, entries...)
	return nil
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func doGET(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
