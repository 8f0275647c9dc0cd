package history

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vitalsync/internal/logger"
	"vitalsync/pkg/envelope"
	apperrors "vitalsync/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newHistoryRouter(repo Repository, pub Publisher, ingest ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	NewHandler(newTestHistoryService(repo, pub), logger.NopLogger()).RegisterRoutes(router, ingest...)
	return router
}

func postSamples(router http.Handler, subject string, body interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subjects/"+subject+"/samples", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_IngestAndPage(t *testing.T) {
	repo := &memoryRepository{}
	pub := &recordingPublisher{}
	router := newHistoryRouter(repo, pub)

	w := postSamples(router, "subject-1", map[string]interface{}{
		"samples": []map[string]interface{}{
			{"type": "heart_rate", "value": 72, "unit": "bpm", "timestamp": t0.Format(time.RFC3339), "source": "watch"},
			{"type": "steps", "value": 0, "unit": "count", "timestamp": t0.Add(time.Minute).Format(time.RFC3339), "source": "phone"},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var res IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.IDs, 2)
	assert.Len(t, pub.published["subject-1"], 2)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/subjects/subject-1/history?limit=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Items []struct {
			ID    string  `json:"id"`
			Type  string  `json:"type"`
			Value float64 `json:"value"`
		} `json:"items"`
		NextCursor string `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "steps", page.Items[0].Type)
	assert.NotEmpty(t, page.NextCursor)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/subjects/nobody/history", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"items":[]}`, w.Body.String())
}

func TestHandler_Ingest_BadRequests(t *testing.T) {
	router := newHistoryRouter(&memoryRepository{}, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty", map[string]interface{}{}},
		{"no samples", map[string]interface{}{"samples": []interface{}{}}},
		{"missing value", map[string]interface{}{"samples": []map[string]interface{}{
			{"type": "heart_rate", "unit": "bpm", "timestamp": t0, "source": "watch"},
		}}},
		{"missing unit", map[string]interface{}{"samples": []map[string]interface{}{
			{"type": "heart_rate", "value": 72, "timestamp": t0, "source": "watch"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postSamples(router, "subject-1", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, false, body["ok"])
		})
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/subjects/subject-1/history?cursor=@@", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_IngestGuard(t *testing.T) {
	blocked := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"ok": false})
	}
	repo := &memoryRepository{}
	router := newHistoryRouter(repo, nil, blocked)

	w := postSamples(router, "subject-1", map[string]interface{}{
		"samples": []map[string]interface{}{
			{"type": "heart_rate", "value": 72, "unit": "bpm", "timestamp": t0, "source": "watch"},
		},
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Empty(t, repo.records)
}

func TestHandler_StoreUnavailable(t *testing.T) {
	router := newHistoryRouter(&memoryRepository{err: apperrors.ErrStoreUnavailable}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/subjects/subject-1/history", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func record(id, subject string, value float64, ts time.Time) envelope.HealthRecord {
	return envelope.HealthRecord{ID: id, SubjectID: subject, Metric: "heart_rate", Value: value, Unit: "bpm", Timestamp: ts, Source: "watch"}
}

func TestClient_PagesThroughHandler(t *testing.T) {
	repo := &memoryRepository{}
	_, err := repo.Append(context.Background(), []envelope.HealthRecord{
		record("r-1", "subject-1", 60, t0),
		record("r-2", "subject-1", 61, t0.Add(time.Minute)),
		record("r-3", "subject-1", 62, t0.Add(2*time.Minute)),
	})
	require.NoError(t, err)

	var auth string
	router := newHistoryRouter(repo, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		router.ServeHTTP(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "device-token", time.Second)
	ctx := context.Background()

	page, err := client.Page(ctx, "subject-1", "", 2)
	require.NoError(t, err)
	assert.Equal(t, "Bearer device-token", auth)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "r-3", page.Items[0].ID)
	require.NotEmpty(t, page.NextCursor)

	page, err = client.Page(ctx, "subject-1", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "r-1", page.Items[0].ID)
	assert.Empty(t, page.NextCursor)

	_, err = client.Page(ctx, "subject-1", "@@", 2)
	assert.ErrorContains(t, err, "status 400")
}
