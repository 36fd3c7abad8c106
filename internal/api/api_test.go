package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningpoem30/videoTranscoding/internal/database"
	"github.com/runningpoem30/videoTranscoding/internal/middleware"
	"github.com/runningpoem30/videoTranscoding/internal/runstatus"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

const testSecret = "api-test-secret"

type fakePresigner struct {
	bucket string
	key    string
	expiry time.Duration
	err    error
}

func (f *fakePresigner) PresignPut(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.bucket, f.key, f.expiry = bucket, key, expiry
	return "https://" + bucket + ".s3.amazonaws.com/" + key + "?X-Amz-Signature=abc", nil
}

type memRecords struct {
	mu      sync.Mutex
	records map[string]*models.StreamRecord
	seq     int
}

func newMemRecords() *memRecords {
	return &memRecords{records: make(map[string]*models.StreamRecord)}
}

func (m *memRecords) CreateRecord(ctx context.Context, record *models.StreamRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Status == "" {
		record.Status = database.RecordStatusCompleted
	}
	record.CreatedAt = time.Unix(int64(m.seq), 0)
	stored := *record
	m.records[record.ID] = &stored
	return nil
}

func (m *memRecords) GetRecord(ctx context.Context, id string) (*models.StreamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// the uuid column rejects malformed ids the same way
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.New(`invalid input syntax for type uuid: "` + id + `"`)
	}

	record, ok := m.records[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (m *memRecords) ListRecords(ctx context.Context, ownerID string, limit int) ([]*models.StreamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*models.StreamRecord{}
	for _, r := range m.records {
		if r.OwnerID == ownerID {
			copied := *r
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memRecords) DeleteRecord(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return database.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

type testServer struct {
	router    *gin.Engine
	presigner *fakePresigner
	records   *memRecords
	status    *runstatus.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ts := &testServer{
		presigner: &fakePresigner{},
		records:   newMemRecords(),
		status:    runstatus.NewWithClient(client, time.Hour),
	}

	api := New(Config{
		UploadBucket: "zylar-raw-videos",
		JWTSecret:    testSecret,
	}, ts.presigner, ts.records, ts.status, nil, middleware.NewRateLimiter(100, 100), nil)
	api.now = func() time.Time { return time.UnixMilli(1700000000123) }
	ts.router = api.Router()

	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, user string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := middleware.GenerateToken(testSecret, user, user+"@example.com", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestIssueUploadURL(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/upload", `{"fileName":"my video.mp4","contentType":"video/mp4"}`, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.UploadURL
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "video-uploads/1700000000123-my video.mp4", resp.Key)
	assert.Contains(t, resp.UploadURL, "X-Amz-Signature")
	assert.Equal(t, "zylar-raw-videos", ts.presigner.bucket)
	assert.Equal(t, DefaultPresignExpiry, ts.presigner.expiry)
}

func TestIssueUploadURLValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing body", ""},
		{"missing name", `{"contentType":"video/mp4"}`},
		{"blank name", `{"fileName":"   "}`},
		{"path separator", `{"fileName":"../etc/passwd"}`},
		{"backslash", `{"fileName":"a\\b.mp4"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			w := ts.do(t, "POST", "/upload", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, ts.presigner.key)
		})
	}
}

func TestIssueUploadURLPresignFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.presigner.err = errors.New("no credentials")

	w := ts.do(t, "POST", "/upload", `{"fileName":"demo.mp4"}`, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"error"`)
}

func TestUploadRateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := New(Config{UploadBucket: "b"}, &fakePresigner{}, newMemRecords(), nil, nil, middleware.NewRateLimiter(1, 1), nil).Router()

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/upload", strings.NewReader(`{"fileName":"a.mp4"}`)))
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestUploadKey(t *testing.T) {
	assert.Equal(t, "video-uploads/42-demo.mp4", UploadKey("demo.mp4", time.UnixMilli(42)))
}

func TestVideosRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	for _, route := range []struct{ method, path string }{
		{"GET", "/api/v1/videos"},
		{"POST", "/api/v1/videos"},
		{"DELETE", "/api/v1/videos/x"},
		{"GET", "/api/v1/runs/demo"},
	} {
		w := ts.do(t, route.method, route.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, route.path)
	}
}

func TestVideoLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/videos", `{"originalFileName":"demo.mp4","originalFileSize":2048,"cloudfrontUrl":"https://cdn.example.com/processed/demo/master.m3u8"}`, "alice")
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.StreamRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "alice", created.OwnerID)
	assert.Equal(t, database.RecordStatusCompleted, created.Status)

	w = ts.do(t, "POST", "/api/v1/videos", `{"originalFileName":"second.mp4","cloudfrontUrl":"https://cdn.example.com/processed/second/master.m3u8"}`, "alice")
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, "GET", "/api/v1/videos", "", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Videos []models.StreamRecord `json:"videos"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Videos, 2)
	assert.Equal(t, "second.mp4", list.Videos[0].OriginalFileName)

	w = ts.do(t, "GET", "/api/v1/videos", "", "bob")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Videos)

	assert.Equal(t, http.StatusForbidden, ts.do(t, "DELETE", "/api/v1/videos/"+created.ID, "", "bob").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/api/v1/videos/"+created.ID, "", "alice").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, "DELETE", "/api/v1/videos/"+created.ID, "", "alice").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "DELETE", "/api/v1/videos/"+created.ID, "", "alice").Code)
}

func TestVideoMalformedID(t *testing.T) {
	ts := newTestServer(t)

	for _, method := range []string{"GET", "DELETE"} {
		for _, id := range []string{"not-a-uuid", "123", "rec-a"} {
			w := ts.do(t, method, "/api/v1/videos/"+id, "", "alice")
			assert.Equal(t, http.StatusNotFound, w.Code, "%s %s", method, id)
		}
	}

	w := ts.do(t, "GET", "/api/v1/videos/"+uuid.New().String(), "", "alice")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateVideoValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing file name", `{"cloudfrontUrl":"https://cdn/x.m3u8"}`},
		{"missing url", `{"originalFileName":"a.mp4"}`},
		{"negative size", `{"originalFileName":"a.mp4","cloudfrontUrl":"https://cdn/x.m3u8","originalFileSize":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/api/v1/videos", tt.body, "alice")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/v1/runs/demo", "", "alice").Code)

	require.NoError(t, ts.status.Report(context.Background(), models.RunStatus{
		Name:        "demo",
		RunID:       "run-1",
		State:       models.RunStateCompleted,
		ManifestKey: "processed/demo/master.m3u8",
	}))

	w := ts.do(t, "GET", "/api/v1/runs/demo", "", "alice")
	require.Equal(t, http.StatusOK, w.Code)

	var status models.RunStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, models.RunStateCompleted, status.State)
	assert.Equal(t, "processed/demo/master.m3u8", status.ManifestKey)

	w = ts.do(t, "GET", "/api/v1/runs?limit=5", "", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"run-1"`)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, "GET", "/api/v1/runs?limit=0", "", "alice").Code)
}

func TestRunsDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := New(Config{JWTSecret: testSecret}, &fakePresigner{}, newMemRecords(), nil, nil, nil, nil).Router()

	token, err := middleware.GenerateToken(testSecret, "alice", "a@example.com", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/runs/demo", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type failingHealth struct{}

func (failingHealth) Health(ctx context.Context) error { return errors.New("connection refused") }

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	New(Config{}, &fakePresigner{}, newMemRecords(), nil, nil, nil, nil).Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	New(Config{}, &fakePresigner{}, newMemRecords(), nil, failingHealth{}, nil, nil).Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
