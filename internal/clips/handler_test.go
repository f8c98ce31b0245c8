package clips

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clippie/backend/internal/captions"
	"github.com/clippie/backend/internal/middleware"
	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/internal/quota"
	"github.com/clippie/backend/pkg/queue"
)

type fakeObjects struct {
	objects map[string]string
}

func (f *fakeObjects) GeneratePresignedDownloadURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://" + bucket + "/" + key + "?get", nil
}

func (f *fakeObjects) GetObjectStream(_ context.Context, bucket, key string) (io.ReadCloser, string, error) {
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, "", errors.New("no such key")
	}
	return io.NopCloser(strings.NewReader(body)), captions.ContentType, nil
}

type fakeJobs struct {
	jobs    []queue.Job
	pending int64
}

func (f *fakeJobs) InFlight(context.Context) ([]queue.Job, error) { return f.jobs, nil }

func (f *fakeJobs) Pending(context.Context) (int64, error) { return f.pending, nil }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type handlerFixture struct {
	*harness
	router  *gin.Engine
	objects *fakeObjects
	jobs    *fakeJobs
	userID  uuid.UUID
}

func newHandlerFixture() *handlerFixture {
	gin.SetMode(gin.TestMode)
	f := &handlerFixture{
		harness: newHarness(),
		objects: &fakeObjects{objects: map[string]string{}},
		jobs:    &fakeJobs{},
		userID:  uuid.New(),
	}
	// Uploaded caption tracks become readable through the handler's store.
	f.captions.uploads = f.objects.objects

	h := NewHandler(f.service, clipReader{f.store}, f.objects, f.jobs, HandlerConfig{
		ClipsBucket:     "clips",
		SubtitlesBucket: "subs",
		PresignExpire:   time.Hour,
	}, nil)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(middleware.ContextUserID, f.userID); c.Next() })
	r.POST("/clips", h.Create)
	r.GET("/clips", h.List)
	r.GET("/clips/:id", h.Get)
	r.GET("/clips/:id/download-url", h.DownloadURL)
	r.GET("/clips/:id/captions", h.Captions)
	r.GET("/admin/clips/inflight", h.InFlight)
	f.router = r
	return f
}

func (f *handlerFixture) do(method, path, body string) (*httptest.ResponseRecorder, envelope) {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func (f *handlerFixture) runNext(t *testing.T) {
	t.Helper()
	require.NoError(t, f.pipeline.Process(context.Background(), f.queue.pop()))
}

func createBody(videoID uuid.UUID, start, end string, extra string) string {
	return `{"video_id":"` + videoID.String() + `","title":"clip","start_time":` + start + `,"end_time":` + end + extra + `}`
}

func TestCreate_StatusCodes(t *testing.T) {
	f := newHandlerFixture()
	video := f.store.addVideo(f.userID, 120)

	tests := []struct {
		name string
		body string
		want int
		code string
	}{
		{"accepted", createBody(video.ID, "10", "25", ""), http.StatusCreated, ""},
		{"missing end", `{"video_id":"` + video.ID.String() + `","title":"clip","start_time":10}`, http.StatusBadRequest, ""},
		{"bad style", createBody(video.ID, "10", "25", `,"subtitle_style":{"position":"left"}`), http.StatusBadRequest, ""},
		{"too long", createBody(video.ID, "0", "65", ""), http.StatusBadRequest, "duration_too_long"},
		{"too short", createBody(video.ID, "0", "2", ""), http.StatusBadRequest, "duration_too_short"},
		{"past end", createBody(video.ID, "100", "130", ""), http.StatusBadRequest, "invalid_request"},
		{"unknown video", createBody(uuid.New(), "0", "10", ""), http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := f.do(http.MethodPost, "/clips", tt.body)
			assert.Equal(t, tt.want, w.Code, env.Error)
			assert.Equal(t, tt.code, env.Code)
		})
	}
}

func TestCreate_ReturnsProcessingClip(t *testing.T) {
	f := newHandlerFixture()
	video := f.store.addVideo(f.userID, 120)

	w, env := f.do(http.MethodPost, "/clips", createBody(video.ID, "10", "25", `,"subtitles":true,"subtitle_style":{"position":"top","font_size":32}`))
	require.Equal(t, http.StatusCreated, w.Code, env.Error)
	var clip models.Clip
	require.NoError(t, json.Unmarshal(env.Data, &clip))
	assert.Equal(t, models.ClipStatusProcessing, clip.Status)
	assert.Equal(t, 15.0, clip.Duration)

	job := f.queue.jobs[0]
	require.NotNil(t, job.Style)
	assert.Equal(t, "top", job.Style.Position)
	assert.Equal(t, 32, job.Style.FontSize)
}

func TestCreate_QuotaExceeded(t *testing.T) {
	f := newHandlerFixture()
	video := f.store.addVideo(f.userID, 120)
	f.store.setPlan(f.userID, quota.TierFree, 5)

	w, env := f.do(http.MethodPost, "/clips", createBody(video.ID, "0", "10", ""))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "quota_exceeded", env.Code)
}

func TestCreate_PersistenceFailure(t *testing.T) {
	f := newHandlerFixture()
	video := f.store.addVideo(f.userID, 120)
	f.queue.err = errors.New("redis down")

	w, _ := f.do(http.MethodPost, "/clips", createBody(video.ID, "0", "10", ""))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDownloadURL(t *testing.T) {
	f := newHandlerFixture()
	video := f.store.addVideo(f.userID, 120)
	clip, err := f.service.Submit(context.Background(), f.userID, SubmitRequest{VideoID: video.ID, Title: "x", StartTime: 0, EndTime: 10})
	require.NoError(t, err)
	path := "/clips/" + clip.ID.String() + "/download-url"

	w, _ := f.do(http.MethodGet, path, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	f.runNext(t)
	w, env := f.do(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code, env.Error)
	var out struct {
		DownloadURL string `json:"download_url"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "https://clips/clips/extracted-1.mp4?get", out.DownloadURL)
	assert.Equal(t, 3600, out.ExpiresIn)
}

func TestGet_Lookup(t *testing.T) {
	f := newHandlerFixture()
	video := f.store.addVideo(f.userID, 120)
	clip, err := f.service.Submit(context.Background(), f.userID, SubmitRequest{VideoID: video.ID, Title: "x", StartTime: 0, EndTime: 10})
	require.NoError(t, err)

	w, _ := f.do(http.MethodGet, "/clips/"+clip.ID.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(http.MethodGet, "/clips/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = f.do(http.MethodGet, "/clips/"+uuid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	other := f.store.addVideo(uuid.New(), 120)
	foreign, err := f.service.Submit(context.Background(), other.UserID, SubmitRequest{VideoID: other.ID, Title: "x", StartTime: 0, EndTime: 10})
	require.NoError(t, err)
	w, _ = f.do(http.MethodGet, "/clips/"+foreign.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env := f.do(http.MethodGet, "/clips", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Clip
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)
}

func TestCaptions(t *testing.T) {
	f := newHandlerFixture()
	video := f.store.addVideo(f.userID, 120)

	plain, err := f.service.Submit(context.Background(), f.userID, SubmitRequest{VideoID: video.ID, Title: "x", StartTime: 0, EndTime: 10})
	require.NoError(t, err)
	f.runNext(t)
	w, _ := f.do(http.MethodGet, "/clips/"+plain.ID.String()+"/captions", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	subbed, err := f.service.Submit(context.Background(), f.userID, SubmitRequest{VideoID: video.ID, Title: "y", StartTime: 10, EndTime: 25, Subtitles: true})
	require.NoError(t, err)
	f.runNext(t)
	w, env := f.do(http.MethodGet, "/clips/"+subbed.ID.String()+"/captions", "")
	require.Equal(t, http.StatusOK, w.Code, env.Error)
	var out CaptionsResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "en", out.Language)
	assert.Equal(t, f.transcriber.result.Text, out.Text)
	require.Len(t, out.Cues, 2)
	assert.Equal(t, "one two three four five six seven", out.Cues[0].Text)
	assert.Equal(t, 0.0, out.Cues[0].Start)
	assert.Equal(t, 3.0, out.Cues[1].Start)
}

func TestInFlight(t *testing.T) {
	f := newHandlerFixture()
	clipID, userID := uuid.New(), uuid.New()
	payload, err := json.Marshal(queue.ClipRenderPayload{ClipID: clipID, UserID: userID})
	require.NoError(t, err)
	f.jobs.jobs = []queue.Job{
		{ID: "job-1", Type: queue.JobTypeClipRender, Payload: payload, Attempt: 2},
		{ID: "job-2", Type: "unknown", Payload: payload},
	}
	f.jobs.pending = 4

	w, env := f.do(http.MethodGet, "/admin/clips/inflight", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		InFlight []InFlightJob `json:"in_flight"`
		Pending  int64         `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Len(t, out.InFlight, 1)
	assert.Equal(t, clipID, out.InFlight[0].ClipID)
	assert.Equal(t, 2, out.InFlight[0].Attempt)
	assert.Equal(t, int64(4), out.Pending)
}
