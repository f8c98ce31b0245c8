package videos

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clippie/backend/internal/middleware"
	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/pkg/storage"
)

type memStore struct {
	videos map[uuid.UUID]*models.Video
}

func (m *memStore) Create(_ context.Context, v *models.Video) error {
	v.CreatedAt = time.Now()
	m.videos[v.ID] = v
	return nil
}

func (m *memStore) GetByIDForUser(_ context.Context, id, userID uuid.UUID) (*models.Video, error) {
	v, ok := m.videos[id]
	if !ok || v.UserID != userID {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *memStore) ListByUser(_ context.Context, userID uuid.UUID, _, _ int) ([]models.Video, error) {
	var out []models.Video
	for _, v := range m.videos {
		if v.UserID == userID {
			out = append(out, *v)
		}
	}
	return out, nil
}

type fakeObjects struct {
	objects map[string]int64
	lastPut string
}

func (f *fakeObjects) GeneratePresignedUploadURL(_ context.Context, bucket, key, contentType string, _ time.Duration) (string, error) {
	f.lastPut = key
	return "https://" + bucket + "/" + key + "?put&ct=" + contentType, nil
}

func (f *fakeObjects) GeneratePresignedDownloadURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://" + bucket + "/" + key + "?get", nil
}

func (f *fakeObjects) HeadObject(_ context.Context, _ string, key string) (int64, string, error) {
	size, ok := f.objects[key]
	if !ok {
		return 0, "", storage.ErrNotFound
	}
	return size, "video/mp4", nil
}

type fakeProber struct {
	duration float64
	err      error
	got      string
}

func (f *fakeProber) Probe(_ context.Context, location string) (float64, error) {
	f.got = location
	return f.duration, f.err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func setup(userID uuid.UUID) (*gin.Engine, *memStore, *fakeObjects, *fakeProber) {
	gin.SetMode(gin.TestMode)
	store := &memStore{videos: map[uuid.UUID]*models.Video{}}
	objs := &fakeObjects{objects: map[string]int64{}}
	prober := &fakeProber{duration: 120}
	h := NewHandler(store, objs, prober, "videos-bucket", 15*time.Minute, nil)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(middleware.ContextUserID, userID); c.Next() })
	r.POST("/videos/upload-url", h.UploadURL)
	r.POST("/videos", h.Register)
	r.GET("/videos", h.List)
	r.GET("/videos/:id", h.Get)
	return r, store, objs, prober
}

func do(r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestUploadAndRegister(t *testing.T) {
	userID := uuid.New()
	r, store, objs, prober := setup(userID)

	w, env := do(r, http.MethodPost, "/videos/upload-url", `{"filename":"talk.mov"}`)
	require.Equal(t, http.StatusOK, w.Code, env.Error)
	var up struct {
		VideoID     uuid.UUID `json:"video_id"`
		S3Key       string    `json:"s3_key"`
		ContentType string    `json:"content_type"`
		ExpiresIn   int       `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &up))
	assert.Equal(t, "videos/"+userID.String()+"/"+up.VideoID.String()+".mov", up.S3Key)
	assert.Equal(t, "video/quicktime", up.ContentType)
	assert.Equal(t, 900, up.ExpiresIn)

	body := `{"video_id":"` + up.VideoID.String() + `","filename":"talk.mov","title":"Keynote"}`
	w, _ = do(r, http.MethodPost, "/videos", body)
	assert.Equal(t, http.StatusBadRequest, w.Code, "not uploaded yet")

	objs.objects[up.S3Key] = 1 << 20
	w, env = do(r, http.MethodPost, "/videos", body)
	require.Equal(t, http.StatusCreated, w.Code, env.Error)
	v := store.videos[up.VideoID]
	require.NotNil(t, v)
	assert.Equal(t, 120.0, v.Duration)
	assert.Equal(t, "Keynote", v.Title)
	assert.Contains(t, prober.got, up.S3Key)

	w, _ = do(r, http.MethodGet, "/videos/"+up.VideoID.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(r, http.MethodGet, "/videos/"+uuid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadURL_RejectsType(t *testing.T) {
	r, _, _, _ := setup(uuid.New())
	w, _ := do(r, http.MethodPost, "/videos/upload-url", `{"filename":"slides.pdf","content_type":"application/pdf"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegister_ProbeFailure(t *testing.T) {
	userID := uuid.New()
	r, store, objs, prober := setup(userID)
	id := uuid.New()
	objs.objects[storage.VideoKey(userID.String(), id.String(), "a.mp4")] = 100
	prober.err = errors.New("moov atom not found")

	w, _ := do(r, http.MethodPost, "/videos", `{"video_id":"`+id.String()+`","filename":"a.mp4","title":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, store.videos)
}

func TestRegister_OtherUsersObjectIsInvisible(t *testing.T) {
	owner := uuid.New()
	r, _, objs, _ := setup(uuid.New())
	id := uuid.New()
	objs.objects[storage.VideoKey(owner.String(), id.String(), "a.mp4")] = 100

	w, _ := do(r, http.MethodPost, "/videos", `{"video_id":"`+id.String()+`","filename":"a.mp4","title":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
