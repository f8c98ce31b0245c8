package clips

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clippie/backend/internal/media"
	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/internal/quota"
	"github.com/clippie/backend/internal/transcription"
	"github.com/clippie/backend/internal/videos"
	"github.com/clippie/backend/pkg/queue"
	"github.com/clippie/backend/pkg/storage"
)

var errDBDown = errors.New("connection refused")

// memStore stands in for the clips, videos and subscriptions tables.
type memStore struct {
	mu             sync.Mutex
	clips          map[uuid.UUID]*models.Clip
	videos         map[uuid.UUID]*models.Video
	subs           map[uuid.UUID]*models.Subscription
	transcriptions map[uuid.UUID]*models.ClipTranscription

	createErr       error
	getErr          error
	updateOutputErr error
	markReadyErr    error
	markErrorErr    error
}

func newMemStore() *memStore {
	return &memStore{
		clips:          map[uuid.UUID]*models.Clip{},
		videos:         map[uuid.UUID]*models.Video{},
		subs:           map[uuid.UUID]*models.Subscription{},
		transcriptions: map[uuid.UUID]*models.ClipTranscription{},
	}
}

func (m *memStore) addVideo(userID uuid.UUID, duration float64) *models.Video {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := &models.Video{ID: uuid.New(), UserID: userID, Title: "source", S3Key: "videos/" + userID.String() + "/src.mp4", Duration: duration}
	m.videos[v.ID] = v
	return v
}

func (m *memStore) setPlan(userID uuid.UUID, tier quota.Tier, used int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := time.Now().Add(30 * 24 * time.Hour)
	m.subs[userID] = &models.Subscription{UserID: userID, Plan: tier, MinutesUsed: used, CurrentPeriodEnd: &end}
}

func (m *memStore) minutes(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[userID]; ok {
		return s.MinutesUsed
	}
	return 0
}

func (m *memStore) clip(id uuid.UUID) models.Clip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.clips[id]
}

func (m *memStore) GetByIDForUser(_ context.Context, id, userID uuid.UUID) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok || v.UserID != userID {
		return nil, videos.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Get(_ context.Context, userID uuid.UUID) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[userID]; ok {
		cp := *s
		return &cp, nil
	}
	return models.FreeSubscription(userID), nil
}

func (m *memStore) Create(_ context.Context, c *models.Clip) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	c.Duration = c.EndTime - c.StartTime
	c.Status = models.ClipStatusProcessing
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.clips[c.ID] = &cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Clip, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ReservedMinutes(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.clips {
		if c.UserID == userID && c.Status == models.ClipStatusProcessing {
			n += quota.MinutesFor(c.Duration)
		}
	}
	return n, nil
}

func (m *memStore) UpdateOutput(_ context.Context, id uuid.UUID, key string) error {
	if m.updateOutputErr != nil {
		return m.updateOutputErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clips[id]
	if !ok || c.Status != models.ClipStatusProcessing {
		return ErrNotProcessing
	}
	c.OutputKey = key
	return nil
}

func (m *memStore) MarkReady(_ context.Context, u ReadyUpdate) error {
	if m.markReadyErr != nil {
		return m.markReadyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clips[u.ClipID]
	if !ok || c.Status != models.ClipStatusProcessing {
		return ErrNotProcessing
	}
	c.Status = models.ClipStatusReady
	c.OutputKey = u.OutputKey
	s, ok := m.subs[u.UserID]
	if !ok {
		s = models.FreeSubscription(u.UserID)
		m.subs[u.UserID] = s
	}
	s.MinutesUsed += u.Minutes
	if u.Transcription != nil {
		m.transcriptions[u.ClipID] = u.Transcription
	}
	return nil
}

func (m *memStore) MarkError(_ context.Context, id uuid.UUID, reason string) error {
	if m.markErrorErr != nil {
		return m.markErrorErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clips[id]
	if !ok || c.Status != models.ClipStatusProcessing {
		return ErrNotProcessing
	}
	c.Status = models.ClipStatusError
	c.OutputKey = ""
	c.ErrorMessage = reason
	return nil
}

func (m *memStore) ListByUser(_ context.Context, userID uuid.UUID, _, _ int) ([]models.Clip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Clip{}
	for _, c := range m.clips {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) GetTranscription(_ context.Context, clipID uuid.UUID) (*models.ClipTranscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcriptions[clipID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// clipReader adapts memStore's clip lookups to the handler's Reader.
type clipReader struct{ *memStore }

func (r clipReader) GetByIDForUser(_ context.Context, id, userID uuid.UUID) (*models.Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clips[id]
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

type fakeMedia struct {
	mu         sync.Mutex
	extractErr error
	burnErr    error
	extracts   []media.ExtractRequest
	burns      []media.Style
	n          int

	// afterExtract and afterBurn run once the output exists.
	afterExtract func()
	afterBurn    func()
}

func (f *fakeMedia) ExtractRange(ctx context.Context, req media.ExtractRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracts = append(f.extracts, req)
	if f.extractErr != nil {
		return "", f.extractErr
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", media.ErrTranscodeFailed, err)
	}
	f.n++
	if f.afterExtract != nil {
		f.afterExtract()
	}
	return storage.ClipKey(fmt.Sprintf("extracted-%d", f.n)), nil
}

func (f *fakeMedia) BurnSubtitles(_ context.Context, clipKey, _ string, style media.Style) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.burns = append(f.burns, style)
	if f.burnErr != nil {
		return "", f.burnErr
	}
	if f.afterBurn != nil {
		f.afterBurn()
	}
	return strings.TrimSuffix(clipKey, ".mp4") + "-burned.mp4", nil
}

type fakeTranscriber struct {
	result transcription.Result
	calls  int
}

func (f *fakeTranscriber) TranscribeRange(_ context.Context, _ string, _, _ float64, language string) transcription.Result {
	f.calls++
	r := f.result
	if r.Language == "" {
		r.Language = language
	}
	return r
}

type fakeCaptions struct {
	mu        sync.Mutex
	uploads   map[string]string
	deleted   []string
	uploadErr error
}

func (f *fakeCaptions) Upload(_ context.Context, bucket, key, _ string, body io.Reader, _ int64, _ bool) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	b, _ := io.ReadAll(body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = map[string]string{}
	}
	f.uploads[bucket+"/"+key] = string(b)
	return key, nil
}

func (f *fakeCaptions) DeleteObject(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, bucket+"/"+key)
	return nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.ClipRenderPayload
	err  error
}

func (f *fakeQueue) EnqueueClipRender(_ context.Context, p queue.ClipRenderPayload) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, p)
	return nil
}

func (f *fakeQueue) pop() queue.ClipRenderPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.jobs[0]
	f.jobs = f.jobs[1:]
	return p
}

type fakePublisher struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (f *fakePublisher) Publish(_ context.Context, _ uuid.UUID, _ string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := payload.(StatusEvent); ok {
		f.events = append(f.events, ev)
	}
	return nil
}

func (f *fakePublisher) statuses() []models.ClipStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ClipStatus, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Status
	}
	return out
}

// harness wires a Service and a Pipeline over the same fakes.
type harness struct {
	store       *memStore
	media       *fakeMedia
	transcriber *fakeTranscriber
	captions    *fakeCaptions
	queue       *fakeQueue
	events      *fakePublisher
	service     *Service
	pipeline    *Pipeline
}

func newHarness() *harness {
	h := &harness{
		store:       newMemStore(),
		media:       &fakeMedia{},
		transcriber: &fakeTranscriber{result: transcription.Result{Text: "one two three four five six seven eight nine"}},
		captions:    &fakeCaptions{},
		queue:       &fakeQueue{},
		events:      &fakePublisher{},
	}
	h.service = NewService(h.store, h.store, h.store, h.queue, h.events, nil)
	h.pipeline = NewPipeline(h.store, h.media, h.transcriber, h.captions, h.events, PipelineConfig{
		ClipsBucket:     "clips",
		SubtitlesBucket: "subs",
		ExtractTimeout:  time.Second,
		BurnTimeout:     time.Second,
	}, nil)
	return h
}

// submitAndRun submits a request and runs the scheduled job to completion.
func (h *harness) submitAndRun(ctx context.Context, userID uuid.UUID, req SubmitRequest) (*models.Clip, error) {
	clip, err := h.service.Submit(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	if err := h.pipeline.Process(ctx, h.queue.pop()); err != nil {
		return nil, err
	}
	c := h.store.clip(clip.ID)
	return &c, nil
}
