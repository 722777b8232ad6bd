package attendance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	embedding []float32
	err       error
}

func (f *fakeExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.embedding, nil
}

type fakeStore struct {
	users      map[uuid.UUID]*User
	population []Candidate
	windows    map[uuid.UUID]*Window
	records    map[string]*Record
	closed     []uuid.UUID
	upserts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   map[uuid.UUID]*User{},
		windows: map[uuid.UUID]*Window{},
		records: map[string]*Record{},
	}
}

func (f *fakeStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return f.users[id], nil
}

func (f *fakeStore) Population(ctx context.Context) ([]Candidate, error) {
	return f.population, nil
}

func (f *fakeStore) GetWindow(ctx context.Context, id uuid.UUID) (*Window, error) {
	return f.windows[id], nil
}

func (f *fakeStore) CloseWindow(ctx context.Context, id uuid.UUID) error {
	f.closed = append(f.closed, id)
	if w, ok := f.windows[id]; ok {
		w.Active = false
	}
	return nil
}

func (f *fakeStore) UpsertRecord(ctx context.Context, userID, windowID uuid.UUID, date time.Time, status string, markedBy uuid.UUID) (*Record, bool, error) {
	f.upserts++
	key := fmt.Sprintf("%s|%s|%s", userID, windowID, date.Format("2006-01-02"))
	if rec, ok := f.records[key]; ok {
		rec.Status = status
		rec.MarkedBy = markedBy
		rec.UpdatedAt = time.Now()
		return rec, false, nil
	}
	rec := &Record{
		ID:        uuid.New(),
		UserID:    userID,
		WindowID:  windowID,
		Date:      date,
		Status:    status,
		MarkedBy:  markedBy,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.records[key] = rec
	return rec, true, nil
}

// Fixture: one batch-1 student inside the square boundary, a teacher, and an
// active 5 minute window started at 10:00.
type engineFixture struct {
	store     *fakeStore
	extractor *fakeExtractor
	engine    *Engine
	now       time.Time

	student *User
	teacher *User
	window  *Window
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		store:     newFakeStore(),
		extractor: &fakeExtractor{embedding: []float32{1, 0, 0}},
		now:       time.Date(2024, 3, 11, 10, 4, 0, 0, time.UTC),
	}

	batch := int64(1)
	lat, lon := 5.0, 5.0
	fx.student = &User{ID: idA, Role: RoleStudent, BatchID: &batch, Latitude: &lat, Longitude: &lon}
	fx.teacher = &User{ID: idB, Role: RoleTeacher}
	fx.store.users[idA] = fx.student
	fx.store.users[idB] = fx.teacher
	fx.store.population = []Candidate{
		{UserID: idA, Embedding: []float32{1, 0, 0}},
		{UserID: idC, Embedding: []float32{0, 1, 0}},
	}

	started := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	fx.window = &Window{
		ID:        uuid.New(),
		BatchID:   1,
		SubjectID: 7,
		StartedAt: &started,
		Duration:  300 * time.Second,
		Active:    true,
	}
	fx.store.windows[fx.window.ID] = fx.window

	fx.engine = NewEngine(fx.store, fx.extractor, Config{
		MatchThreshold: 0.55,
		Boundary:       square,
		Now:            func() time.Time { return fx.now },
	})
	return fx
}

func TestVerifyCreatesRecord(t *testing.T) {
	fx := newEngineFixture(t)

	rec, created, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, idA, rec.UserID)
	assert.Equal(t, fx.window.ID, rec.WindowID)
	assert.Equal(t, StatusPresent, rec.Status)
	assert.Equal(t, idA, rec.MarkedBy)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), rec.Date)
}

func TestVerifyIdempotentSameDay(t *testing.T) {
	fx := newEngineFixture(t)

	first, created, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	require.NoError(t, err)
	require.True(t, created)

	fx.now = fx.now.Add(30 * time.Second)
	second, created, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	require.NoError(t, err)
	assert.False(t, created, "second submission must report an existing record")
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, fx.store.records, 1)
}

func TestVerifyWindowExpiryPersistsClosure(t *testing.T) {
	fx := newEngineFixture(t)

	// 10:06 against a window that ran 10:00:00-10:05:00.
	fx.now = time.Date(2024, 3, 11, 10, 6, 0, 0, time.UTC)
	_, _, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	require.Error(t, err)
	assert.Equal(t, KindWindowClosed, KindOf(err))
	assert.Contains(t, fx.store.closed, fx.window.ID)
	assert.False(t, fx.window.Active)
	assert.Zero(t, fx.store.upserts)

	// Later evaluations observe the persisted closure without re-closing.
	_, _, err = fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindWindowClosed, KindOf(err))
	assert.Len(t, fx.store.closed, 1)
}

func TestVerifyFaceFailures(t *testing.T) {
	fx := newEngineFixture(t)

	fx.extractor.err = Errf(KindNoFaceDetected, "no face detected in image")
	_, _, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindNoFaceDetected, KindOf(err))

	fx.extractor.err = Errf(KindExtractionFailed, "encoder crashed")
	_, _, err = fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindExtractionFailed, KindOf(err))

	// Non-taxonomy extractor errors surface as extraction failures too.
	fx.extractor.err = fmt.Errorf("connection refused")
	_, _, err = fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindExtractionFailed, KindOf(err))
	assert.Zero(t, fx.store.upserts)
}

func TestVerifyForbiddenRole(t *testing.T) {
	fx := newEngineFixture(t)

	parent := &User{ID: uuid.New(), Role: RoleParent}
	_, _, err := fx.engine.Verify(context.Background(), parent, fx.window.ID, []byte("img"))
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestVerifyPopulationEmpty(t *testing.T) {
	fx := newEngineFixture(t)

	fx.store.population = nil
	_, _, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindPopulationEmpty, KindOf(err))
}

func TestVerifyNoMatchAboveThreshold(t *testing.T) {
	fx := newEngineFixture(t)

	// Nearest is idA at distance 1.0, well over the 0.55 gate.
	fx.extractor.embedding = []float32{2, 0, 0}
	_, _, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindNoMatchFound, KindOf(err), "a close-but-wrong face must never be accepted")
	assert.Zero(t, fx.store.upserts)
}

func TestVerifySelfMarkOnly(t *testing.T) {
	fx := newEngineFixture(t)

	// The submitted face matches idC, not the submitting student.
	fx.extractor.embedding = []float32{0, 1, 0}
	_, _, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindSelfMarkOnly, KindOf(err))
}

func TestVerifyTeacherMarksMatchedStudent(t *testing.T) {
	fx := newEngineFixture(t)

	// A teacher submits the student's photo; the record lands on the student
	// with the teacher as recorder.
	rec, created, err := fx.engine.Verify(context.Background(), fx.teacher, fx.window.ID, []byte("img"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, idA, rec.UserID)
	assert.Equal(t, idB, rec.MarkedBy)
}

func TestVerifyMatchedUserMissing(t *testing.T) {
	fx := newEngineFixture(t)

	delete(fx.store.users, idA)
	_, _, err := fx.engine.Verify(context.Background(), fx.teacher, fx.window.ID, []byte("img"))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestVerifyWindowNotFound(t *testing.T) {
	fx := newEngineFixture(t)

	_, _, err := fx.engine.Verify(context.Background(), fx.student, uuid.New(), []byte("img"))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestVerifyGroupMismatch(t *testing.T) {
	fx := newEngineFixture(t)

	other := int64(2)
	fx.student.BatchID = &other
	_, _, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindGroupMismatch, KindOf(err))

	fx.student.BatchID = nil
	_, _, err = fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindGroupMismatch, KindOf(err))
}

func TestVerifyLocationUnavailableNotOutOfBounds(t *testing.T) {
	fx := newEngineFixture(t)

	fx.student.Latitude = nil
	_, _, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindLocationUnavailable, KindOf(err),
		"missing location must never be reported as out of bounds")
}

func TestVerifyOutOfBounds(t *testing.T) {
	fx := newEngineFixture(t)

	lat, lon := 50.0, 50.0
	fx.student.Latitude, fx.student.Longitude = &lat, &lon
	_, _, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindOutOfBounds, KindOf(err))
	assert.Zero(t, fx.store.upserts)
}

func TestVerifyScenarioTimeline(t *testing.T) {
	// Window activated at 10:00:00 with duration 300s.
	fx := newEngineFixture(t)

	// 10:04:00 — first request succeeds and creates.
	fx.now = time.Date(2024, 3, 11, 10, 4, 0, 0, time.UTC)
	first, created, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, StatusPresent, first.Status)

	// 10:04:30 — identical request reports the same record, not created.
	fx.now = time.Date(2024, 3, 11, 10, 4, 30, 0, time.UTC)
	second, created, err := fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// 10:06:00 — past expiry: WindowClosed and the active flag is now false.
	fx.now = time.Date(2024, 3, 11, 10, 6, 0, 0, time.UTC)
	_, _, err = fx.engine.Verify(context.Background(), fx.student, fx.window.ID, []byte("img"))
	assert.Equal(t, KindWindowClosed, KindOf(err))
	assert.False(t, fx.window.Active)
}

func TestEngineDefaults(t *testing.T) {
	e := NewEngine(newFakeStore(), &fakeExtractor{}, Config{})
	assert.Equal(t, 0.55, e.cfg.MatchThreshold)
	assert.NotNil(t, e.cfg.Now)
}
