package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"flowboard/domain"
)

var testBuckets = []domain.Bucket{
	{ID: "todo", Label: "To Do"},
	{ID: "doing", Label: "Doing"},
	{ID: "done", Label: "Done"},
}

type fakeStorage struct {
	mu      sync.Mutex
	tasks   []domain.Task
	loadErr error

	commitErr error
	commits   [][]domain.Update
	committed chan struct{}
}

func (f *fakeStorage) Load(ctx context.Context, boardID string) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make([]domain.Task, len(f.tasks))
	copy(out, f.tasks)
	return out, nil
}

func (f *fakeStorage) Commit(ctx context.Context, boardID string, updates []domain.Update) error {
	f.mu.Lock()
	f.commits = append(f.commits, updates)
	committed := f.committed
	err := f.commitErr
	f.mu.Unlock()
	if committed != nil {
		committed <- struct{}{}
	}
	return err
}

func (f *fakeStorage) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

type fakeDeduper struct {
	mu      sync.Mutex
	seen    map[string]bool
	removed []string
	addErr  error
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{seen: make(map[string]bool)}
}

func (f *fakeDeduper) AddMany(ctx context.Context, boardID string, keys []string) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]bool, len(keys))
	if f.addErr != nil {
		return results, f.addErr
	}
	for i, key := range keys {
		results[i] = !f.seen[boardID+":"+key]
		f.seen[boardID+":"+key] = true
	}
	return results, nil
}

func (f *fakeDeduper) Remove(ctx context.Context, boardID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, boardID+":"+key)
	f.removed = append(f.removed, key)
	return nil
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(string) (string, error) { return "user", nil }

type failAuth struct{}

func (failAuth) UserIDFromAuthHeader(string) (string, error) {
	return "", errors.New("bad token")
}

func boardTasks() []domain.Task {
	return []domain.Task{
		{ID: "t1", BucketID: "todo", OrderIndex: 0, Title: "first"},
		{ID: "t2", BucketID: "todo", OrderIndex: 1, Title: "second"},
		{ID: "t3", BucketID: "doing", OrderIndex: 0, Title: "third"},
	}
}

func newTestRegistry(t *testing.T, store Storage) *boardRegistry {
	t.Helper()
	boards := newBoardRegistry(store, testBuckets, log.New())
	t.Cleanup(boards.shutdown)
	return boards
}

func TestGetBoard(t *testing.T) {
	e := echo.New()
	store := &fakeStorage{tasks: boardTasks()}
	boards := newTestRegistry(t, store)

	req := httptest.NewRequest(http.MethodGet, "/api/boards/b1", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("boardID")
	c.SetParamValues("b1")

	if err := getBoard(boards, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.BoardID != "b1" {
		t.Fatalf("unexpected board id: %q", resp.BoardID)
	}
	if len(resp.Buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(resp.Buckets))
	}
	if resp.Buckets[0].ID != "todo" || len(resp.Buckets[0].Tasks) != 2 {
		t.Fatalf("unexpected first bucket: %#v", resp.Buckets[0])
	}
	if resp.Buckets[0].Tasks[0].ID != "t1" || resp.Buckets[0].Tasks[1].ID != "t2" {
		t.Fatalf("unexpected todo order: %#v", resp.Buckets[0].Tasks)
	}
	if len(resp.Buckets[2].Tasks) != 0 {
		t.Fatalf("expected empty done bucket, got %#v", resp.Buckets[2].Tasks)
	}
}

func TestGetBoardUnauthorized(t *testing.T) {
	e := echo.New()
	boards := newTestRegistry(t, &fakeStorage{})

	req := httptest.NewRequest(http.MethodGet, "/api/boards/b1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("boardID")
	c.SetParamValues("b1")

	if err := getBoard(boards, failAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestGetBoardLoadFailure(t *testing.T) {
	e := echo.New()
	store := &fakeStorage{loadErr: errors.New("table offline")}
	boards := newTestRegistry(t, store)

	req := httptest.NewRequest(http.MethodGet, "/api/boards/b1", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("boardID")
	c.SetParamValues("b1")

	if err := getBoard(boards, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
}

func postMovesRequest(t *testing.T, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/boards/b1/moves", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("boardID")
	c.SetParamValues("b1")
	return c, rec
}

func TestPostMovesAppliesAndCommits(t *testing.T) {
	store := &fakeStorage{tasks: boardTasks(), committed: make(chan struct{}, 4)}
	boards := newTestRegistry(t, store)
	deduper := newFakeDeduper()

	c, rec := postMovesRequest(t, `[{"taskId":"t2","bucketId":"doing","index":0,"idempotencyKey":"k1"}]`)
	if err := postMoves(boards, mockAuth{}, deduper)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d", rec.Code)
	}
	var resp postMovesResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.IdempotencyKeys) != 1 || resp.IdempotencyKeys[0] != "k1" {
		t.Fatalf("unexpected keys: %#v", resp.IdempotencyKeys)
	}

	select {
	case <-store.committed:
	case <-time.After(time.Second):
		t.Fatal("commit never reached storage")
	}

	eng, err := boards.engineFor(context.Background(), "b1")
	if err != nil {
		t.Fatalf("engineFor: %v", err)
	}
	board := eng.Board()
	doing := board.BucketTasks("doing")
	if len(doing) != 2 || doing[0].ID != "t2" || doing[1].ID != "t3" {
		t.Fatalf("unexpected doing bucket after move: %#v", doing)
	}
}

func TestPostMovesDuplicateKeySkipped(t *testing.T) {
	store := &fakeStorage{tasks: boardTasks()}
	boards := newTestRegistry(t, store)
	deduper := newFakeDeduper()
	deduper.seen["b1:dup"] = true

	c, rec := postMovesRequest(t, `[{"taskId":"t2","bucketId":"doing","index":0,"idempotencyKey":"dup"}]`)
	if err := postMoves(boards, mockAuth{}, deduper)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d", rec.Code)
	}

	eng, err := boards.engineFor(context.Background(), "b1")
	if err != nil {
		t.Fatalf("engineFor: %v", err)
	}
	todo := eng.Board().BucketTasks("todo")
	if len(todo) != 2 {
		t.Fatalf("duplicate move was applied: %#v", todo)
	}
	if store.commitCount() != 0 {
		t.Fatalf("expected no commits, got %d", store.commitCount())
	}
}

func TestPostMovesGeneratesMissingKeys(t *testing.T) {
	store := &fakeStorage{tasks: boardTasks()}
	boards := newTestRegistry(t, store)
	deduper := newFakeDeduper()

	c, rec := postMovesRequest(t, `[{"taskId":"t3","bucketId":"done","index":0}]`)
	if err := postMoves(boards, mockAuth{}, deduper)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d", rec.Code)
	}
	var resp postMovesResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.IdempotencyKeys) != 1 || resp.IdempotencyKeys[0] == "" {
		t.Fatalf("expected a generated key, got %#v", resp.IdempotencyKeys)
	}
}

func TestPostMovesUnknownTask(t *testing.T) {
	store := &fakeStorage{tasks: boardTasks()}
	boards := newTestRegistry(t, store)
	deduper := newFakeDeduper()

	c, rec := postMovesRequest(t, `[{"taskId":"ghost","bucketId":"done","index":0,"idempotencyKey":"k1"}]`)
	if err := postMoves(boards, mockAuth{}, deduper)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
	if len(deduper.removed) != 1 || deduper.removed[0] != "k1" {
		t.Fatalf("expected key rollback, got %#v", deduper.removed)
	}
	if store.commitCount() != 0 {
		t.Fatalf("expected no commits, got %d", store.commitCount())
	}
}

func TestPostMovesFailureRollsBackUnappliedKeys(t *testing.T) {
	store := &fakeStorage{tasks: boardTasks()}
	boards := newTestRegistry(t, store)
	deduper := newFakeDeduper()

	body := `[{"taskId":"ghost","bucketId":"done","index":0,"idempotencyKey":"k1"},` +
		`{"taskId":"t2","bucketId":"doing","index":0,"idempotencyKey":"k2"}]`
	c, rec := postMovesRequest(t, body)
	if err := postMoves(boards, mockAuth{}, deduper)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}

	// Neither the failed move's key nor the never-applied one behind it may
	// stay recorded, or a retry of the batch would be deduped into losing t2.
	if len(deduper.removed) != 2 || deduper.removed[0] != "k1" || deduper.removed[1] != "k2" {
		t.Fatalf("expected k1 and k2 rolled back, got %#v", deduper.removed)
	}

	eng, err := boards.engineFor(context.Background(), "b1")
	if err != nil {
		t.Fatalf("engineFor: %v", err)
	}
	if len(eng.Board().BucketTasks("doing")) != 1 {
		t.Fatalf("unapplied move leaked into the board: %#v", eng.Board().BucketTasks("doing"))
	}

	retry, retryRec := postMovesRequest(t, `[{"taskId":"t2","bucketId":"doing","index":0,"idempotencyKey":"k2"}]`)
	if err := postMoves(boards, mockAuth{}, deduper)(retry); err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if retryRec.Code != http.StatusAccepted {
		t.Fatalf("expected retry status 202 got %d", retryRec.Code)
	}
	doing := eng.Board().BucketTasks("doing")
	if len(doing) != 2 || doing[0].ID != "t2" {
		t.Fatalf("retried move was not applied: %#v", doing)
	}
}

func TestPostMovesInvalidBody(t *testing.T) {
	boards := newTestRegistry(t, &fakeStorage{tasks: boardTasks()})

	for name, body := range map[string]string{
		"not_json":      "{",
		"unknown_field": `[{"taskId":"t1","bucketId":"todo","index":0,"bogus":true}]`,
		"empty_array":   "[]",
	} {
		t.Run(name, func(t *testing.T) {
			c, rec := postMovesRequest(t, body)
			if err := postMoves(boards, mockAuth{}, newFakeDeduper())(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400 got %d", rec.Code)
			}
		})
	}
}

func TestPostMovesUnauthorized(t *testing.T) {
	boards := newTestRegistry(t, &fakeStorage{})

	c, rec := postMovesRequest(t, `[{"taskId":"t1","bucketId":"todo","index":0}]`)
	if err := postMoves(boards, failAuth{}, newFakeDeduper())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestPostReloadReplacesSnapshot(t *testing.T) {
	e := echo.New()
	store := &fakeStorage{tasks: boardTasks()}
	boards := newTestRegistry(t, store)

	if _, err := boards.engineFor(context.Background(), "b1"); err != nil {
		t.Fatalf("engineFor: %v", err)
	}

	// The forms subsystem created a task; the engine only sees it on reload.
	store.mu.Lock()
	store.tasks = append(store.tasks, domain.Task{ID: "t4", BucketID: "done", OrderIndex: 0, Title: "new"})
	store.mu.Unlock()

	req := httptest.NewRequest(http.MethodPost, "/api/boards/b1/reload", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("boardID")
	c.SetParamValues("b1")

	if err := postReload(boards, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Buckets) != 3 || len(resp.Buckets[2].Tasks) != 1 || resp.Buckets[2].Tasks[0].ID != "t4" {
		t.Fatalf("reload did not pick up new task: %#v", resp.Buckets)
	}
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := healthz()(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
}
