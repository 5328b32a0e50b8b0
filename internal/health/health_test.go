package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/retryq/internal/core/classifier"
	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/core/queue"
	"github.com/vietddude/retryq/internal/infra/storage"
	"github.com/vietddude/retryq/internal/infra/storage/memory"
)

// =============================================================================
// Helpers
// =============================================================================

type stubBreaker struct {
	state classifier.BreakerState
}

func (s *stubBreaker) State() classifier.BreakerState { return s.state }

type failingArchive struct {
	storage.DeadLetterRepository
}

func (failingArchive) Count(ctx context.Context) (int, error) {
	return 0, errors.New("connection refused")
}

func newManager(t *testing.T, cfg queue.Config) *queue.DefaultManager {
	t.Helper()
	cls, err := classifier.New()
	if err != nil {
		t.Fatalf("classifier.New: %v", err)
	}
	m, err := queue.NewManager(cfg, cls)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func deadLetterOne(t *testing.T, m *queue.DefaultManager, category domain.FailureCategory) string {
	t.Helper()
	ctx := context.Background()
	id, err := m.Enqueue(ctx, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, err = m.Process(ctx, id, queue.ExecutorFunc(func(ctx context.Context, payload any) error {
		return domain.NewFailure(category, errors.New("rejected"))
	}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return id
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Monitor
// =============================================================================

func TestMonitor_Status(t *testing.T) {
	tests := []struct {
		name       string
		breaker    classifier.BreakerState
		pending    int
		deadLetter int
		want       SystemStatus
	}{
		{"healthy", classifier.BreakerClosed, 0, 0, StatusHealthy},
		{"breaker open", classifier.BreakerOpen, 0, 0, StatusCritical},
		{"breaker half open", classifier.BreakerHalfOpen, 0, 0, StatusDegraded},
		{"pending backlog", classifier.BreakerClosed, 2, 0, StatusDegraded},
		{"pending critical", classifier.BreakerClosed, 3, 0, StatusCritical},
		{"dead letters", classifier.BreakerClosed, 0, 1, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, queue.Config{})
			for i := 0; i < tt.pending; i++ {
				m.Enqueue(context.Background(), i)
			}
			for i := 0; i < tt.deadLetter; i++ {
				deadLetterOne(t, m, domain.FailureBusiness)
			}

			mon := NewMonitor(m, &stubBreaker{state: tt.breaker}, nil, Thresholds{
				DegradedPending:     2,
				CriticalPending:     3,
				DegradedDeadLetters: 1,
			})
			if got := mon.Status(); got != tt.want {
				t.Errorf("Status() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMonitor_CheckHealthArchives(t *testing.T) {
	m := newManager(t, queue.Config{})
	repo := memory.NewDeadLetterRepo()
	repo.Save(context.Background(), &domain.DeadLetter{MessageID: "a", DeadLetteredAt: time.Now()})

	mon := NewMonitor(m, nil, map[string]storage.DeadLetterRepository{
		"memory":   repo,
		"postgres": failingArchive{},
	}, Thresholds{})

	report := mon.CheckHealth(context.Background())
	if report.Status != StatusDegraded {
		t.Errorf("Status = %s, want degraded", report.Status)
	}
	if report.Archives["memory"] != 1 {
		t.Errorf("Archives[memory] = %d, want 1", report.Archives["memory"])
	}
	if _, ok := report.Archives["postgres"]; ok {
		t.Error("failing archive should not report a count")
	}
	if len(report.Issues) != 1 {
		t.Errorf("Issues = %v, want 1 entry", report.Issues)
	}
}

// =============================================================================
// HTTP server
// =============================================================================

func TestServer_Health(t *testing.T) {
	m := newManager(t, queue.Config{})
	breaker := &stubBreaker{}
	srv := NewServer(NewMonitor(m, breaker, nil, Thresholds{}), m, nil, 0, nil)

	rec := do(srv.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", rec.Code)
	}
	if got := decode[map[string]string](t, rec)["status"]; got != "healthy" {
		t.Errorf("status = %q", got)
	}

	breaker.state = classifier.BreakerOpen
	rec = do(srv.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}

func TestServer_EnqueueAndGet(t *testing.T) {
	m := newManager(t, queue.Config{MaxPending: 1})
	srv := NewServer(NewMonitor(m, nil, nil, Thresholds{}), m, nil, 0, nil)
	h := srv.Handler()

	rec := do(h, http.MethodPost, "/messages", `{"payload":{"order":42}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue code = %d, body %s", rec.Code, rec.Body.String())
	}
	id := decode[map[string]string](t, rec)["id"]

	rec = do(h, http.MethodGet, "/messages/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get code = %d", rec.Code)
	}
	msg := decode[domain.Message](t, rec)
	if msg.Status != domain.MessageStatusPending {
		t.Errorf("Status = %s, want pending", msg.Status)
	}

	if rec := do(h, http.MethodPost, "/messages", `{"payload":1}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("full queue code = %d, want 503", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/messages", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing payload code = %d, want 400", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/messages", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body code = %d, want 400", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/messages/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id code = %d, want 404", rec.Code)
	}
}

func TestServer_DeadLetters(t *testing.T) {
	m := newManager(t, queue.Config{})
	deadLetterOne(t, m, domain.FailureBusiness)
	deadLetterOne(t, m, domain.FailureValidation)

	srv := NewServer(NewMonitor(m, nil, nil, Thresholds{}), m, nil, 0, nil)
	h := srv.Handler()

	rec := do(h, http.MethodGet, "/dead-letters", "")
	if got := decode[[]domain.DeadLetter](t, rec); len(got) != 2 {
		t.Errorf("listed %d, want 2", len(got))
	}

	rec = do(h, http.MethodGet, "/dead-letters?category=validation", "")
	got := decode[[]domain.DeadLetter](t, rec)
	if len(got) != 1 || got[0].Category != domain.FailureValidation {
		t.Errorf("filtered = %+v", got)
	}

	if rec := do(h, http.MethodGet, "/dead-letters?category=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad category code = %d, want 400", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/dead-letters?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit code = %d, want 400", rec.Code)
	}
}

func TestServer_DeadLettersFromArchive(t *testing.T) {
	m := newManager(t, queue.Config{})
	repo := memory.NewDeadLetterRepo()
	repo.Save(context.Background(), &domain.DeadLetter{MessageID: "archived", Category: domain.FailureTimeout})

	srv := NewServer(NewMonitor(m, nil, nil, Thresholds{}), m, repo, 0, nil)
	rec := do(srv.Handler(), http.MethodGet, "/dead-letters", "")
	got := decode[[]domain.DeadLetter](t, rec)
	if len(got) != 1 || got[0].MessageID != "archived" {
		t.Errorf("got %+v", got)
	}
}

func TestServer_Recover(t *testing.T) {
	m := newManager(t, queue.Config{})
	id, _ := m.Enqueue(context.Background(), "x")
	if _, err := m.Claim(context.Background(), id); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	srv := NewServer(NewMonitor(m, nil, nil, Thresholds{}), m, nil, 0, nil)
	rec := do(srv.Handler(), http.MethodPost, "/admin/recover", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if got := decode[map[string]int](t, rec)["recovered"]; got != 1 {
		t.Errorf("recovered = %d, want 1", got)
	}
	if h := m.Health(); h.Processing != 0 {
		t.Errorf("Processing = %d, want 0", h.Processing)
	}
}

func TestServer_Detailed(t *testing.T) {
	m := newManager(t, queue.Config{})
	m.Enqueue(context.Background(), "x")

	srv := NewServer(NewMonitor(m, &stubBreaker{}, nil, Thresholds{}), m, nil, 0, nil)
	rec := do(srv.Handler(), http.MethodGet, "/health/detailed", "")
	report := decode[Report](t, rec)
	if report.Queue.Pending != 1 || report.Breaker != "closed" || report.Stats.Enqueued != 1 {
		t.Errorf("report = %+v", report)
	}
}

// =============================================================================
// gRPC health
// =============================================================================

func TestGRPCServer_Refresh(t *testing.T) {
	m := newManager(t, queue.Config{})
	breaker := &stubBreaker{}
	g := NewGRPCServer(NewMonitor(m, breaker, nil, Thresholds{}), 0, nil)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := g.HealthServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: QueueService})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.GetStatus()
	}

	g.Refresh()
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %s, want SERVING", got)
	}

	breaker.state = classifier.BreakerOpen
	g.Refresh()
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %s, want NOT_SERVING", got)
	}
}
