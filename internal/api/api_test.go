package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper/duet/internal/model"
	"github.com/whisper/duet/internal/store"
)

type fakeProfiles struct {
	profiles map[string]model.Profile
	online   map[string]bool
}

func (f *fakeProfiles) GetProfile(_ context.Context, id string) (*model.Profile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return nil, nil
	}
	p.IsOnline = f.online[id]
	return &p, nil
}

func (f *fakeProfiles) SetProfile(_ context.Context, p model.Profile) error {
	f.profiles[p.ID] = p
	return nil
}

func (f *fakeProfiles) IsOnline(_ context.Context, id string) (bool, error) {
	return f.online[id], nil
}

type testServer struct {
	srv      *httptest.Server
	messages *store.MemoryMessageStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	messages := store.NewMemoryMessageStore()
	profiles := &fakeProfiles{
		profiles: map[string]model.Profile{"bob": {ID: "bob", DisplayName: "Bob"}},
		online:   map[string]bool{"bob": true},
	}
	r := mux.NewRouter()
	NewHandler(store.NewMemoryQuizStore(), messages, profiles).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, messages: messages}
}

func (s *testServer) client(user string) *Client {
	return NewClient(s.srv.URL, user, 2*time.Second)
}

func draft() model.QuizDraft {
	return model.QuizDraft{
		Partner:  "bob",
		Type:     model.QuizClassic,
		Question: "Do you like hiking?",
		Options:  []string{"Yes", "No"},
	}
}

func TestQuizLifecycle(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	alice, bob := s.client("alice"), s.client("bob")

	q, err := alice.CreateQuiz(ctx, draft())
	if err != nil {
		t.Fatalf("CreateQuiz: %v", err)
	}
	if q.ID == "" || q.Creator != "alice" || q.Partner != "bob" {
		t.Fatalf("quiz = %+v", q)
	}

	got, both, err := bob.SubmitAnswer(ctx, q.ID, "yes ")
	if err != nil || both {
		t.Fatalf("bob answer: both=%v err=%v", both, err)
	}
	if len(got.Answers) != 1 || got.Answers[0].User != "bob" {
		t.Errorf("bob sees answers %+v", got.Answers)
	}

	// The partner's answer is hidden from alice's submit response until both
	// have answered; here both have, so she gets the full set.
	got, both, err = alice.SubmitAnswer(ctx, q.ID, "Yes")
	if err != nil || !both {
		t.Fatalf("alice answer: both=%v err=%v", both, err)
	}
	if len(got.Answers) != 2 || !model.Matched(got.Answers[0].Answer, got.Answers[1].Answer) {
		t.Errorf("answers = %+v", got.Answers)
	}

	fetched, err := bob.FetchQuiz(ctx, q.ID)
	if err != nil || len(fetched.Answers) != 2 {
		t.Errorf("FetchQuiz = %+v, %v", fetched, err)
	}
}

func TestSubmitAnswer_HidesPartnerAnswer(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	alice := s.client("alice")
	q, _ := alice.CreateQuiz(ctx, draft())

	got, both, err := alice.SubmitAnswer(ctx, q.ID, "No")
	if err != nil || both {
		t.Fatalf("SubmitAnswer: both=%v err=%v", both, err)
	}
	if len(got.Answers) != 1 || got.Answers[0].User != "alice" {
		t.Errorf("answers = %+v", got.Answers)
	}
}

func TestFetchQuiz_HidesPartnerAnswerUntilBothAnswered(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	alice, bob := s.client("alice"), s.client("bob")
	q, _ := alice.CreateQuiz(ctx, draft())
	if _, _, err := alice.SubmitAnswer(ctx, q.ID, "Yes"); err != nil {
		t.Fatalf("alice answer: %v", err)
	}

	got, err := bob.FetchQuiz(ctx, q.ID)
	if err != nil {
		t.Fatalf("FetchQuiz: %v", err)
	}
	if len(got.Answers) != 1 || got.Answers[0].User != "alice" || got.Answers[0].Answer != "" {
		t.Fatalf("bob sees answers %+v before answering, want alice's hidden", got.Answers)
	}

	own, err := alice.FetchQuiz(ctx, q.ID)
	if err != nil || len(own.Answers) != 1 || own.Answers[0].Answer != "Yes" {
		t.Errorf("alice sees %+v, %v; want her own answer", own, err)
	}

	if _, _, err := bob.SubmitAnswer(ctx, q.ID, "No"); err != nil {
		t.Fatalf("bob answer: %v", err)
	}
	got, err = bob.FetchQuiz(ctx, q.ID)
	if err != nil || len(got.Answers) != 2 || got.Answers[0].Answer != "Yes" {
		t.Errorf("after both answered: %+v, %v", got, err)
	}
}

func TestCompatibility(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	alice, bob := s.client("alice"), s.client("bob")

	for _, answers := range [][2]string{{"Yes", "yes"}, {"Yes", "No"}, {"No", "No"}} {
		q, err := alice.CreateQuiz(ctx, draft())
		if err != nil {
			t.Fatalf("CreateQuiz: %v", err)
		}
		alice.SubmitAnswer(ctx, q.ID, answers[0])
		bob.SubmitAnswer(ctx, q.ID, answers[1])
	}
	// Open quizzes are not scored.
	alice.CreateQuiz(ctx, draft())

	got, err := bob.Compatibility(ctx, "alice")
	if err != nil {
		t.Fatalf("Compatibility: %v", err)
	}
	if got.TotalQuizzes != 3 || got.MatchedQuizzes != 2 || got.Score != 67 {
		t.Errorf("score = %+v, want 2 of 3 (67)", got)
	}
	if c := got.Categories[model.QuizClassic]; c.Matches != 2 || c.Total != 3 {
		t.Errorf("classic category = %+v", c)
	}

	var se *StatusError
	if _, err := alice.Compatibility(ctx, "alice"); !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("self score: err = %v", err)
	}
}

func TestSubmitAnswer_Rejections(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	alice := s.client("alice")
	q, _ := alice.CreateQuiz(ctx, draft())

	var se *StatusError
	if _, _, err := alice.SubmitAnswer(ctx, q.ID, "Maybe"); !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("invalid option: err = %v", err)
	}
	alice.SubmitAnswer(ctx, q.ID, "Yes")
	if _, _, err := alice.SubmitAnswer(ctx, q.ID, "No"); !errors.As(err, &se) || se.Code != http.StatusConflict {
		t.Errorf("second answer: err = %v", err)
	}
	if _, _, err := s.client("mallory").SubmitAnswer(ctx, q.ID, "Yes"); !errors.Is(err, ErrNotFound) {
		t.Errorf("outsider: err = %v, want ErrNotFound", err)
	}
}

func TestFetchQuiz_NotFound(t *testing.T) {
	s := newTestServer(t)
	_, err := s.client("alice").FetchQuiz(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateQuiz_Invalid(t *testing.T) {
	s := newTestServer(t)
	d := draft()
	d.Options = []string{"Only"}
	_, err := s.client("alice").CreateQuiz(context.Background(), d)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestHistory(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		s.messages.CreateMessage(ctx, &model.Message{From: "alice", To: "bob", Content: text})
		time.Sleep(time.Millisecond)
	}

	msgs, err := s.client("bob").FetchHistory(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("history = %+v", msgs)
	}

	empty, err := s.client("carol").FetchHistory(ctx, "alice", 0)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("empty history = %#v, %v", empty, err)
	}
}

func TestProfile(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	p, err := s.client("alice").FetchProfile(ctx, "bob")
	if err != nil || p.DisplayName != "Bob" || !p.IsOnline {
		t.Errorf("bob = %+v, %v", p, err)
	}
	p, err = s.client("alice").FetchProfile(ctx, "zed")
	if err != nil || p.DisplayName != "zed" || p.IsOnline {
		t.Errorf("unknown user = %+v, %v", p, err)
	}
}

func TestUpdateProfile(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	p, err := s.client("alice").UpdateProfile(ctx, "  Alice  ")
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if p.ID != "alice" || p.DisplayName != "Alice" {
		t.Errorf("updated = %+v", p)
	}
	if got, _ := s.client("bob").FetchProfile(ctx, "alice"); got.DisplayName != "Alice" {
		t.Errorf("bob sees %+v", got)
	}

	_, err = s.client("alice").UpdateProfile(ctx, " ")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("blank name err = %v, want 400", err)
	}
}

func TestRateLimitPerCaller(t *testing.T) {
	r := mux.NewRouter()
	profiles := &fakeProfiles{profiles: map[string]model.Profile{}, online: map[string]bool{}}
	NewHandler(store.NewMemoryQuizStore(), store.NewMemoryMessageStore(), profiles).Limit(0.001, 2).Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()
	ctx := context.Background()

	alice := NewClient(srv.URL, "alice", 2*time.Second)
	for i := 0; i < 2; i++ {
		if _, err := alice.FetchProfile(ctx, "bob"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	_, err := alice.FetchProfile(ctx, "bob")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
		t.Fatalf("third request err = %v, want 429", err)
	}

	// Buckets are per caller.
	if _, err := NewClient(srv.URL, "bob", 2*time.Second).FetchProfile(ctx, "alice"); err != nil {
		t.Errorf("bob throttled by alice's bucket: %v", err)
	}
}

func TestRequiresUserHeader(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Post(s.srv.URL+"/api/quizzes", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
