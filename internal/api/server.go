package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/whisper/duet/internal/model"
	"github.com/whisper/duet/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	maxBodyBytes        = 16 << 10
)

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type errorBody struct {
	Error string `json:"error"`
}

type quizResponse struct {
	Quiz *model.Quiz `json:"quiz"`
}

type answerRequest struct {
	Answer string `json:"answer"`
}

type answerResponse struct {
	Quiz         *model.Quiz `json:"quiz"`
	BothAnswered bool        `json:"bothAnswered"`
}

type historyResponse struct {
	Messages []model.Message `json:"messages"`
}

type profileResponse struct {
	User model.Profile `json:"user"`
}

type profileRequest struct {
	DisplayName string `json:"displayName"`
}

type compatibilityResponse struct {
	Score model.Compatibility `json:"score"`
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Profiles resolves and updates public profiles. session.Store implements it.
type Profiles interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	SetProfile(ctx context.Context, p model.Profile) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Handler serves the HTTP API.
type Handler struct {
	quizzes  store.QuizStore
	messages store.MessageStore
	profiles Profiles
	limits   *limiterPool
}

// NewHandler creates a Handler over the given stores.
func NewHandler(quizzes store.QuizStore, messages store.MessageStore, profiles Profiles) *Handler {
	return &Handler{quizzes: quizzes, messages: messages, profiles: profiles}
}

// Limit throttles each caller to rps requests per second with the given
// burst. It must be called before Register.
func (h *Handler) Limit(rps float64, burst int) *Handler {
	h.limits = newLimiterPool(rps, burst)
	return h
}

// Register mounts the API routes on r.
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(requireUser)
	if h.limits != nil {
		api.Use(h.limits.middleware)
	}
	api.HandleFunc("/quizzes", h.createQuiz).Methods(http.MethodPost)
	api.HandleFunc("/quizzes/{id}", h.getQuiz).Methods(http.MethodGet)
	api.HandleFunc("/quizzes/{id}/answers", h.submitAnswer).Methods(http.MethodPost)
	api.HandleFunc("/messages/{partnerId}", h.history).Methods(http.MethodGet)
	api.HandleFunc("/compatibility/score/{partnerId}", h.compatibility).Methods(http.MethodGet)
	api.HandleFunc("/users/me", h.updateProfile).Methods(http.MethodPut)
	api.HandleFunc("/users/{id}", h.profile).Methods(http.MethodGet)
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func caller(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}

func (h *Handler) createQuiz(w http.ResponseWriter, r *http.Request) {
	var draft model.QuizDraft
	if !decodeBody(w, r, &draft) {
		return
	}
	user := caller(r)
	if draft.Partner == "" || draft.Partner == user {
		writeError(w, http.StatusBadRequest, "partner is required")
		return
	}
	if err := model.ValidateDraft(draft); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := model.NewQuiz(uuid.NewString(), user, draft, time.Now().UTC())
	if err := h.quizzes.CreateQuiz(r.Context(), q); err != nil {
		log.Printf("[api] create quiz by %s: %v", user, err)
		writeError(w, http.StatusInternalServerError, "could not create quiz")
		return
	}
	log.Printf("[api] quiz %s created by %s for %s", q.ID, user, q.Partner)
	writeJSON(w, http.StatusCreated, quizResponse{Quiz: q})
}

func (h *Handler) getQuiz(w http.ResponseWriter, r *http.Request) {
	q, ok := h.loadQuiz(w, r)
	if !ok {
		return
	}
	if len(q.Answers) < model.MaxQuizAnswers {
		q.Answers = visibleAnswers(q.Answers, caller(r))
	}
	writeJSON(w, http.StatusOK, quizResponse{Quiz: q})
}

func (h *Handler) loadQuiz(w http.ResponseWriter, r *http.Request) (*model.Quiz, bool) {
	id := mux.Vars(r)["id"]
	q, err := h.quizzes.GetQuiz(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "quiz not found")
		return nil, false
	}
	if err != nil {
		log.Printf("[api] get quiz %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "could not load quiz")
		return nil, false
	}
	// Quizzes of other conversations are not disclosed.
	if !q.IsParticipant(caller(r)) {
		writeError(w, http.StatusNotFound, "quiz not found")
		return nil, false
	}
	return q, true
}

func (h *Handler) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	q, ok := h.loadQuiz(w, r)
	if !ok {
		return
	}
	user := caller(r)
	if err := q.ValidateAnswer(req.Answer); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, both, err := h.quizzes.SubmitAnswer(r.Context(), q.ID, user, req.Answer)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "quiz not found")
		return
	case errors.Is(err, store.ErrAlreadyAnswered), errors.Is(err, store.ErrQuizClosed):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, store.ErrNotParticipant):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		log.Printf("[api] answer quiz %s by %s: %v", q.ID, user, err)
		writeError(w, http.StatusInternalServerError, "could not submit answer")
		return
	}

	if !both {
		updated.Answers = visibleAnswers(updated.Answers, user)
	}
	writeJSON(w, http.StatusOK, answerResponse{Quiz: updated, BothAnswered: both})
}

// visibleAnswers blanks every answer text except viewer's. The entries stay
// so the viewer can tell that the partner has answered.
func visibleAnswers(answers []model.Answer, viewer string) []model.Answer {
	out := make([]model.Answer, 0, len(answers))
	for _, a := range answers {
		if a.User != viewer {
			a.Answer = ""
		}
		out = append(out, a)
	}
	return out
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	partner := mux.Vars(r)["partnerId"]
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.messages.History(r.Context(), caller(r), partner, limit)
	if err != nil {
		log.Printf("[api] history %s/%s: %v", caller(r), partner, err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs})
}

func (h *Handler) compatibility(w http.ResponseWriter, r *http.Request) {
	partner := mux.Vars(r)["partnerId"]
	user := caller(r)
	if partner == "" || partner == user {
		writeError(w, http.StatusBadRequest, "invalid partner")
		return
	}
	quizzes, err := h.quizzes.PairQuizzes(r.Context(), user, partner)
	if err != nil {
		log.Printf("[api] compatibility %s/%s: %v", user, partner, err)
		writeError(w, http.StatusInternalServerError, "could not load quizzes")
		return
	}
	writeJSON(w, http.StatusOK, compatibilityResponse{Score: model.ScoreQuizzes(quizzes)})
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()
	p, err := h.profiles.GetProfile(ctx, id)
	if err != nil {
		log.Printf("[api] profile %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "could not load profile")
		return
	}
	if p == nil {
		online, _ := h.profiles.IsOnline(ctx, id)
		p = &model.Profile{ID: id, DisplayName: id, IsOnline: online}
	}
	writeJSON(w, http.StatusOK, profileResponse{User: *p})
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := model.ValidateDisplayName(req.DisplayName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := caller(r)
	p := model.Profile{ID: user, DisplayName: strings.TrimSpace(req.DisplayName)}
	if err := h.profiles.SetProfile(r.Context(), p); err != nil {
		log.Printf("[api] set profile %s: %v", user, err)
		writeError(w, http.StatusInternalServerError, "could not save profile")
		return
	}
	p.IsOnline, _ = h.profiles.IsOnline(r.Context(), user)
	writeJSON(w, http.StatusOK, profileResponse{User: p})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
