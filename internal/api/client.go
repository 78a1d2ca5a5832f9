// Package api is the HTTP side of duet: CRUD for quizzes, message history
// and profiles. The relay mounts Handler; peers use Client.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/duet/internal/model"
)

// UserHeader carries the caller's identity, set by the auth layer in front
// of the relay.
const UserHeader = "X-User-ID"

var ErrNotFound = errors.New("api: not found")

// StatusError is returned for any non-2xx response other than 404.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Message)
}

// Client calls the relay's HTTP API on behalf of one user.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// NewClient creates a client for baseURL (e.g. "http://localhost:8080").
func NewClient(baseURL, userID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set(UserHeader, c.userID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("api: %s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorBody
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

// CreateQuiz creates a quiz from draft with the client's user as creator.
func (c *Client) CreateQuiz(ctx context.Context, draft model.QuizDraft) (*model.Quiz, error) {
	var resp quizResponse
	if err := c.do(ctx, http.MethodPost, "/api/quizzes", draft, &resp); err != nil {
		return nil, err
	}
	return resp.Quiz, nil
}

// SubmitAnswer submits the client's answer. The returned quiz blanks the
// partner's answer until both have answered.
func (c *Client) SubmitAnswer(ctx context.Context, quizID, answer string) (*model.Quiz, bool, error) {
	var resp answerResponse
	path := "/api/quizzes/" + url.PathEscape(quizID) + "/answers"
	if err := c.do(ctx, http.MethodPost, path, answerRequest{Answer: answer}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Quiz, resp.BothAnswered, nil
}

// FetchQuiz loads the authoritative quiz. A missing quiz wraps ErrNotFound.
// Until both have answered, the partner's answer is present with empty text.
func (c *Client) FetchQuiz(ctx context.Context, quizID string) (*model.Quiz, error) {
	var resp quizResponse
	if err := c.do(ctx, http.MethodGet, "/api/quizzes/"+url.PathEscape(quizID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Quiz, nil
}

// FetchHistory returns up to limit messages with partnerID, oldest first.
func (c *Client) FetchHistory(ctx context.Context, partnerID string, limit int) ([]model.Message, error) {
	path := "/api/messages/" + url.PathEscape(partnerID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Compatibility returns how often the client's user and partnerID matched
// on closed quizzes.
func (c *Client) Compatibility(ctx context.Context, partnerID string) (*model.Compatibility, error) {
	var resp compatibilityResponse
	if err := c.do(ctx, http.MethodGet, "/api/compatibility/score/"+url.PathEscape(partnerID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Score, nil
}

// FetchProfile loads a user's public profile.
func (c *Client) FetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var resp profileResponse
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// UpdateProfile sets the client's own display name.
func (c *Client) UpdateProfile(ctx context.Context, displayName string) (*model.Profile, error) {
	var resp profileResponse
	if err := c.do(ctx, http.MethodPut, "/api/users/me", profileRequest{DisplayName: displayName}, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}
