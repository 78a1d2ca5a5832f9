package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/duet/internal/model"
)

// Redis key layout:
//
//	quiz:<id>          quiz JSON without answers
//	quiz:<id>:answers  hash user -> answer
//	quizzes:<a>:<b>    set of quiz ids between a and b (a < b)
const (
	QuizPrefix     = "quiz:"
	PairQuizPrefix = "quizzes:"
)

// RedisQuizStore keeps quizzes in Redis.
type RedisQuizStore struct {
	rdb          *redis.Client
	submitScript *redis.Script
}

// NewRedisQuizStore creates a quiz store backed by Redis.
func NewRedisQuizStore(rdb *redis.Client) *RedisQuizStore {
	return &RedisQuizStore{
		rdb:          rdb,
		submitScript: redis.NewScript(submitAnswerLua),
	}
}

func quizKey(id string) string    { return QuizPrefix + id }
func answersKey(id string) string { return QuizPrefix + id + ":answers" }
func pairKey(a, b string) string  { return PairQuizPrefix + pairID(a, b) }

// CreateQuiz stores q with QuizTTL.
func (s *RedisQuizStore) CreateQuiz(ctx context.Context, q *model.Quiz) error {
	stored := *q
	stored.Answers = nil
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("store: marshal quiz: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, quizKey(q.ID), data, QuizTTL)
	pipe.Del(ctx, answersKey(q.ID))
	pipe.SAdd(ctx, pairKey(q.Creator, q.Partner), q.ID)
	pipe.Expire(ctx, pairKey(q.Creator, q.Partner), QuizTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: create quiz: %w", err)
	}
	return nil
}

// GetQuiz loads a quiz with its answers.
func (s *RedisQuizStore) GetQuiz(ctx context.Context, id string) (*model.Quiz, error) {
	pipe := s.rdb.Pipeline()
	data := pipe.Get(ctx, quizKey(id))
	answers := pipe.HGetAll(ctx, answersKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: get quiz: %w", err)
	}
	return decodeQuiz(id, data, answers)
}

func decodeQuiz(id string, data *redis.StringCmd, answers *redis.MapStringStringCmd) (*model.Quiz, error) {
	raw, err := data.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get quiz: %w", err)
	}

	var q model.Quiz
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("store: decode quiz %s: %w", id, err)
	}
	q.Answers = orderAnswers(&q, answers.Val())
	return &q, nil
}

// PairQuizzes loads every indexed quiz between a and b. Ids whose quiz has
// expired are pruned from the index.
func (s *RedisQuizStore) PairQuizzes(ctx context.Context, a, b string) ([]model.Quiz, error) {
	key := pairKey(a, b)
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: pair quizzes: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	datas := make([]*redis.StringCmd, len(ids))
	answers := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		datas[i] = pipe.Get(ctx, quizKey(id))
		answers[i] = pipe.HGetAll(ctx, answersKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: pair quizzes: %w", err)
	}

	out := make([]model.Quiz, 0, len(ids))
	var expired []interface{}
	for i, id := range ids {
		q, err := decodeQuiz(id, datas[i], answers[i])
		if errors.Is(err, ErrNotFound) {
			expired = append(expired, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	if len(expired) > 0 {
		if err := s.rdb.SRem(ctx, key, expired...).Err(); err != nil {
			log.Printf("[store] prune %s: %v", key, err)
		}
	}
	sortByCreated(out)
	return out, nil
}

// SubmitAnswer records an answer through submitAnswerLua.
func (s *RedisQuizStore) SubmitAnswer(ctx context.Context, id, user, answer string) (*model.Quiz, bool, error) {
	ttl := int(QuizTTL.Seconds())
	result, err := s.submitScript.Run(ctx, s.rdb, []string{quizKey(id), answersKey(id)}, user, answer, ttl).Int()
	if err != nil {
		return nil, false, fmt.Errorf("store: submit answer: %w", err)
	}
	switch result {
	case -1:
		return nil, false, ErrNotFound
	case -2:
		return nil, false, ErrQuizClosed
	case -3:
		return nil, false, ErrAlreadyAnswered
	case -4:
		return nil, false, ErrNotParticipant
	}

	q, err := s.GetQuiz(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return q, result >= model.MaxQuizAnswers, nil
}

// submitAnswerLua atomically records an answer. Returns:
//
//	n  = answers recorded so far (1 or 2)
//	-1 = quiz not found
//	-2 = quiz already has two answers
//	-3 = user already answered
//	-4 = user not a participant
const submitAnswerLua = `
local data = redis.call('GET', KEYS[1])
if not data then return -1 end

local quiz = cjson.decode(data)
local user = ARGV[1]
if user ~= quiz['creator'] and user ~= quiz['partner'] then return -4 end

if redis.call('HEXISTS', KEYS[2], user) == 1 then return -3 end
if redis.call('HLEN', KEYS[2]) >= 2 then return -2 end

redis.call('HSET', KEYS[2], user, ARGV[2])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[3]))
return redis.call('HLEN', KEYS[2])
`
