// Package idempotency хранит ответы на мутирующие запросы по ключу идемпотентности в Redis.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "idempotency:"
	pendingPrefix = "pending:"
)

// Сохраняет ответ только если ключ всё ещё зарезервирован тем же запросом.
const completeScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return 0
`

const abandonScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// ErrInProgress возвращается, если запрос с тем же ключом ещё выполняется.
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// Response описывает сохранённый ответ.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store хранит ключи идемпотентности в Redis.
type Store struct {
	client   *redis.Client
	ttl      time.Duration
	complete *redis.Script
	abandon  *redis.Script
}

// NewRedisClient создаёт клиент Redis по адресу.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewStore создаёт хранилище с временем жизни ключа ttl.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		client:   client,
		ttl:      ttl,
		complete: redis.NewScript(completeScript),
		abandon:  redis.NewScript(abandonScript),
	}
}

// Reservation удерживает ключ за выполняющимся запросом.
type Reservation struct {
	key   string
	token string
}

// Begin резервирует ключ. Если ответ по ключу уже сохранён, он возвращается вместо резервации.
// Пока первый запрос не завершён, повторные получают ErrInProgress.
func (s *Store) Begin(ctx context.Context, scope, key string) (*Reservation, *Response, error) {
	if s == nil || s.client == nil {
		return nil, nil, fmt.Errorf("redis client is nil")
	}

	fullKey := keyPrefix + scope + ":" + key
	token := pendingPrefix + uuid.NewString()

	ok, err := s.client.SetNX(ctx, fullKey, token, s.ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return &Reservation{key: fullKey, token: token}, nil, nil
	}

	val, err := s.client.Get(ctx, fullKey).Result()
	if errors.Is(err, redis.Nil) {
		// Ключ истёк между SETNX и GET.
		return s.Begin(ctx, scope, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get idempotency key: %w", err)
	}
	if strings.HasPrefix(val, pendingPrefix) {
		return nil, nil, ErrInProgress
	}

	var resp Response
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil, &resp, nil
}

// Complete сохраняет ответ для повторов.
func (s *Store) Complete(ctx context.Context, r *Reservation, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	err = s.complete.Run(ctx, s.client, []string{r.key}, r.token, data, s.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}

// Abandon снимает резервацию, чтобы запрос можно было повторить.
func (s *Store) Abandon(ctx context.Context, r *Reservation) error {
	if err := s.abandon.Run(ctx, s.client, []string{r.key}, r.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
