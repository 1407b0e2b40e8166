package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ppiankov/proofvault/internal/model"
)

// DefaultRedisPrefix namespaces policy keys: <prefix>:<role>.
const DefaultRedisPrefix = "proofvault:policy"

// RedisResolver reads one JSON authorized schema per role from Redis.
type RedisResolver struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisResolver connects to url (redis://host:port/db) and pings it.
func NewRedisResolver(url, prefix string, logger *slog.Logger) (*RedisResolver, error) {
	if url == "" {
		url = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("policy: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("policy: connect redis: %w", err)
	}
	return NewRedisResolverWithClient(client, prefix, logger), nil
}

// NewRedisResolverWithClient wraps an existing client.
func NewRedisResolverWithClient(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisResolver {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisResolver{client: client, prefix: prefix, logger: logger}
}

func (r *RedisResolver) key(role model.Role) string {
	return r.prefix + ":" + string(role)
}

// Resolve implements Resolver. A missing key or an invalid document yields
// the empty schema; connection failures are returned.
func (r *RedisResolver) Resolve(ctx context.Context, role model.Role) (AuthorizedSchema, error) {
	data, err := r.client.Get(ctx, r.key(role)).Bytes()
	if errors.Is(err, redis.Nil) {
		return AuthorizedSchema{}, nil
	}
	if err != nil {
		return AuthorizedSchema{}, fmt.Errorf("policy: redis get %s: %w", r.key(role), err)
	}
	s, err := ParseSchema(data)
	if err != nil {
		r.logger.Warn("invalid policy document in redis, failing closed", "role", role, "error", err)
		return AuthorizedSchema{}, nil
	}
	return s, nil
}

// Put stores a role's schema. It is an administrative operation used by
// `proofvault policy push`; the governance path only reads.
func (r *RedisResolver) Put(ctx context.Context, role model.Role, s AuthorizedSchema) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("policy: marshal schema: %w", err)
	}
	if _, err := ParseSchema(payload); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(role), payload, 0).Err(); err != nil {
		return fmt.Errorf("policy: redis set %s: %w", r.key(role), err)
	}
	return nil
}

// Close releases the client.
func (r *RedisResolver) Close() error {
	return r.client.Close()
}
