package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

const dependencyTimeout = 5 * time.Second

// Resources bundles the hub's external dependencies: the Postgres pool behind
// the persistence collaborators, the Redis client behind the cross-instance
// delivery relay, and the object storage client behind attachment presigning.
// Construction verifies each dependency once so the hub fails fast instead of
// rejecting its first handshake.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client

	bucket string
}

// NewResources connects every external dependency and runs one initial
// health check.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	pool, err := newPostgresPool(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}

	object, err := newObjectClient(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	res := &Resources{
		Postgres: pool,
		Redis: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		Object: object,
		bucket: cfg.ObjectBucket,
	}
	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func newPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return pool, nil
}

func newObjectClient(cfg Config) (*minio.Client, error) {
	client, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
		Secure: cfg.ObjectUseSSL,
		Region: cfg.ObjectRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}
	return client, nil
}

// HealthCheck probes every dependency within one bounded window. It backs the
// startup check and the periodic dependency probe in cmd/server.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dependencyTimeout)
	defer cancel()

	if err := r.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres unavailable: %w", err)
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unavailable: %w", err)
	}
	// Object storage has no ping; probing the attachment bucket also catches
	// a missing bucket before the first presign call would.
	ok, err := r.Object.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("object storage unavailable: %w", err)
	}
	if !ok {
		return fmt.Errorf("attachment bucket %q does not exist", r.bucket)
	}
	return nil
}

// Close releases the Postgres pool and the Redis client. The object storage
// client holds no persistent connection.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
