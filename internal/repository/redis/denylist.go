// Package redis implements the token denylist on Redis, for deployments that
// run more than one API instance and therefore cannot keep revocations in a
// per-node SQLite file.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sakif/code-aura/internal/repository"
)

const keyPrefix = "codeaura:revoked:"

var _ repository.TokenDenylist = (*Denylist)(nil)

// Denylist stores one key per revoked token. The key's TTL is the token's
// remaining lifetime, so Redis forgets it exactly when the token would stop
// verifying anyway.
type Denylist struct {
	client *goredis.Client
}

func NewDenylist(client *goredis.Client) *Denylist {
	return &Denylist{client: client}
}

// Connect parses a redis:// URL, opens a client and checks it answers PING.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parsing url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func (d *Denylist) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := d.client.Set(ctx, keyPrefix+tokenID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis: revoking token: %w", err)
	}
	return nil
}

func (d *Denylist) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := d.client.Exists(ctx, keyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: checking revocation: %w", err)
	}
	return n > 0, nil
}

// Ping lets the health check include Redis.
func (d *Denylist) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *Denylist) Close() error {
	return d.client.Close()
}
