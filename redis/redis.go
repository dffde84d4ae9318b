// Package redis builds the go-redis client shared by the replica store and
// the side-channel tally counter.
package redis

import (
	"context"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

type Options struct {
	Addr     string
	Password string
	DB       int
}

const pingTimeout = 2 * time.Second

//初始化
func NewClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// Dial creates a client and makes sure the server answers.
func Dial(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := NewClient(opts)
	if err := Ping(ctx, rdb); err != nil {
		rdb.Close()
		return nil, err
	}
	log.Infof("connected to redis %s db %d", opts.Addr, opts.DB)
	return rdb, nil
}

func Ping(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(err, "ping redis %s", rdb.Options().Addr)
	}
	return nil
}
