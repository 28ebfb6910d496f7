// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package idstore generates unique job IDs using a counter in Redis.
package idstore

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
)

var ErrConcurrencyConflict = errors.New("concurrent update conflict")

const (
	DefaultKey         = "next_job_id"
	defaultMaxAttempts = 10
)

// Store hands out job IDs. The Redis key holds the next ID to be
// issued; if it does not exist, the first ID issued is 1.
//
// IDs are unique across all Store instances sharing the same key:
// each increment is a WATCH/MULTI/EXEC transaction, retried when
// another client changes the key first.
type Store struct {
	client      *redis.Client
	key         string
	maxAttempts int
	retryDelay  time.Duration

	// Test hook, called between reading and updating the key.
	beforeCommit func()
}

// New returns a Store that uses the given client and key.
func New(client *redis.Client, key string, maxAttempts int, retryDelay time.Duration) *Store {
	if key == "" {
		key = DefaultKey
	}
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	return &Store{
		client:      client,
		key:         key,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// NewFromCluster returns a Store using the cluster's Redis
// configuration.
func NewFromCluster(cc *nwm.Cluster) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cc.Redis.Addr,
		Password: cc.Redis.Password,
		DB:       cc.Redis.DB,
	})
	return New(client, cc.Redis.JobIDKey, cc.Redis.MaxAttempts, cc.Redis.RetryDelay.Duration())
}

// NextID returns a new job ID. If the counter cannot be updated
// without interference from other clients after the configured
// number of attempts, NextID returns an error wrapping
// ErrConcurrencyConflict.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := retry.Do(
		func() error {
			return s.client.WithContext(ctx).Watch(func(tx *redis.Tx) error {
				next, err := tx.Get(s.key).Int64()
				if err == redis.Nil {
					next = 1
				} else if err != nil {
					return err
				}
				if s.beforeCommit != nil {
					s.beforeCommit()
				}
				_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
					pipe.Set(s.key, next+1, 0)
					return nil
				})
				if err == nil {
					id = next
				}
				return err
			}, s.key)
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.maxAttempts)),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return err == redis.TxFailedErr
		}),
	)
	if err == redis.TxFailedErr {
		return 0, errors.Wrapf(ErrConcurrencyConflict, "key %q: gave up after %d attempts", s.key, s.maxAttempts)
	} else if err != nil {
		return 0, errors.Wrapf(err, "key %q", s.key)
	}
	return id, nil
}

// Ping checks that the Redis server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.WithContext(ctx).Ping().Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
