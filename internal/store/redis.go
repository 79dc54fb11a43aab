package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const versionField = "_version"

// Redis keeps each document in a hash and announces writes on a per-document
// pub/sub channel. Subscribers re-read the hash on every announcement, so a
// burst of writes collapses into the latest state.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{client: client, prefix: "fleet:"}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) docKey(key string) string        { return r.prefix + "doc:" + key }
func (r *Redis) channel(key string) string       { return r.prefix + "changes:" + key }
func (r *Redis) keyFromChannel(ch string) string { return strings.TrimPrefix(ch, r.prefix+"changes:") }

func (r *Redis) Put(ctx context.Context, key string, f Fields) error {
	enc, err := encode(f)
	if err != nil {
		return err
	}
	values := make(map[string]any, len(enc))
	for k, v := range enc {
		values[k] = string(v)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.docKey(key), values)
		pipe.HIncrBy(ctx, r.docKey(key), versionField, 1)
		pipe.Publish(ctx, r.channel(key), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (Snapshot, error) {
	raw, err := r.client.HGetAll(ctx, r.docKey(key)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s: %w", key, err)
	}
	if len(raw) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return toSnapshot(key, raw), nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.docKey(key))
		pipe.Publish(ctx, r.channel(key), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, q Query) (<-chan Snapshot, error) {
	var ps *redis.PubSub
	if q.Key != "" {
		ps = r.client.Subscribe(ctx, r.channel(q.Key))
	} else {
		ps = r.client.PSubscribe(ctx, r.channel("*"))
	}
	// Wait for the subscription to be confirmed so no write between the
	// initial read and the first message is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Snapshot, subscriberBuffer)
	if err := r.initial(ctx, q, out); err != nil {
		ps.Close()
		return nil, err
	}

	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				key := r.keyFromChannel(msg.Channel)
				snap, err := r.Get(ctx, key)
				switch {
				case err == ErrNotFound:
					snap = Snapshot{Key: key, Deleted: true}
				case err != nil:
					if ctx.Err() == nil {
						log.WithField("key", key).Warnf("redis store read after change: %v", err)
					}
					continue
				}
				if q.matches(snap) {
					offer(out, snap)
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) initial(ctx context.Context, q Query, out chan Snapshot) error {
	emit := func(key string) error {
		snap, err := r.Get(ctx, key)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if q.matches(snap) {
			offer(out, snap)
		}
		return nil
	}
	if q.Key != "" {
		return emit(q.Key)
	}
	iter := r.client.Scan(ctx, 0, r.docKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		if err := emit(strings.TrimPrefix(iter.Val(), r.prefix+"doc:")); err != nil {
			return err
		}
	}
	return iter.Err()
}

func toSnapshot(key string, raw map[string]string) Snapshot {
	s := Snapshot{Key: key, Fields: make(map[string]json.RawMessage, len(raw))}
	for k, v := range raw {
		if k == versionField {
			s.Version, _ = strconv.ParseUint(v, 10, 64)
			continue
		}
		s.Fields[k] = json.RawMessage(v)
	}
	return s
}

var _ Store = (*Redis)(nil)
