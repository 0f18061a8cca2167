package wallet

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each identity under Prefix+id with no expiry. SETNX gives
// first-writer-wins.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

func (s RedisStore) key(id string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "wallet:"
	}
	return prefix + id
}

func (s RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := validID(id); err != nil {
		return false, err
	}
	n, err := s.Client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, s.unavailable(err)
	}
	return n > 0, nil
}

func (s RedisStore) Get(ctx context.Context, id string) (Credential, error) {
	if err := validID(id); err != nil {
		return Credential{}, err
	}
	raw, err := s.Client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, s.unavailable(err)
	}
	cred, err := Unmarshal(raw)
	if err != nil {
		return Credential{}, s.unavailable(err)
	}
	return cred, nil
}

func (s RedisStore) Put(ctx context.Context, id string, cred Credential) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	raw, err := Marshal(cred)
	if err != nil {
		return err
	}
	ok, err := s.Client.SetNX(ctx, s.key(id), raw, 0).Result()
	if err != nil {
		return s.unavailable(err)
	}
	if !ok {
		return &DuplicateIdentityError{ID: id}
	}
	return nil
}

func (s RedisStore) unavailable(err error) error {
	return &UnavailableError{Backend: "redis", Err: err}
}
