package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/go-dm/internal/database"
	"github.com/vmihailenco/msgpack/v5"
)

const UserTTL = 5 * time.Minute

type cachedUser struct {
	Id      string `msgpack:"id"`
	Name    string `msgpack:"name"`
	Email   string `msgpack:"email"`
	Picture string `msgpack:"picture"`
}

// UserCache holds the identity fields of users resolved during
// authentication. A nil *UserCache is valid and never hits.
type UserCache struct {
	store Store
	ttl   time.Duration
}

func NewUserCache(store Store, ttl time.Duration) *UserCache {
	if ttl <= 0 {
		ttl = UserTTL
	}
	return &UserCache{store: store, ttl: ttl}
}

func userKey(id string) string {
	return fmt.Sprintf("user:%s", id)
}

// Get returns the cached identity for id. Presence and password fields are
// never cached.
func (uc *UserCache) Get(ctx context.Context, id string) (database.User, bool, error) {
	if uc == nil || uc.store == nil {
		return database.User{}, false, nil
	}

	data, err := uc.store.Get(ctx, userKey(id))
	if err != nil || data == nil {
		return database.User{}, false, err
	}

	var cu cachedUser
	if err := msgpack.Unmarshal(data, &cu); err != nil {
		return database.User{}, false, fmt.Errorf("decode cached user: %w", err)
	}

	return database.User{
		Id:      cu.Id,
		Name:    cu.Name,
		Email:   cu.Email,
		Picture: cu.Picture,
	}, true, nil
}

func (uc *UserCache) Put(ctx context.Context, u database.User) error {
	if uc == nil || uc.store == nil {
		return nil
	}

	data, err := msgpack.Marshal(cachedUser{
		Id:      u.Id,
		Name:    u.Name,
		Email:   u.Email,
		Picture: u.Picture,
	})
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}

	return uc.store.Set(ctx, userKey(u.Id), data, uc.ttl)
}
