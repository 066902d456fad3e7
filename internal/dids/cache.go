package dids

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	// maxMissTTL bounds how long a newly provisioned number can keep
	// answering with the fallback document.
	maxMissTTL = 5 * time.Second
	// lookupTimeout bounds a shared lookup, which outlives any one caller.
	lookupTimeout = 2 * time.Second
)

// CachedRepo fronts a Repository with a bounded TTL cache. Concurrent misses
// for the same number share one lookup. Unknown numbers are remembered for
// at most maxMissTTL so a flood to an unprovisioned number does not reach the
// database.
type CachedRepo struct {
	next   Repository
	hits   *expirable.LRU[string, DidNumber]
	misses *expirable.LRU[string, struct{}]
	group  singleflight.Group
}

func NewCachedRepo(next Repository, size int, ttl time.Duration) *CachedRepo {
	if size <= 0 {
		size = 1024
	}
	missTTL := ttl
	if missTTL <= 0 || missTTL > maxMissTTL {
		missTTL = maxMissTTL
	}
	return &CachedRepo{
		next:   next,
		hits:   expirable.NewLRU[string, DidNumber](size, nil, ttl),
		misses: expirable.NewLRU[string, struct{}](size, nil, missTTL),
	}
}

func (r *CachedRepo) FindByNumber(ctx context.Context, number string) (DidNumber, error) {
	if d, ok := r.hits.Get(number); ok {
		return d, nil
	}
	if _, ok := r.misses.Get(number); ok {
		return DidNumber{}, ErrNotFound
	}

	ch := r.group.DoChan(number, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		d, err := r.next.FindByNumber(lctx, number)
		switch {
		case err == nil:
			r.hits.Add(number, d)
		case errors.Is(err, ErrNotFound):
			r.misses.Add(number, struct{}{})
		}
		return d, err
	})
	select {
	case <-ctx.Done():
		return DidNumber{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return DidNumber{}, res.Err
		}
		return res.Val.(DidNumber), nil
	}
}
