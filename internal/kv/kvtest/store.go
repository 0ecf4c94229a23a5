// Package kvtest provides an in-memory kv.Store for unit tests. Expiry is
// driven by an injected clock so tests can advance time deterministically.
package kvtest

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/trivianft/trivianft/internal/kv"
)

type Store struct {
	clock clockwork.Clock

	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time
}

var _ kv.Store = (*Store)(nil)

func New(clock clockwork.Clock) *Store {
	return &Store{
		clock:   clock,
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
	}
}

// reap drops key everywhere if its TTL has passed. Callers hold mu.
func (s *Store) reap(key string) {
	exp, ok := s.expiry[key]
	if !ok || s.clock.Now().Before(exp) {
		return
	}
	s.drop(key)
}

func (s *Store) drop(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	delete(s.sets, key)
	delete(s.expiry, key)
}

func (s *Store) arm(key string, ttl time.Duration, onlyIfUnset bool) {
	if ttl <= 0 {
		return
	}
	if onlyIfUnset {
		if _, ok := s.expiry[key]; ok {
			return
		}
	}
	s.expiry[key] = s.clock.Now().Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	delete(s.expiry, key)
	s.arm(key, ttl, false)
	return nil
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	if _, ok := s.strings[key]; ok {
		return false, nil
	}
	s.strings[key] = value
	s.arm(key, ttl, false)
	return true, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.drop(k)
	}
	return nil
}

func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *Store) HGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	v, ok := s.hashes[key][field]
	return v, ok, nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arm(key, ttl, false)
	return nil
}

func (s *Store) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *Store) ZRevRangeWithScores(_ context.Context, key string, start, stop int64) ([]kv.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	all := make([]kv.Member, 0, len(s.zsets[key]))
	for m, score := range s.zsets[key] {
		all = append(all, kv.Member{Member: m, Score: score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		// Redis orders equal scores lexicographically; reversed range
		// yields descending member order.
		return all[i].Member > all[j].Member
	})
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= int64(len(all)) {
		stop = int64(len(all)) - 1
	}
	if start > stop {
		return nil, nil
	}
	return all[start : stop+1], nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	return int64(len(s.zsets[key])), nil
}

func (s *Store) SAdd(_ context.Context, key string, ttl time.Duration, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	s.arm(key, ttl, true)
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	n, _ := strconv.ParseInt(s.strings[key], 10, 64)
	n++
	s.strings[key] = strconv.FormatInt(n, 10)
	s.arm(key, ttl, true)
	return n, nil
}

func (s *Store) Ping(context.Context) (time.Duration, error) {
	return time.Microsecond, nil
}
