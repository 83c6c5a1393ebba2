// Package captcha issues single-use, time-limited numeric challenges.
// It is the only anti-abuse gate on anonymous public-room posting.
package captcha

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Minute

type challenge struct {
	code      string
	expiresAt time.Time
}

type Store struct {
	mu         sync.Mutex
	log        *slog.Logger
	ttl        time.Duration
	challenges map[string]challenge
	now        func() time.Time
}

func NewStore(log *slog.Logger, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		log:        log,
		ttl:        ttl,
		challenges: make(map[string]challenge),
		now:        time.Now,
	}
}

// Issue generates a five-digit code under a random opaque id.
func (s *Store) Issue() (id, code string, err error) {
	n, err := rand.Int(rand.Reader, big.NewInt(90000))
	if err != nil {
		return "", "", err
	}
	code = big.NewInt(0).Add(n, big.NewInt(10000)).String()

	raw := make([]byte, 8)
	if _, err = rand.Read(raw); err != nil {
		return "", "", err
	}
	id = hex.EncodeToString(raw)

	s.mu.Lock()
	s.challenges[id] = challenge{code: code, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return id, code, nil
}

// Validate consumes the challenge regardless of outcome: a wrong code
// burns the id and the caller must re-issue before retrying.
func (s *Store) Validate(id, submitted string) bool {
	if id == "" || submitted == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.challenges[id]
	if !ok {
		return false
	}
	delete(s.challenges, id)
	if s.now().After(entry.expiresAt) {
		return false
	}
	return entry.code == submitted
}

// Len reports the number of live challenges.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// Run sweeps expired challenges until the context is cancelled, so ids
// that are issued but never validated do not pile up.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("Context done, stopping captcha sweeper")
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := s.now()
	s.mu.Lock()
	var dropped int
	for id, entry := range s.challenges {
		if now.After(entry.expiresAt) {
			delete(s.challenges, id)
			dropped++
		}
	}
	s.mu.Unlock()
	if dropped > 0 {
		s.log.Debug("Expired captcha challenges swept", "count", dropped)
	}
}
