package user

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// Hasher runs bcrypt on a bounded pool so expensive hashing never occupies more
// than `workers` CPUs, however many requests are waiting on it.
type Hasher struct {
	sem  *semaphore.Weighted
	cost int
}

func NewHasher(workers, cost int) *Hasher {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{sem: semaphore.NewWeighted(int64(workers)), cost: cost}
}

func (h *Hasher) Hash(ctx context.Context, pwd string) ([]byte, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "waiting for a hash worker")
	}
	defer h.sem.Release(1)

	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), h.cost)
	if err != nil {
		return nil, errors.Wrap(err, "hashing password")
	}
	return hash, nil
}

// Compare returns ErrInvalidCredentials on mismatch.
func (h *Hasher) Compare(ctx context.Context, hash []byte, pwd string) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "waiting for a hash worker")
	}
	defer h.sem.Release(1)

	if err := bcrypt.CompareHashAndPassword(hash, []byte(pwd)); err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return ErrInvalidCredentials
		}
		return errors.Wrap(err, "comparing password")
	}
	return nil
}
