package token

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"terminbot/internal/muenchen"
)

// checkEvery bounds how long a worker runs between context checks.
const checkEvery = 4096

// solve searches [0, ch.MaxNumber] for a nonce n with
// sha256(salt + itoa(n)) == ch.Challenge. Workers partition the space by
// stride so the search needs no coordination beyond the shared cancel.
func solve(ctx context.Context, ch muenchen.Challenge, workers int) (int64, error) {
	if workers < 1 {
		workers = 1
	}
	want, err := hex.DecodeString(ch.Challenge)
	if err != nil || len(want) != sha256.Size {
		return 0, fmt.Errorf("%w: challenge is not a sha256 hex digest", ErrDerivation)
	}
	maxNumber := ch.MaxNumber
	if maxNumber <= 0 {
		return 0, fmt.Errorf("%w: empty search space", ErrDerivation)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan int64, 1)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(start int64) {
			defer wg.Done()
			salt := []byte(ch.Salt)
			buf := make([]byte, 0, len(salt)+20)
			for n := start; n <= maxNumber; n += int64(workers) {
				if n%checkEvery < int64(workers) {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}
				buf = append(buf[:0], salt...)
				buf = strconv.AppendInt(buf, n, 10)
				sum := sha256.Sum256(buf)
				if bytes.Equal(sum[:], want) {
					select {
					case found <- n:
						cancel()
					default:
					}
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()

	select {
	case n := <-found:
		return n, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return 0, fmt.Errorf("%w: search space exhausted (max %d)", ErrDerivation, maxNumber)
}
