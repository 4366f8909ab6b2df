package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"terminbot/internal/muenchen"
	logx "terminbot/pkg/logx"
)

func makeChallenge(salt string, nonce, maxNumber int64) muenchen.Challenge {
	sum := sha256.Sum256([]byte(salt + strconv.FormatInt(nonce, 10)))
	return muenchen.Challenge{
		Algorithm: "SHA-256",
		Challenge: hex.EncodeToString(sum[:]),
		MaxNumber: maxNumber,
		Salt:      salt,
		Signature: "sig",
	}
}

type fakeAPI struct {
	mu             sync.Mutex
	challengeCalls int
	verifyCalls    int
	ch             muenchen.Challenge
	gate           chan struct{} // when non-nil, CaptchaChallenge blocks until closed
	verifyErr      error
}

func (f *fakeAPI) CaptchaChallenge(ctx context.Context) (muenchen.Challenge, error) {
	f.mu.Lock()
	f.challengeCalls++
	gate := f.gate
	ch := f.ch
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return muenchen.Challenge{}, ctx.Err()
		}
	}
	return ch, nil
}

func (f *fakeAPI) VerifyCaptcha(ctx context.Context, sol muenchen.Solution) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyErr != nil {
		return "", f.verifyErr
	}
	return "jwt-" + strconv.FormatInt(sol.Number, 10), nil
}

func (f *fakeAPI) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.challengeCalls, f.verifyCalls
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSolveFindsNonce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		nonce int64
	}{
		{"zero", 0},
		{"odd", 777},
		{"even", 4242},
		{"last", 9999},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ch := makeChallenge("s4lt", tt.nonce, 10000)
			got, err := solve(context.Background(), ch, 2)
			if err != nil {
				t.Fatalf("solve: %v", err)
			}
			if got != tt.nonce {
				t.Fatalf("nonce = %d, want %d", got, tt.nonce)
			}
		})
	}
}

func TestSolveExhaustedAndTimedOut(t *testing.T) {
	t.Parallel()

	// Nonce outside the advertised search space.
	ch := makeChallenge("s4lt", 50000, 1000)
	if _, err := solve(context.Background(), ch, 2); !errors.Is(err, ErrDerivation) {
		t.Fatalf("exhausted err = %v, want ErrDerivation", err)
	}

	// Unreachable nonce plus a huge space: the deadline must cut it off.
	ch = makeChallenge("s4lt", 1, 1)
	ch.MaxNumber = 1 << 40
	ch.Challenge = hex.EncodeToString(make([]byte, 32)) // not a real digest of anything we try
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := solve(ctx, ch, 2); !errors.Is(err, ErrDerivation) {
		t.Fatalf("timeout err = %v, want ErrDerivation", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("solve ignored the deadline (%v)", elapsed)
	}
}

func TestSolveRejectsMalformedChallenge(t *testing.T) {
	t.Parallel()
	ch := muenchen.Challenge{Challenge: "not-hex", Salt: "s", MaxNumber: 10}
	if _, err := solve(context.Background(), ch, 2); !errors.Is(err, ErrDerivation) {
		t.Fatalf("err = %v, want ErrDerivation", err)
	}
}

func TestEnsureFreshCachesWithinMargin(t *testing.T) {
	f := &fakeAPI{ch: makeChallenge("s4lt", 123, 10000)}
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	p := NewProvider(f, Config{RefreshMargin: 270 * time.Second}, logx.Nop())
	p.now = clk.now

	tok, err := p.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if tok != "jwt-123" {
		t.Fatalf("token = %q", tok)
	}
	if _, err := p.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh cached: %v", err)
	}
	if calls, _ := f.calls(); calls != 1 {
		t.Fatalf("challenge calls = %d, want 1 (second call must hit the cache)", calls)
	}

	clk.advance(271 * time.Second)
	if _, err := p.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh after margin: %v", err)
	}
	if calls, _ := f.calls(); calls != 2 {
		t.Fatalf("challenge calls = %d, want 2 (aged token must re-derive)", calls)
	}
}

func TestEnsureFreshSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeAPI{ch: makeChallenge("s4lt", 55, 10000), gate: gate}
	p := NewProvider(f, Config{}, logx.Nop())

	const callers = 5
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = p.EnsureFresh(context.Background())
		}(i)
	}

	// Let the stragglers pile up behind the in-flight derivation.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "jwt-55" {
			t.Fatalf("caller %d token = %q", i, tokens[i])
		}
	}
	if calls, _ := f.calls(); calls != 1 {
		t.Fatalf("challenge calls = %d, want 1", calls)
	}
}

func TestInvalidateForcesRederive(t *testing.T) {
	f := &fakeAPI{ch: makeChallenge("s4lt", 9, 10000)}
	p := NewProvider(f, Config{}, logx.Nop())

	if _, err := p.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if _, ok := p.Age(); !ok {
		t.Fatalf("Age should report a fresh token")
	}

	p.Invalidate()
	if _, ok := p.Age(); ok {
		t.Fatalf("Age should report no token after Invalidate")
	}
	if _, err := p.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh after Invalidate: %v", err)
	}
	if calls, _ := f.calls(); calls != 2 {
		t.Fatalf("challenge calls = %d, want 2", calls)
	}
}

func TestVerifyRejectionPropagates(t *testing.T) {
	f := &fakeAPI{ch: makeChallenge("s4lt", 4, 10000), verifyErr: muenchen.ErrTokenRejected}
	p := NewProvider(f, Config{}, logx.Nop())

	_, err := p.EnsureFresh(context.Background())
	if !errors.Is(err, muenchen.ErrTokenRejected) {
		t.Fatalf("err = %v, want ErrTokenRejected", err)
	}

	// The failure must not poison the provider: a later attempt succeeds.
	f.mu.Lock()
	f.verifyErr = nil
	f.mu.Unlock()
	if _, err := p.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh after failure: %v", err)
	}
}
