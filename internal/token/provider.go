// Package token maintains the short-lived captcha token the citizen API
// demands. Deriving one means fetching a proof-of-work challenge,
// grinding out the nonce on a small worker pool, and trading the
// solution for a JWT. Tokens live about five minutes; the provider
// refreshes proactively and collapses concurrent refreshes into one
// derivation.
package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"terminbot/internal/muenchen"
	logx "terminbot/pkg/logx"
)

// ErrDerivation means no token could be derived within the configured
// budget (solver exhausted, or the API refused the exchange).
var ErrDerivation = errors.New("token: derivation failed")

// api is the slice of the muenchen client the provider needs.
type api interface {
	CaptchaChallenge(ctx context.Context) (muenchen.Challenge, error)
	VerifyCaptcha(ctx context.Context, sol muenchen.Solution) (string, error)
}

// Config tunes the provider.
type Config struct {
	RefreshMargin time.Duration // re-derive once the token is older than this; default 4m30s
	SolveBudget   time.Duration // wall-clock cap for one solve; default 10s
	SolverWorkers int           // default 2
}

// Provider hands out a valid token, deriving a new one only when the
// cached one has aged past the refresh margin. Safe for concurrent use.
type Provider struct {
	client  api
	log     logx.Logger
	margin  time.Duration
	budget  time.Duration
	workers int

	now func() time.Time

	mu      sync.Mutex
	tok     string
	at      time.Time
	pending chan struct{} // non-nil while a derivation is in flight
	lastErr error
}

func NewProvider(client api, cfg Config, log logx.Logger) *Provider {
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = 4*time.Minute + 30*time.Second
	}
	budget := cfg.SolveBudget
	if budget <= 0 {
		budget = 10 * time.Second
	}
	workers := cfg.SolverWorkers
	if workers < 1 {
		workers = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{
		client:  client,
		log:     log,
		margin:  margin,
		budget:  budget,
		workers: workers,
		now:     time.Now,
	}
}

// EnsureFresh returns a token younger than the refresh margin, deriving
// one if necessary. Concurrent callers during a derivation share its
// outcome instead of stacking up solver runs.
func (p *Provider) EnsureFresh(ctx context.Context) (string, error) {
	for {
		p.mu.Lock()
		if p.fresh() {
			tok := p.tok
			p.mu.Unlock()
			return tok, nil
		}
		if p.pending == nil {
			done := make(chan struct{})
			p.pending = done
			p.mu.Unlock()

			tok, err := p.derive(ctx)

			p.mu.Lock()
			if err == nil {
				p.tok, p.at = tok, p.now()
			}
			p.lastErr = err
			p.pending = nil
			close(done)
			p.mu.Unlock()
			return tok, err
		}

		done := p.pending
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}

		p.mu.Lock()
		if p.fresh() {
			tok := p.tok
			p.mu.Unlock()
			return tok, nil
		}
		err := p.lastErr
		p.mu.Unlock()
		if err != nil {
			return "", err
		}
		// The leader succeeded but the token aged out already (or was
		// invalidated); take another lap.
	}
}

// Invalidate drops the cached token. Called when the API rejects it
// before its nominal lifetime is up.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.tok = ""
	p.mu.Unlock()
}

// Age reports how old the cached token is; ok is false when no valid
// token is cached.
func (p *Provider) Age() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fresh() {
		return 0, false
	}
	return p.now().Sub(p.at), true
}

// fresh is called with p.mu held.
func (p *Provider) fresh() bool {
	return p.tok != "" && p.now().Sub(p.at) < p.margin
}

func (p *Provider) derive(ctx context.Context) (string, error) {
	started := p.now()

	ch, err := p.client.CaptchaChallenge(ctx)
	if err != nil {
		return "", err
	}

	solveCtx, cancel := context.WithTimeout(ctx, p.budget)
	nonce, err := solve(solveCtx, ch, p.workers)
	cancel()
	if err != nil {
		p.log.Warn("captcha solve failed",
			logx.Int64("maxnumber", ch.MaxNumber),
			logx.Err(err))
		return "", err
	}
	took := p.now().Sub(started)

	tok, err := p.client.VerifyCaptcha(ctx, muenchen.Solution{
		Algorithm: ch.Algorithm,
		Challenge: ch.Challenge,
		Number:    nonce,
		Salt:      ch.Salt,
		Signature: ch.Signature,
		TookMS:    took.Milliseconds(),
	})
	if err != nil {
		return "", err
	}

	p.log.Info("captcha token derived",
		logx.Int64("nonce", nonce),
		logx.Duration("took", took))
	return tok, nil
}
