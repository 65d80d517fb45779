package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/iotaledger/corestate/pkg/log"
	"github.com/iotaledger/corestate/pkg/metrics"

	"golang.org/x/sync/errgroup"
)

const (
	jwkMaxKeySize  = 8 * 1024
	jwkPerFetchCap = 100
	jwkBackoff     = 30 * time.Second
)

// Provider is one configured OIDC JWKS source.
type Provider interface {
	Name() string
	// Issuer is the `iss` value every key returned by FetchJWKS must match.
	Issuer() string
	FetchJWKS(ctx context.Context) ([]JWK, error)
}

// Submitter accepts a NewJWKFetched consensus transaction for eventual
// inclusion in a future commit. In production this reaches the local
// consensus engine's mempool; tests substitute a recording fake.
type Submitter interface {
	SubmitNewJWKFetched(ctx context.Context, jwk JWK) error
}

// JWKUpdater runs the background per-provider JWK fetch protocol: fetch at
// interval, validate against iss and a size cap, drop anything already
// active this epoch or already seen this process lifetime, cap each fetch
// at 100 keys, submit survivors as NewJWKFetched transactions.
type JWKUpdater struct {
	providers []Provider
	submitter Submitter
	interval  time.Duration

	mu   sync.Mutex
	seen map[string]map[JWKID]bool // provider name -> seen JWKIDs
}

// NewJWKUpdater constructs an updater polling every provider at interval.
func NewJWKUpdater(providers []Provider, submitter Submitter, interval time.Duration) *JWKUpdater {
	seen := make(map[string]map[JWKID]bool, len(providers))
	for _, p := range providers {
		seen[p.Name()] = map[JWKID]bool{}
	}
	return &JWKUpdater{providers: providers, submitter: submitter, interval: interval, seen: seen}
}

// Run polls every provider until ctx is cancelled. Each provider is fetched
// and validated independently in its own goroutine, so one slow or failing provider
// never blocks the others; a provider that errors backs off 30s before its
// next attempt rather than waiting for the shared interval.
func (u *JWKUpdater) Run(ctx context.Context, activeThisEpoch func(JWKID) bool) {
	var wg sync.WaitGroup
	for _, p := range u.providers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.pollProvider(ctx, p, activeThisEpoch)
		}()
	}
	wg.Wait()
}

func (u *JWKUpdater) pollProvider(ctx context.Context, p Provider, activeThisEpoch func(JWKID) bool) {
	logger := log.WithComponent("jwkupdater")
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := u.interval
		if err := u.fetchOnce(ctx, p, activeThisEpoch); err != nil {
			logger.Warn().Err(err).Str("provider", p.Name()).Msg("jwk fetch failed, backing off")
			wait = jwkBackoff
		}
		timer.Reset(wait)
	}
}

func (u *JWKUpdater) fetchOnce(ctx context.Context, p Provider, activeThisEpoch func(JWKID) bool) error {
	keys, err := p.FetchJWKS(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	survivors := make([]JWK, 0, len(keys))
	var mu sync.Mutex

	for _, k := range keys {
		k := k
		g.Go(func() error {
			if !u.validate(p, k) {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if len(survivors) >= jwkPerFetchCap {
				return nil
			}
			survivors = append(survivors, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	u.mu.Lock()
	seen := u.seen[p.Name()]
	fresh := make([]JWK, 0, len(survivors))
	for _, k := range survivors {
		if len(fresh) >= jwkPerFetchCap {
			break
		}
		if activeThisEpoch(k.ID) {
			continue
		}
		if seen[k.ID] {
			continue
		}
		seen[k.ID] = true
		fresh = append(fresh, k)
	}
	u.mu.Unlock()

	for _, k := range fresh {
		if err := u.submitter.SubmitNewJWKFetched(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (u *JWKUpdater) validate(p Provider, k JWK) bool {
	if len(k.Key) > jwkMaxKeySize {
		metrics.InvalidJWKsTotal.WithLabelValues(p.Name()).Inc()
		return false
	}
	if k.ID.Provider != p.Issuer() {
		metrics.InvalidJWKsTotal.WithLabelValues(p.Name()).Inc()
		return false
	}
	return true
}
