package resolver

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// miss is cached for names no backend could resolve
type miss struct{}

// Guard bounds a resolver: each call gets a timeout, calls are rate limited
// and answers (including misses) are cached. Failures are returned as
// resolver PipelineErrors so callers can tell timeouts from misses.
type Guard struct {
	next    Resolver
	timeout time.Duration
	missTTL time.Duration
	cache   *cache.Cache
	limiter *rate.Limiter
	logger  logger.Logger
}

// NewGuard wraps next with the limits from config
func NewGuard(next Resolver, config *Config, log logger.Logger) *Guard {
	if config == nil {
		config = DefaultConfig()
	}

	g := &Guard{
		next:    next,
		timeout: config.Timeout,
		missTTL: config.NegativeCacheTTL,
		cache:   cache.New(config.CacheTTL, 2*config.CacheTTL),
		logger:  logger.OrNop(log).WithComponent("resolver"),
	}
	if config.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst)
	}
	return g
}

// Resolve implements Resolver
func (g *Guard) Resolve(ctx context.Context, text string) (*Resolution, error) {
	key := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if key == "" {
		return nil, errors.ResolverTimeoutError(errors.CodeSymbolNotFound, text, ErrNoMatch)
	}

	if cached, found := g.cache.Get(key); found {
		switch v := cached.(type) {
		case *Resolution:
			res := *v
			return &res, nil
		case miss:
			return nil, errors.ResolverTimeoutError(errors.CodeSymbolNotFound, text, ErrNoMatch)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.logger.WithField("text", text).Warn("Rate limit wait exceeded resolver timeout")
			return nil, errors.ResolverTimeoutError(errors.CodeResolverTimeout, text, err)
		}
	}

	start := time.Now()
	res, err := g.next.Resolve(ctx, text)
	if err == nil && res == nil {
		err = ErrNoMatch
	}

	log := g.logger.WithFields(logger.Fields{
		"text":     text,
		"duration": time.Since(start).String(),
	})

	switch {
	case err == nil:
		log.WithFields(logger.Fields{
			"symbol":     res.Symbol,
			"confidence": res.Confidence,
			"source":     res.Source,
		}).Debug("Resolved symbol")
		stored := *res
		g.cache.Set(key, &stored, cache.DefaultExpiration)
		return res, nil

	case ctx.Err() != nil || stderrors.Is(err, context.DeadlineExceeded):
		log.WithError(err).Warn("Symbol resolution timed out")
		return nil, errors.ResolverTimeoutError(errors.CodeResolverTimeout, text, err)

	case stderrors.Is(err, ErrNoMatch):
		log.Debug("No security matched")
		g.cache.Set(key, miss{}, g.missTTL)
		return nil, errors.ResolverTimeoutError(errors.CodeSymbolNotFound, text, err)

	case stderrors.Is(err, ErrBadResponse):
		log.WithError(err).Warn("Resolver returned an unusable answer")
		return nil, errors.ResolverTimeoutError(errors.CodeResolverBadResponse, text, err)

	default:
		log.WithError(err).Warn("Resolver unavailable")
		return nil, errors.ResolverTimeoutError(errors.CodeResolverUnavailable, text, err)
	}
}
