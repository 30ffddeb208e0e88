// Package flowgate is a multi-tenant rate-limiting service core:
// hierarchical token buckets on Redis, tenant policies and operator
// overrides on Postgres, an in-process fallback path for store outages,
// and an abuse detector feeding penalties back as overrides.
package flowgate

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/abuse"
	"github.com/flowgate/flowgate/bucket"
	"github.com/flowgate/flowgate/decision"
	"github.com/flowgate/flowgate/identity"
	"github.com/flowgate/flowgate/internal/healthprobe"
	"github.com/flowgate/flowgate/middleware"
	"github.com/flowgate/flowgate/override"
	"github.com/flowgate/flowgate/policy"
	"github.com/flowgate/flowgate/resilience"
	"github.com/flowgate/flowgate/telemetry"
)

// Service assembles the rate-limiting pipeline. Construction with New
// validates config; Start connects stores and launches background workers;
// Stop unwinds in reverse.
type Service struct {
	config   Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *telemetry.Metrics

	redis         redis.UniversalClient
	policyStore   policy.Store
	overrideStore override.Store
	ratioSource   abuse.RatioSource

	ownRedis         bool
	ownPolicyStore   *policy.PGStore
	ownOverrideStore *override.PGStore

	engine     *bucket.Engine
	policies   *policy.Cache
	overrides  *override.Cache
	breaker    *resilience.Breaker
	fallback   *resilience.FallbackLimiter
	decisioner *decision.Decisioner
	limiter    *middleware.Limiter
	detector   *abuse.Detector
	probes     []*healthprobe.Probe

	started atomic.Bool
}

// New builds an unstarted service. No connections are made until Start.
func New(config Config, opts ...Option) (*Service, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("flowgate: config: %w", err)
	}

	s := &Service{config: config}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("flowgate: applying option: %w", err)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = telemetry.New(s.registry)
	return s, nil
}

// Start connects stores, loads the bucket primitive, and launches the
// background workers. A Redis that is down at boot is tolerated: the
// breaker and fallback limiter carry traffic until it returns.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.start(ctx); err != nil {
		s.teardown()
		s.started.Store(false)
		return err
	}
	s.logger.Info("flowgate started",
		zap.String("mode", string(s.config.RateLimit.Mode)),
		zap.String("redis", s.config.Redis.Addr),
		zap.Bool("abuse_detection", *s.config.Abuse.Enabled))
	return nil
}

func (s *Service) start(ctx context.Context) error {
	if s.redis == nil {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.config.Redis.Addr,
			Password: s.config.Redis.Password,
			DB:       s.config.Redis.DB,
		})
		s.ownRedis = true
	}
	s.engine = bucket.NewEngine(s.redis, ms(s.config.Store.TimeoutMS), s.logger.Named("bucket"))
	if err := s.engine.Load(ctx); err != nil {
		s.logger.Warn("bucket primitive not preloaded, will load on first use", zap.Error(err))
	}

	if s.policyStore == nil {
		if s.config.Postgres.ConnString == "" {
			return fmt.Errorf("flowgate: postgres.conn_string required without an injected policy store")
		}
		st, err := policy.NewPGStore(ctx, policy.PGConfig{
			ConnString: s.config.Postgres.ConnString,
			MaxConns:   s.config.Postgres.MaxConns,
			MinConns:   s.config.Postgres.MinConns,
		}, s.logger.Named("policy"))
		if err != nil {
			return fmt.Errorf("flowgate: policy store: %w", err)
		}
		s.ownPolicyStore = st
		s.policyStore = st
	}
	if s.overrideStore == nil {
		if s.config.Postgres.ConnString == "" {
			return fmt.Errorf("flowgate: postgres.conn_string required without an injected override store")
		}
		st, err := override.NewPGStore(ctx, override.PGConfig{
			ConnString: s.config.Postgres.ConnString,
			MaxConns:   s.config.Postgres.MaxConns,
			MinConns:   s.config.Postgres.MinConns,
		}, s.logger.Named("override"))
		if err != nil {
			return fmt.Errorf("flowgate: override store: %w", err)
		}
		st.Start(ctx)
		s.ownOverrideStore = st
		s.overrideStore = st
	}

	s.policies = policy.NewCache(s.policyStore, policy.CacheConfig{
		MaxSize:         s.config.PolicyCache.MaxSize,
		TTL:             ms(s.config.PolicyCache.TTLMS),
		RefreshInterval: ms(s.config.PolicyCache.RefreshIntervalMS),
	}, s.metrics, s.logger.Named("policycache"))
	s.policies.Start(ctx)

	s.overrides = override.NewCache(s.overrideStore, override.CacheConfig{
		MaxSize: s.config.OverrideCache.MaxSize,
		TTL:     ms(s.config.OverrideCache.TTLMS),
	}, s.metrics, s.logger.Named("overridecache"))

	s.breaker = resilience.NewBreaker("redis", resilience.BreakerConfig{
		FailureThreshold: int32(s.config.Breaker.FailureThreshold),
		Timeout:          ms(s.config.Breaker.TimeoutMS),
		SuccessThreshold: int32(s.config.Breaker.SuccessThreshold),
	}, s.metrics, s.logger.Named("breaker"))

	s.fallback = resilience.NewFallbackLimiter(resilience.FallbackConfig{
		RPM: s.config.Fallback.RPM,
	}, s.logger.Named("fallback"))
	s.fallback.Start(ctx)

	s.decisioner = decision.New(decision.Config{Mode: s.config.RateLimit.Mode}, decision.Deps{
		Checker:   s.engine,
		Policies:  s.policies,
		Overrides: s.overrides,
		Breaker:   s.breaker,
		Fallback:  s.fallback,
		Metrics:   s.metrics,
		Logger:    s.logger.Named("decision"),
	})

	extractor := identity.NewExtractor([]byte(s.config.Identity.JWTSecret), s.logger.Named("identity"))
	s.limiter = middleware.New(s.decisioner, extractor, s.metrics, s.logger.Named("middleware"))

	if *s.config.Abuse.Enabled {
		if s.ratioSource == nil {
			if s.config.Telemetry.PrometheusURL == "" {
				return fmt.Errorf("flowgate: telemetry.prometheus_url required while abuse detection is enabled")
			}
			src, err := abuse.NewPromSource(s.config.Telemetry.PrometheusURL)
			if err != nil {
				return fmt.Errorf("flowgate: ratio source: %w", err)
			}
			s.ratioSource = src
		}
		s.detector = abuse.NewDetector(abuse.Config{
			Enabled:         true,
			CheckInterval:   ms(s.config.Abuse.CheckIntervalMS),
			Threshold:       s.config.Abuse.ThrottleThreshold,
			WindowMinutes:   s.config.Abuse.WindowMinutes,
			PenaltyDuration: ms(s.config.Abuse.PenaltyDurationMS),
			PenaltyType:     abuse.PenaltyType(s.config.Abuse.PenaltyType),
			Multiplier:      s.config.Abuse.PenaltyMultiplier,
			CustomRate:      s.config.Abuse.CustomRate,
			CustomBurst:     s.config.Abuse.CustomBurst,
		}, s.ratioSource, s.overrideStore, s.metrics, s.logger.Named("abuse"))
		s.detector.Start(ctx)
	}

	probeCfg := healthprobe.Config{
		Interval: ms(s.config.Health.IntervalMS),
		Timeout:  ms(s.config.Health.TimeoutMS),
	}
	s.probes = append(s.probes,
		healthprobe.New("redis", s.engine.Ping, probeCfg, s.metrics, s.logger.Named("health")))
	if s.ownPolicyStore != nil {
		s.probes = append(s.probes,
			healthprobe.New("postgres_policies", s.ownPolicyStore.Ping, probeCfg, s.metrics, s.logger.Named("health")))
	}
	if s.ownOverrideStore != nil {
		s.probes = append(s.probes,
			healthprobe.New("postgres_overrides", s.ownOverrideStore.Ping, probeCfg, s.metrics, s.logger.Named("health")))
	}
	for _, p := range s.probes {
		p.Start(ctx)
	}
	return nil
}

// Stop halts workers and closes the stores the service built itself.
func (s *Service) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.teardown()
	s.logger.Info("flowgate stopped")
}

// teardown is reverse start order and tolerates partially built state.
func (s *Service) teardown() {
	for _, p := range s.probes {
		p.Stop()
	}
	s.probes = nil
	if s.detector != nil {
		s.detector.Stop()
	}
	if s.fallback != nil {
		s.fallback.Stop()
	}
	if s.policies != nil {
		s.policies.Stop()
	}
	if s.ownOverrideStore != nil {
		if err := s.ownOverrideStore.Close(); err != nil {
			s.logger.Warn("closing override store", zap.Error(err))
		}
		s.ownOverrideStore = nil
		s.overrideStore = nil
	}
	if s.ownPolicyStore != nil {
		if err := s.ownPolicyStore.Close(); err != nil {
			s.logger.Warn("closing policy store", zap.Error(err))
		}
		s.ownPolicyStore = nil
		s.policyStore = nil
	}
	if s.ownRedis && s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("closing redis client", zap.Error(err))
		}
		s.redis = nil
		s.ownRedis = false
	}
}

// Middleware wraps next with identity extraction and rate limiting. Before
// Start it passes requests through untouched.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.limiter
		if !s.started.Load() || limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		limiter.Handler(next).ServeHTTP(w, r)
	})
}

// Check runs one decision outside the HTTP path, for programmatic callers.
func (s *Service) Check(ctx context.Context, id identity.Identity) (decision.Decision, error) {
	d := s.decisioner
	if !s.started.Load() || d == nil {
		return decision.Decision{}, fmt.Errorf("flowgate: service not started")
	}
	return d.Check(ctx, id)
}

// Registry exposes the metrics registry for scrape endpoint wiring.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// Mode reports the configured decision mode.
func (s *Service) Mode() decision.Mode {
	return s.config.RateLimit.Mode
}

// Healthy reports whether the bucket store currently answers a ping. The
// service keeps serving (degraded) while unhealthy; this is for readiness
// surfaces.
func (s *Service) Healthy(ctx context.Context) bool {
	e := s.engine
	if !s.started.Load() || e == nil {
		return false
	}
	return e.Ping(ctx) == nil
}
