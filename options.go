package flowgate

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/abuse"
	"github.com/flowgate/flowgate/override"
	"github.com/flowgate/flowgate/policy"
)

// Option is a functional option for Service construction.
type Option func(*Service) error

// WithLogger sets the service logger. Components receive named children.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithRegistry registers all instruments on the given registry instead of
// a private one. Useful when the embedding process already exposes one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(s *Service) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		s.registry = registry
		return nil
	}
}

// WithRedisClient uses an existing client for bucket state instead of
// dialing config.Redis. The service takes ownership and closes it on Stop.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(s *Service) error {
		if client == nil {
			return fmt.Errorf("redis client cannot be nil")
		}
		s.redis = client
		s.ownRedis = true
		return nil
	}
}

// WithPolicyStore replaces the Postgres policy store. The caller keeps
// lifecycle ownership; the service only closes stores it built itself.
func WithPolicyStore(store policy.Store) Option {
	return func(s *Service) error {
		if store == nil {
			return fmt.Errorf("policy store cannot be nil")
		}
		s.policyStore = store
		return nil
	}
}

// WithOverrideStore replaces the Postgres override store. The caller keeps
// lifecycle ownership, including expiry reaping.
func WithOverrideStore(store override.Store) Option {
	return func(s *Service) error {
		if store == nil {
			return fmt.Errorf("override store cannot be nil")
		}
		s.overrideStore = store
		return nil
	}
}

// WithRatioSource replaces the Prometheus-backed abuse ratio source.
func WithRatioSource(source abuse.RatioSource) Option {
	return func(s *Service) error {
		if source == nil {
			return fmt.Errorf("ratio source cannot be nil")
		}
		s.ratioSource = source
		return nil
	}
}
