package kikitori

import (
	"fmt"
	"strings"

	"github.com/ashidome/kikitori/pkg/adapters/refine"
	"github.com/ashidome/kikitori/pkg/gateway"
	"github.com/ashidome/kikitori/pkg/transports"
)

// ASRFactoryBuilder builds the per-session recognizer factory for one
// vendor from the loaded configuration.
type ASRFactoryBuilder func(cfg Config) (gateway.RecognizerFactory, error)

// RefinerBuilder builds one refiner shared by all sessions.
type RefinerBuilder func(cfg Config) (refine.Refiner, error)

// TransportBuilder builds the client-facing transport over the gateway.
type TransportBuilder func(cfg Config, gw *gateway.Gateway) (transports.Transport, error)

type ProviderRegistry struct {
	asr       map[string]ASRFactoryBuilder
	refine    map[string]RefinerBuilder
	transport map[string]TransportBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		asr:       make(map[string]ASRFactoryBuilder),
		refine:    make(map[string]RefinerBuilder),
		transport: make(map[string]TransportBuilder),
	}
}

func (r *ProviderRegistry) RegisterASR(name string, builder ASRFactoryBuilder) {
	r.asr[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) RegisterRefiner(name string, builder RefinerBuilder) {
	r.refine[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) RegisterTransport(name string, builder TransportBuilder) {
	r.transport[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) BuildASRFactory(provider string, cfg Config) (gateway.RecognizerFactory, error) {
	fn := r.asr[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("asr provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildRefiner(provider string, cfg Config) (refine.Refiner, error) {
	fn := r.refine[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("refine provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTransport(provider string, cfg Config, gw *gateway.Gateway) (transports.Transport, error) {
	fn := r.transport[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("transport not registered: %s", provider)
	}
	return fn(cfg, gw)
}
