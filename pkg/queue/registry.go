package queue

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

const (
	redisBrokerType  string = "redis"
	valkeyBrokerType string = "valkey"
)

// NewBrokerFromEnv builds the broker selected by QUEUE_BACKEND.
// Redis and Valkey are supported, Redis is the default.
// --- redis QUEUE_BACKEND environments ---
// REDIS_ADDR:     redis address, required
// REDIS_PASSWORD: redis password, optional
// --- valkey QUEUE_BACKEND environments ---
// VALKEY_ADDR:          valkey address, required
// VALKEY_PASSWORD:      valkey password, optional
// VALKEY_DISABLE_CACHE: disable valkey client cache, optional
// VALKEY_FORCE_SINGLE:  force setting valkey single mode, optional
func NewBrokerFromEnv() (Broker, error) {
	brokerType, exists := os.LookupEnv("QUEUE_BACKEND")
	if !exists {
		brokerType = redisBrokerType
	}
	// case-insensitive
	brokerType = strings.ToLower(brokerType)
	switch brokerType {
	case redisBrokerType:
		broker, err := initRedisBroker()
		if err != nil {
			return nil, fmt.Errorf("init redis broker failed: %w", err)
		}
		return broker, nil
	case valkeyBrokerType:
		broker, err := initValkeyBroker()
		if err != nil {
			return nil, fmt.Errorf("init valkey broker failed: %w", err)
		}
		return broker, nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %v", brokerType)
	}
}

// Registry hands out Queue handles over one shared broker. It is injected
// into every component that produces or consumes jobs; there is no process
// wide singleton.
type Registry struct {
	broker Broker

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewRegistry creates a registry over the broker.
func NewRegistry(broker Broker) *Registry {
	return &Registry{
		broker: broker,
		queues: make(map[string]*Queue),
	}
}

// Get returns the handle for the named queue, creating it on first use.
func (r *Registry) Get(name string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[name]
	if !ok {
		q = New(name, r.broker)
		r.queues[name] = q
	}
	return q
}

// Broker exposes the underlying broker for health checks.
func (r *Registry) Broker() Broker { return r.broker }

// Close closes the underlying broker.
func (r *Registry) Close() error { return r.broker.Close() }
