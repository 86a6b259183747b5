package transport

import (
	"context"
	"sync"
	"time"
)

const defaultProbeTimeout = 10 * time.Second

// Classifier resolves the transport kind for each host, caching the decision
// for the remainder of the run.
type Classifier struct {
	force        *Kind
	controlPlane ControlPlane
	probeTimeout time.Duration

	mu    sync.Mutex
	cache map[string]Kind
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithProbeTimeout overrides the control-plane probe timeout.
func WithProbeTimeout(d time.Duration) ClassifierOption {
	return func(c *Classifier) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// NewClassifier constructs a Classifier. A non-nil force pins every host to
// that kind without probing; otherwise the control plane is probed once per
// host, failing open to the direct transport.
func NewClassifier(force *Kind, controlPlane ControlPlane, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		force:        force,
		controlPlane: controlPlane,
		probeTimeout: defaultProbeTimeout,
		cache:        make(map[string]Kind),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the transport kind for the host.
func (c *Classifier) Classify(ctx context.Context, host string) Kind {
	if c.force != nil {
		return *c.force
	}

	c.mu.Lock()
	if kind, ok := c.cache[host]; ok {
		c.mu.Unlock()
		return kind
	}
	c.mu.Unlock()

	kind := c.probe(ctx, host)

	c.mu.Lock()
	c.cache[host] = kind
	c.mu.Unlock()

	return kind
}

func (c *Classifier) probe(ctx context.Context, host string) Kind {
	if c.controlPlane == nil {
		return KindDirect
	}
	if ctx == nil {
		ctx = context.Background()
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	exists, err := c.controlPlane.VirtualMachineExists(probeCtx, host)
	if err != nil || !exists {
		// Probe failures fail open to the simpler transport.
		return KindDirect
	}
	return KindProxied
}
