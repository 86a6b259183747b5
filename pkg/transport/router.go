package transport

import "context"

// Router dispatches command execution and file transfer to the transport the
// classifier resolved for each host.
type Router struct {
	classifier *Classifier
	direct     interface {
		Executor
		Copier
	}
	proxied interface {
		Executor
		Copier
	}
}

// NewRouter builds a Router over the two transport implementations.
func NewRouter(classifier *Classifier, direct, proxied interface {
	Executor
	Copier
}) *Router {
	return &Router{classifier: classifier, direct: direct, proxied: proxied}
}

// Run implements Executor.
func (r *Router) Run(ctx context.Context, host, command string) (Output, error) {
	if r.classifier.Classify(ctx, host) == KindProxied {
		return r.proxied.Run(ctx, host, command)
	}
	return r.direct.Run(ctx, host, command)
}

// Fetch implements Copier.
func (r *Router) Fetch(ctx context.Context, host, remotePath, localPath string) error {
	if r.classifier.Classify(ctx, host) == KindProxied {
		return r.proxied.Fetch(ctx, host, remotePath, localPath)
	}
	return r.direct.Fetch(ctx, host, remotePath, localPath)
}

var _ Executor = (*Router)(nil)
var _ Copier = (*Router)(nil)
