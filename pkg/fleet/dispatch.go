// Package fleet fans work out across the benchmark hosts and tracks
// completion of detached workloads.
package fleet

import (
	"context"
	"sync"
)

// Run invokes fn once per host, each on its own goroutine, and returns the
// per-host results after every invocation finished. Hosts are independent; a
// slow or failed host never blocks the others from being attempted.
func Run[T any](ctx context.Context, hosts []string, fn func(ctx context.Context, host string) T) map[string]T {
	if ctx == nil {
		ctx = context.Background()
	}

	results := make(map[string]T, len(hosts))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, host := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			value := fn(ctx, host)
			mu.Lock()
			results[host] = value
			mu.Unlock()
		}(host)
	}

	wg.Wait()
	return results
}

// FirstError returns any non-nil error from a dispatch over error results,
// preferring the error of the first host in the given order so failures are
// reported deterministically.
func FirstError(hosts []string, results map[string]error) error {
	for _, host := range hosts {
		if err := results[host]; err != nil {
			return err
		}
	}
	return nil
}

// Failed returns the hosts whose dispatch produced a non-nil error, in the
// given host order.
func Failed(hosts []string, results map[string]error) []string {
	var failed []string
	for _, host := range hosts {
		if results[host] != nil {
			failed = append(failed, host)
		}
	}
	return failed
}

// Succeeded returns the hosts whose dispatch produced a nil error, in the
// given host order.
func Succeeded(hosts []string, results map[string]error) []string {
	var succeeded []string
	for _, host := range hosts {
		if results[host] == nil {
			succeeded = append(succeeded, host)
		}
	}
	return succeeded
}
