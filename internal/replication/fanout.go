package replication

import (
	"context"
	"sync"
	"time"

	"ringkv/internal/ring"
)

// DefaultPerReplicaTimeout is the default timeout for each replica write.
const DefaultPerReplicaTimeout = 2 * time.Second

// ReplicaFunc performs one write against a single replica.
type ReplicaFunc func(ctx context.Context, target ring.Descriptor) error

// Failure records a replica that did not acknowledge a write.
type Failure struct {
	Node ring.Descriptor
	Err  error
}

// Result summarizes a fan-out.
type Result struct {
	Acks     int
	Replicas int
	Failures []Failure
}

// OK reports whether every replica acknowledged.
func (r Result) OK() bool {
	return len(r.Failures) == 0
}

// FanOut sends writeFn to all replicas in parallel and waits for every one
// of them to finish or time out. A non-positive timeout means
// DefaultPerReplicaTimeout. Failures are collected in replica order.
func FanOut(ctx context.Context, replicas []ring.Descriptor, timeout time.Duration, writeFn ReplicaFunc) Result {
	if len(replicas) == 0 {
		return Result{}
	}
	if timeout <= 0 {
		timeout = DefaultPerReplicaTimeout
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(replicas))
	)

	replicaCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for i, replica := range replicas {
		wg.Add(1)
		go func(i int, target ring.Descriptor) {
			defer wg.Done()
			errs[i] = writeFn(replicaCtx, target)
		}(i, replica)
	}
	wg.Wait()

	result := Result{Replicas: len(replicas)}
	for i, err := range errs {
		if err != nil {
			result.Failures = append(result.Failures, Failure{Node: replicas[i], Err: err})
			continue
		}
		result.Acks++
	}
	return result
}
