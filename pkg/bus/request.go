package bus

import (
	"context"
	"fmt"

	"github.com/mykube-run/sluice/pkg/enum"
)

// Request publishes req and waits for the first reply of type T addressed to req's requestor.
// Replies owned by other requestors are ignored.
func Request[T Correlated](ctx context.Context, b *Bus, req Correlated) (T, error) {
	var zero T
	replies := make(chan T, 1)
	sub := On(b, func(r T) {
		if !r.IsDestination(req.RequestorId()) {
			return
		}
		select {
		case replies <- r:
		default:
		}
	})
	defer b.Unsubscribe(sub)

	if err := b.Publish(req); err != nil {
		return zero, err
	}
	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %v %v", enum.ErrRequestTimeout, req.Kind(), ctx.Err())
	}
}
