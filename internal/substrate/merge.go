package substrate

import (
	"context"
	"sync"
)

// Merge fans several completion feeds into one channel that closes once
// all of them have closed, or once ctx is done.
func Merge(ctx context.Context, ins ...<-chan Completion) <-chan Completion {
	out := make(chan Completion)

	var wg sync.WaitGroup
	for _, in := range ins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range in {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
