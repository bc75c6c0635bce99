package substrate

import "context"

// Batch regroups a completion feed into batches holding everything that is
// ready at the moment the first completion of the batch arrives. max bounds
// the batch size (0 means unbounded). The output closes when in closes or
// ctx is done.
func Batch(ctx context.Context, in <-chan Completion, max int) <-chan []Completion {
	out := make(chan []Completion)

	go func() {
		defer close(out)

		for {
			var first Completion
			var ok bool

			select {
			case <-ctx.Done():
				return
			case first, ok = <-in:
				if !ok {
					return
				}
			}

			batch := []Completion{first}
			open := true

		drain:
			for max <= 0 || len(batch) < max {
				select {
				case c, more := <-in:
					if !more {
						open = false
						break drain
					}
					batch = append(batch, c)
				default:
					break drain
				}
			}

			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}

			if !open {
				return
			}
		}
	}()

	return out
}
