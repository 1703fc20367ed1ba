package fsmutex

import (
	"errors"
	"math/rand/v2"
	"runtime"
)

// acquireInOrder locks every item or none.
//
// Items are tried in order. Only the first one may wait, for whatever is
// left of d; the others get a zero-duration probe. When item k is
// contended, items 0..k-1 are released in reverse, k moves to the front
// and the rest are shuffled before retrying, so concurrent multi-item
// lockers never settle into a fixed inconsistent order.
//
// acquire must return an error wrapping errContended when the item is held
// elsewhere; any other error aborts the attempt. items is reordered in place.
func acquireInOrder[T any](
	items []T,
	d Deadline,
	spinNotSleep bool,
	acquire func(item T, wait Deadline) error,
	release func(item T),
) error {
	for {
		contended := -1

		var err error

		for n := range items {
			wait := Immediately()
			if n == 0 {
				wait = d
			}

			err = acquire(items[n], wait)
			if err == nil {
				continue
			}

			for k := n - 1; k >= 0; k-- {
				release(items[k])
			}

			if errors.Is(err, errContended) {
				contended = n
			}

			break
		}

		if err == nil {
			return nil
		}

		if contended < 0 {
			return err
		}

		if d.Expired() {
			return ErrTimedOut
		}

		items[0], items[contended] = items[contended], items[0]

		rest := items[1:]
		rand.Shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})

		if !spinNotSleep {
			runtime.Gosched()
		}
	}
}
