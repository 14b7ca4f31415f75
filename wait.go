package stm32boot

import "github.com/pkg/errors"

// ErrTimeout is returned when a hardware flag does not settle within the
// configured poll limit.
var ErrTimeout = errors.New("timed out waiting for hardware")

// waitUntil polls done until it reports true. A limit of zero polls
// forever.
func waitUntil(limit int, done func() bool) error {
	for n := 0; limit == 0 || n < limit; n++ {
		if done() {
			return nil
		}
	}
	return ErrTimeout
}
