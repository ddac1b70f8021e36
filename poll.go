// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"time"
)

// PollPolicy bounds the waits on hardware status bits. A condition is
// checked Retries+1 times; the delay between checks starts at Interval and
// doubles up to MaxInterval.
type PollPolicy struct {
	Retries     int
	Interval    time.Duration
	MaxInterval time.Duration
}

var DefaultPollPolicy = PollPolicy{
	Retries:     maximumPollRetries,
	Interval:    10 * time.Microsecond,
	MaxInterval: defaultPollTimeout * time.Millisecond / maximumPollRetries,
}

/** Polls cond until it reports true, sleeping with exponential backoff in
  between. Gives up with an ErrorHardwareTimeout once the retries of the
  policy are exhausted; the caller decides how to clean up.
*/
func pollUntil(policy PollPolicy, what string, cond func() bool) error {
	var retries int = 0

	for {
		if cond() {
			return nil
		}

		if retries >= policy.Retries {
			return newEtrError(ErrorHardwareTimeout, "timeout while waiting for %s (%d polls)", what, retries+1)
		}

		var delay time.Duration = policy.Interval << uint(retries)

		if policy.MaxInterval > 0 && delay > policy.MaxInterval {
			delay = policy.MaxInterval
		}

		retries++
		logger.Tracef("waiting for %s, retry %d, delaying %v", what, retries, delay)

		if delay > 0 {
			time.Sleep(delay)
		}
	}
}
