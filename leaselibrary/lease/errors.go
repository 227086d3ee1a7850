/*
 * Copyright (c) 2021 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package lease

import (
	"errors"
	"fmt"
)

// The failure surface of this package is a closed set:
//
//   - ErrAlreadyAcquired: the caller reused a handle that already holds its lease.
//     Local precondition violation, never retried.
//   - ErrLeaseNotGranted: acquisition exhausted its attempt budget.
//   - store.ErrConditionalCheckFailed: a conditional write or delete lost a race.
//     Absorbed by the acquisition loop, swallowed during renewal and release.
//   - any other store error: the backend is unavailable or misbehaving; it aborts
//     the current operation and is propagated as-is.

// ErrAlreadyAcquired is returned by Acquire when the handle already believes it
// holds the lease. A handle tracks a single acquisition at a time.
var ErrAlreadyAcquired = errors.New("lease is already acquired by this handle")

// ErrLeaseNotGranted is returned when every acquisition attempt lost the
// conditional write to a competing owner.
type ErrLeaseNotGranted struct {
	LeaseKey string
	Attempts int
}

func (e ErrLeaseNotGranted) Error() string {
	return fmt.Sprintf("lease not granted for key %s after %d attempts", e.LeaseKey, e.Attempts)
}
