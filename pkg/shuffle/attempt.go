// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import "fmt"

// AttemptId identifies one producer attempt whose output this task needs to
// pull from a remote shuffle daemon. Two AttemptIds are equal iff InputIndex
// and AttemptNumber match; PathComponent is carried along because it's what
// the serving daemon uses to route the response and is not itself part of
// attempt identity.
type AttemptId struct {
	InputIndex    int
	AttemptNumber int
	PathComponent string
}

// Equal reports whether a and other identify the same producer attempt.
// PathComponent is deliberately excluded: it's a routing token, not identity.
func (a AttemptId) Equal(other AttemptId) bool {
	return a.InputIndex == other.InputIndex && a.AttemptNumber == other.AttemptNumber
}

func (a AttemptId) String() string {
	return fmt.Sprintf("attempt_%d_%d", a.InputIndex, a.AttemptNumber)
}
