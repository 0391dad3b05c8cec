package kernel

import (
	"fmt"
)

// runSafely executes fn and converts panics into returned errors tagged with scope.
// Error panics stay matchable with errors.Is so fatal cache faults survive recovery.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		if recoveredErr, ok := recovered.(error); ok {
			err = fmt.Errorf("%s: panic recovered: %w", scope, recoveredErr)
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
