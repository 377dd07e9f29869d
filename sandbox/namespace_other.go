//go:build !linux

package sandbox

import "fmt"

// Namespace isolation needs Linux clone flags; other systems must use the
// container strategy.
func newNamespace(_ *Spec) (Launcher, error) {
	return nil, fmt.Errorf("%w: namespace mode requires linux", ErrUnsupported)
}
