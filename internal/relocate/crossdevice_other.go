//go:build !unix

package relocate

import (
	"errors"
	"os"
)

// Without EXDEV, any link error from a rename is treated as a cross-device move.
func isCrossDevice(err error) bool {
	var linkErr *os.LinkError

	return errors.As(err, &linkErr)
}
