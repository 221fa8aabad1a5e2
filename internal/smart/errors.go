package smart

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/openkcm/smart-session/internal/serviceerr"
)

// transportError classifies a failed round trip. Deadline and network
// timeouts become serviceerr.ErrTimeout, anything else is wrapped in kind.
func transportError(kind error, op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %w", serviceerr.ErrTimeout, op, err)
	}

	return fmt.Errorf("%w: %s: %w", kind, op, err)
}
