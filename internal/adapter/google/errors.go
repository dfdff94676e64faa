package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/wmax/calsync/internal/core"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// rate limits are reported as 403 with one of these reasons
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// classify wraps err with the core error kind it belongs to.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%s: %w: %w", op, core.ErrCredential, err)
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransient, err)
	}

	switch {
	case gerr.Code == http.StatusGone:
		return fmt.Errorf("%s: %w: %w", op, core.ErrCursorInvalid, err)
	case gerr.Code == http.StatusForbidden && isRateLimited(gerr):
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransient, err)
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %w", op, core.ErrCredential, err)
	case gerr.Code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", op, core.ErrNotFound, err)
	case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransient, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if rateLimitReasons[item.Reason] {
			return true
		}
	}
	return false
}

func isStatus(err error, codes ...int) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	for _, c := range codes {
		if gerr.Code == c {
			return true
		}
	}
	return false
}
