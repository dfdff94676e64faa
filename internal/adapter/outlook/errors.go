package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/wmax/calsync/internal/core"

	"golang.org/x/oauth2"
)

// Graph error codes that mean the delta link can no longer be used.
var cursorErrorCodes = map[string]bool{
	"syncStateNotFound": true,
	"syncStateInvalid":  true,
	"resyncRequired":    true,
}

type statusCoder interface {
	GetStatusCode() int
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

	if cursorErrorCodes[odataCode(err)] {
		return fmt.Errorf("%s: %w: %w", op, core.ErrCursorInvalid, err)
	}

	code := statusCode(err)
	switch {
	case code == 0:
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransient, err)
	case code == http.StatusGone:
		return fmt.Errorf("%s: %w: %w", op, core.ErrCursorInvalid, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %w", op, core.ErrCredential, err)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", op, core.ErrNotFound, err)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransient, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func statusCode(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.GetStatusCode()
	}
	return 0
}

func odataCode(err error) string {
	var oerr *odataerrors.ODataError
	if !errors.As(err, &oerr) {
		return ""
	}
	if main := oerr.GetErrorEscaped(); main != nil {
		return derefStr(main.GetCode())
	}
	return ""
}
