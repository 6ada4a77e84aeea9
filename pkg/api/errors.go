package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/clubhouse/pkg/dues"
	"github.com/platinummonkey/clubhouse/pkg/httputil"
	"github.com/platinummonkey/clubhouse/pkg/members"
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/platinummonkey/clubhouse/pkg/scheduler"
)

// writeDueError maps billing errors to HTTP status codes
func writeDueError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *dues.ValidationError
	var transitionErr *dues.TransitionError

	switch {
	case errors.As(err, &validationErr):
		httputil.WriteFieldError(w, http.StatusBadRequest, validationErr.Field, validationErr.Error())
	case errors.Is(err, dues.ErrNotFound), errors.Is(err, members.ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.As(err, &transitionErr),
		errors.Is(err, dues.ErrNotPending),
		errors.Is(err, dues.ErrDuplicate),
		errors.Is(err, dues.ErrConflict),
		errors.Is(err, scheduler.ErrAlreadyRunning):
		httputil.WriteConflict(w, err.Error())
	default:
		observability.GetLogger(r.Context()).WithError(err).Error("Billing request failed")
		httputil.WriteInternalError(w)
	}
}
