package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/plugd/pkg/bundle"
	"github.com/platinummonkey/plugd/pkg/catalog"
	"github.com/platinummonkey/plugd/pkg/fetch"
	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/platinummonkey/plugd/pkg/observability"
	"github.com/platinummonkey/plugd/pkg/permissions"
)

var (
	notFound = []error{
		lifecycle.ErrPluginNotFound,
		catalog.ErrListingNotFound,
		bundle.ErrNoRecord,
	}
	badRequest = []error{
		lifecycle.ErrInvalidInput,
		lifecycle.ErrPluginAlreadyInstalled,
		lifecycle.ErrInvalidState,
		lifecycle.ErrUpToDate,
		manifest.ErrManifestInvalid,
		permissions.ErrUnknownAction,
	}
	// server-side failures whose sentinel message is safe to show
	public = []error{
		lifecycle.ErrHookExecutionFailed,
		permissions.ErrPermissionRegistrationFailed,
		fetch.ErrDownloadFailed,
		fetch.ErrExtractFailed,
		catalog.ErrCatalogUnavailable,
	}
)

// statusFor maps a domain error to an HTTP status
func statusFor(err error) int {
	switch {
	case isAny(err, notFound):
		return http.StatusNotFound
	case isAny(err, badRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns the caller-visible message for err. Client errors carry
// their full message; server errors are reduced to a known sentinel.
func messageFor(err error) string {
	if statusFor(err) < http.StatusInternalServerError {
		return err.Error()
	}
	for _, target := range public {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "internal server error"
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeError logs server failures and writes the {"error": ...} body
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	httputil.WriteErrorMessage(w, status, messageFor(err))
}
