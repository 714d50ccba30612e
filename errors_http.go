package auth

import (
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// HTTPError is the JSON error body exchanged between the backend and its
// clients.
type HTTPError struct {
	Message  string         `json:"message"`
	TextCode string         `json:"text_code,omitempty"`
	Category string         `json:"category,omitempty"`
	Code     int            `json:"code"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HTTPErrorEnvelope wraps HTTPError as {"error": {...}}.
type HTTPErrorEnvelope struct {
	Error HTTPError `json:"error"`
}

// ToHTTPError renders err for the wire. Errors without a rich value become
// an opaque internal error.
func ToHTTPError(err error) HTTPError {
	var rich *goerrors.Error
	if err == nil || !goerrors.As(err, &rich) || rich == nil {
		return HTTPError{
			Message:  "An unexpected server error occurred",
			Category: fmt.Sprint(goerrors.CategoryInternal),
			Code:     http.StatusInternalServerError,
		}
	}

	code := rich.Code
	if code < 400 || code > 599 {
		code = http.StatusInternalServerError
	}

	out := HTTPError{
		Message:  rich.Message,
		TextCode: KindOf(rich),
		Category: fmt.Sprint(rich.Category),
		Code:     code,
	}
	if out.TextCode == "" {
		out.TextCode = rich.TextCode
	}
	if len(rich.Metadata) > 0 {
		out.Metadata = make(map[string]any, len(rich.Metadata))
		for k, v := range rich.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// FromHTTPError rebuilds a rich error from a backend response. Known text
// codes keep their kind. Unknown ones fall back on the HTTP status.
func FromHTTPError(status int, body HTTPError) error {
	message := body.Message
	if message == "" {
		message = http.StatusText(status)
	}

	kind := body.TextCode
	if _, ok := errorTemplates[kind]; !ok {
		kind = kindForStatus(status)
	}

	var err *goerrors.Error
	switch {
	case inFamily(kind, familySync), inFamily(kind, familyWorkflow), inFamily(kind, familyValidation):
		err = NewError(kind, message)
	default:
		err = WrapError(NewError(kind, message), kindForStatus(status), message)
	}

	meta := map[string]any{"status": status}
	for k, v := range body.Metadata {
		meta[k] = v
	}
	return err.WithMetadata(meta)
}

// inFamily reports whether kind belongs to the family prefix.
func inFamily(kind ErrorKind, family string) bool {
	return len(kind) >= len(family) && kind[:len(family)] == family
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized:
		return KindSyncUnauthorized
	case http.StatusForbidden:
		return KindWorkflowUnauthorized
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return KindSyncNetwork
	default:
		return KindSyncServerError
	}
}
