package auth

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// ErrorKind is the text code carried by every error this package returns.
// The prefix identifies the family (identity, profile sync, validation,
// workflow) so callers can pick a propagation policy without string
// matching messages.
type ErrorKind = string

const (
	KindInvalidCredential ErrorKind = "IDENTITY_INVALID_CREDENTIAL"
	KindAlreadyExists     ErrorKind = "IDENTITY_ALREADY_EXISTS"
	KindIdentityNetwork   ErrorKind = "IDENTITY_NETWORK"
	KindTokenIssue        ErrorKind = "IDENTITY_TOKEN_ISSUE"
	KindImmutableClaim    ErrorKind = "IDENTITY_IMMUTABLE_CLAIM"

	KindSyncNetwork      ErrorKind = "PROFILE_SYNC_NETWORK"
	KindSyncServerError  ErrorKind = "PROFILE_SYNC_SERVER_ERROR"
	KindSyncUnauthorized ErrorKind = "PROFILE_SYNC_UNAUTHORIZED"

	KindMissingField     ErrorKind = "VALIDATION_MISSING_FIELD"
	KindInvalidPhone     ErrorKind = "VALIDATION_INVALID_PHONE"
	KindPasswordPolicy   ErrorKind = "VALIDATION_PASSWORD_POLICY"
	KindMismatch         ErrorKind = "VALIDATION_MISMATCH"
	KindTermsRequired    ErrorKind = "VALIDATION_TERMS_REQUIRED"
	KindMissingShopField ErrorKind = "VALIDATION_MISSING_SHOP_FIELD"

	KindDuplicatePending     ErrorKind = "WORKFLOW_DUPLICATE_PENDING"
	KindWorkflowUnauthorized ErrorKind = "WORKFLOW_UNAUTHORIZED"
	KindNotPending           ErrorKind = "WORKFLOW_NOT_PENDING"

	KindNoSession            ErrorKind = "SESSION_NOT_FOUND"
	KindProfileRetryRequired ErrorKind = "REGISTRATION_PROFILE_RETRY_REQUIRED"
	KindNothingToRetry       ErrorKind = "REGISTRATION_NOTHING_TO_RETRY"
	KindWizardStep           ErrorKind = "REGISTRATION_INVALID_STEP"
	KindProfileInvariant     ErrorKind = "PROFILE_INVARIANT_VIOLATION"
	KindProfileNotFound      ErrorKind = "PROFILE_NOT_FOUND"
	KindInvalidTransition    ErrorKind = "INVALID_ROLE_REQUEST_TRANSITION"
)

const (
	familyIdentity   = "IDENTITY_"
	familySync       = "PROFILE_SYNC_"
	familyValidation = "VALIDATION_"
	familyWorkflow   = "WORKFLOW_"
)

type errorTemplate struct {
	category goerrors.Category
	code     int
}

var errorTemplates = map[ErrorKind]errorTemplate{
	KindInvalidCredential: {goerrors.CategoryAuth, http.StatusUnauthorized},
	KindAlreadyExists:     {goerrors.CategoryConflict, http.StatusConflict},
	KindIdentityNetwork:   {goerrors.CategoryOperation, http.StatusInternalServerError},
	KindTokenIssue:        {goerrors.CategoryInternal, http.StatusInternalServerError},
	KindImmutableClaim:    {goerrors.CategoryInternal, http.StatusInternalServerError},

	KindSyncNetwork:      {goerrors.CategoryOperation, http.StatusInternalServerError},
	KindSyncServerError:  {goerrors.CategoryInternal, http.StatusInternalServerError},
	KindSyncUnauthorized: {goerrors.CategoryAuth, http.StatusUnauthorized},

	KindMissingField:     {goerrors.CategoryValidation, http.StatusBadRequest},
	KindInvalidPhone:     {goerrors.CategoryValidation, http.StatusBadRequest},
	KindPasswordPolicy:   {goerrors.CategoryValidation, http.StatusBadRequest},
	KindMismatch:         {goerrors.CategoryValidation, http.StatusBadRequest},
	KindTermsRequired:    {goerrors.CategoryValidation, http.StatusBadRequest},
	KindMissingShopField: {goerrors.CategoryValidation, http.StatusBadRequest},

	KindDuplicatePending:     {goerrors.CategoryConflict, http.StatusConflict},
	KindWorkflowUnauthorized: {goerrors.CategoryAuth, http.StatusForbidden},
	KindNotPending:           {goerrors.CategoryConflict, http.StatusConflict},

	KindNoSession:            {goerrors.CategoryAuth, http.StatusUnauthorized},
	KindProfileRetryRequired: {goerrors.CategoryConflict, http.StatusConflict},
	KindNothingToRetry:       {goerrors.CategoryBadInput, http.StatusBadRequest},
	KindWizardStep:           {goerrors.CategoryBadInput, http.StatusBadRequest},
	KindProfileInvariant:     {goerrors.CategoryValidation, http.StatusBadRequest},
	KindProfileNotFound:      {goerrors.CategoryNotFound, http.StatusNotFound},
	KindInvalidTransition:    {goerrors.CategoryValidation, http.StatusBadRequest},
}

// NewError returns a fresh rich error of the given kind.
func NewError(kind ErrorKind, message string) *goerrors.Error {
	tmpl, ok := errorTemplates[kind]
	if !ok {
		tmpl = errorTemplate{goerrors.CategoryInternal, http.StatusInternalServerError}
	}
	return goerrors.New(message, tmpl.category).
		WithTextCode(kind).
		WithCode(tmpl.code)
}

// WrapError wraps err into a rich error of the given kind.
func WrapError(err error, kind ErrorKind, message string) *goerrors.Error {
	if err == nil {
		return NewError(kind, message)
	}
	tmpl, ok := errorTemplates[kind]
	if !ok {
		tmpl = errorTemplate{goerrors.CategoryInternal, http.StatusInternalServerError}
	}
	return goerrors.Wrap(err, tmpl.category, message).
		WithTextCode(kind).
		WithCode(tmpl.code)
}

// ErrNoSession is returned by token lookups while anonymous.
var ErrNoSession = NewError(KindNoSession, "no active session")

// ErrProfileRetryRequired is returned when a submit is attempted after the
// identity account already exists; callers must use RetryProfile.
var ErrProfileRetryRequired = NewError(KindProfileRetryRequired, "identity already created, retry the profile step")

// ErrProfileInvariant is returned when a profile breaks a cross field rule.
var ErrProfileInvariant = NewError(KindProfileInvariant, "profile invariant violated")

// ErrInvalidTransition is returned when a role request change is not allowed.
var ErrInvalidTransition = NewError(KindInvalidTransition, "invalid role request transition")

// KindOf returns the text code of the first rich error in the chain that
// carries one of this package's kinds.
func KindOf(err error) ErrorKind {
	for err != nil {
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) || rich == nil {
			return ""
		}
		if _, ok := errorTemplates[rich.TextCode]; ok {
			return rich.TextCode
		}
		err = rich.Source
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsIdentityError reports whether err came from an identity provider call
func IsIdentityError(err error) bool {
	return strings.HasPrefix(KindOf(err), familyIdentity)
}

// IsProfileSyncError reports whether err came from a backend profile call
func IsProfileSyncError(err error) bool {
	return strings.HasPrefix(KindOf(err), familySync)
}

// IsValidationError reports whether err is a local, pre network failure
func IsValidationError(err error) bool {
	return strings.HasPrefix(KindOf(err), familyValidation)
}

// IsWorkflowError reports whether err came from an upgrade request operation
func IsWorkflowError(err error) bool {
	return strings.HasPrefix(KindOf(err), familyWorkflow)
}

// IsRetryable reports whether a profile call may be retried with backoff.
func IsRetryable(err error) bool {
	return IsKind(err, KindSyncNetwork)
}
