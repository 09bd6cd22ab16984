// Package apperror holds the user-facing error taxonomy. Every failure that
// reaches a caller is translated into an *Error whose Kind selects the alert
// title and message shown to the user.
package apperror

import (
	"errors"
	"net/http"
)

// Kind identifies a class of user-visible failure.
type Kind uint8

const (
	// Failure carries a free-form message in Detail.
	Failure Kind = iota
	MissingConfiguration
	MissingCredentials
	InvalidCredentials
	ModelInstall
	NoClassifiersAvailable
	NotConfigured
	ModelLoad
	NoData
	InvalidImage
)

const readmeHint = "Please read the readme to ensure proper credentials configuration."

var kindNames = map[Kind]string{
	Failure:                "failure",
	MissingConfiguration:   "missing_configuration",
	MissingCredentials:     "missing_credentials",
	InvalidCredentials:     "invalid_credentials",
	ModelInstall:           "model_install_error",
	NoClassifiersAvailable: "no_classifiers_available",
	NotConfigured:          "not_configured",
	ModelLoad:              "model_load_error",
	NoData:                 "no_data",
	InvalidImage:           "invalid_image",
}

// String returns the stable wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Title is the alert heading for the kind.
func (k Kind) Title() string {
	switch k {
	case MissingConfiguration:
		return "Missing BMSCredentials.plist"
	case MissingCredentials:
		return "Missing Visual Recognition Credentials"
	case InvalidCredentials:
		return "Invalid Visual Recognition Credentials"
	case ModelInstall, NoClassifiersAvailable:
		return "Error Installing Core ML Model"
	case NoData:
		return "Bad Response"
	case InvalidImage:
		return "Unreadable Photo"
	default:
		return "Visual Recognition Failed"
	}
}

func (k Kind) defaultMessage() string {
	switch k {
	case MissingConfiguration, MissingCredentials, InvalidCredentials:
		return readmeHint
	case ModelInstall:
		return "Please ensure the Visual Recognition service has been configured and the model has been trained. For more information, check the readme."
	case NoClassifiersAvailable:
		return "No classifiers exist. Please make sure to create a Visual Recognition classifier. Check the readme for more information."
	case NotConfigured:
		return "The Visual Recognition Service has not been configured. Please check the readme for more information."
	case ModelLoad:
		return "Failed to load model. Please ensure your model exists and has finished training."
	case NoData:
		return "No Visual Recognition data was received."
	case InvalidImage:
		return "The photo could not be decoded. Please try another image."
	default:
		return "An unexpected error occurred."
	}
}

// HTTPStatus maps the kind onto a response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case MissingConfiguration, MissingCredentials, NotConfigured:
		return http.StatusServiceUnavailable
	case InvalidCredentials:
		return http.StatusBadGateway
	case ModelInstall, NoClassifiersAvailable:
		return http.StatusFailedDependency
	case ModelLoad:
		return http.StatusInternalServerError
	case NoData:
		return http.StatusBadGateway
	case InvalidImage:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a user-facing failure. Err keeps the original cause for logs.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// New creates an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Message creates a Failure with a custom message.
func Message(detail string) *Error {
	return &Error{Kind: Failure, Detail: detail}
}

// Error implements the error interface as "title: message".
func (e *Error) Error() string {
	return e.Kind.Title() + ": " + e.Message()
}

// Message returns the text shown under the alert title.
func (e *Error) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Kind.defaultMessage()
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so sentinels such as
// ErrNotConfigured work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Detail == "" && other.Err == nil
}

// Alert is the title/message pair presented to the user.
type Alert struct {
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Alert renders the error for presentation.
func (e *Error) Alert() Alert {
	return Alert{Kind: e.Kind.String(), Title: e.Kind.Title(), Message: e.Message()}
}

// Sentinels for errors.Is comparisons.
var (
	ErrMissingConfiguration   = &Error{Kind: MissingConfiguration}
	ErrMissingCredentials     = &Error{Kind: MissingCredentials}
	ErrInvalidCredentials     = &Error{Kind: InvalidCredentials}
	ErrModelInstall           = &Error{Kind: ModelInstall}
	ErrNoClassifiersAvailable = &Error{Kind: NoClassifiersAvailable}
	ErrNotConfigured          = &Error{Kind: NotConfigured}
	ErrModelLoad              = &Error{Kind: ModelLoad}
	ErrNoData                 = &Error{Kind: NoData}
	ErrInvalidImage           = &Error{Kind: InvalidImage}
)

// From returns err as an *Error, translating anything else into a Failure
// that keeps err as its cause.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Kind: Failure, Err: err}
}

// KindOf reports the kind of err, or Failure when err is not an *Error.
func KindOf(err error) Kind {
	return From(err).Kind
}
