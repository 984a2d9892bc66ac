// Package fault classifies operational errors into coded, user-facing
// faults. Engines return *Fault for failures a user can act on; everything
// else stays a plain wrapped error and classifies to UNKNOWN at the edge.
//
// Classification is by case-insensitive substring match against the error
// text, first match wins. The match table is ordered from most to least
// specific so e.g. "database disk image is malformed" lands on
// DATA_CORRUPTION rather than INVALID_FILE_FORMAT.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Severity grades how urgently a fault needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category groups faults by the subsystem that raised them.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryValidation Category = "validation"
	CategoryPermission Category = "permission"
	CategoryData       Category = "data"
	CategorySystem     Category = "system"
	CategoryNetwork    Category = "network"
)

// Fault codes.
const (
	CodeConnectionRefused    = "CONNECTION_REFUSED"
	CodeAccessDenied         = "ACCESS_DENIED"
	CodeDatabaseNotFound     = "DATABASE_NOT_FOUND"
	CodeInvalidFileFormat    = "INVALID_FILE_FORMAT"
	CodeMissingRequiredField = "MISSING_REQUIRED_FIELD"
	CodeAPIRateLimit         = "API_RATE_LIMIT"
	CodeAPIUnauthorized      = "API_UNAUTHORIZED"
	CodeNetworkTimeout       = "NETWORK_TIMEOUT"
	CodeInsufficientMemory   = "INSUFFICIENT_MEMORY"
	CodeDiskSpaceLow         = "DISK_SPACE_LOW"
	CodeDataCorruption       = "DATA_CORRUPTION"
	CodeSchemaMismatch       = "SCHEMA_MISMATCH"
	CodeCyclicPipeline       = "CYCLIC_PIPELINE"
	CodeExpiredRollbackPoint = "EXPIRED_ROLLBACK_POINT"
	CodeUnsupportedFeature   = "UNSUPPORTED_FEATURE"
	CodeCancelled            = "CANCELLED_BY_USER"
	CodeUnknown              = "UNKNOWN"
)

// Fault is a classified operational error.
type Fault struct {
	Code             string   `json:"code"`
	Message          string   `json:"message"`
	Severity         Severity `json:"severity"`
	Category         Category `json:"category"`
	Suggestions      []string `json:"suggestions,omitempty"`
	TechnicalDetails string   `json:"technical_details,omitempty"`
	Retryable        bool     `json:"retryable"`

	cause error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return f.Code + ": " + f.Message
}

// Unwrap exposes the underlying error for errors.Is/As chains.
func (f *Fault) Unwrap() error {
	return f.cause
}

// profile is the static classification data for one code.
type profile struct {
	severity    Severity
	category    Category
	retryable   bool
	message     string
	suggestions []string
}

var profiles = map[string]profile{
	CodeConnectionRefused: {
		severity: SeverityHigh, category: CategoryConnection, retryable: true,
		message: "the remote endpoint refused the connection",
		suggestions: []string{
			"check that the host and port are correct",
			"verify the service is running and reachable from this machine",
		},
	},
	CodeAccessDenied: {
		severity: SeverityHigh, category: CategoryPermission,
		message: "access to the resource was denied",
		suggestions: []string{
			"check file and directory permissions",
			"verify the configured credentials grant the required access",
		},
	},
	CodeDatabaseNotFound: {
		severity: SeverityMedium, category: CategoryConnection,
		message: "the requested database or object does not exist",
		suggestions: []string{
			"verify the configured name or key",
			"check that the resource was created and not removed",
		},
	},
	CodeInvalidFileFormat: {
		severity: SeverityMedium, category: CategoryValidation,
		message: "the input could not be parsed in the declared format",
		suggestions: []string{
			"check the file against the configured format (csv/json)",
			"verify the source emits an array of objects",
		},
	},
	CodeMissingRequiredField: {
		severity: SeverityMedium, category: CategoryValidation,
		message: "a required field is missing from the input",
		suggestions: []string{
			"check the provider configuration for required settings",
			"verify incoming records carry the configured key fields",
		},
	},
	CodeAPIRateLimit: {
		severity: SeverityMedium, category: CategoryNetwork, retryable: true,
		message: "the upstream API rate limit was hit",
		suggestions: []string{
			"reduce the sync frequency",
			"retry after the upstream window resets",
		},
	},
	CodeAPIUnauthorized: {
		severity: SeverityHigh, category: CategoryPermission,
		message: "the upstream API rejected the credentials",
		suggestions: []string{
			"check the configured API key or token",
			"verify the credential has not expired or been revoked",
		},
	},
	CodeNetworkTimeout: {
		severity: SeverityMedium, category: CategoryNetwork, retryable: true,
		message: "the operation timed out waiting on the network",
		suggestions: []string{
			"retry the operation",
			"increase the configured timeout if the endpoint is slow",
		},
	},
	CodeInsufficientMemory: {
		severity: SeverityHigh, category: CategorySystem,
		message: "the operation ran out of memory",
		suggestions: []string{
			"reduce the import batch size",
			"free memory on the host and retry",
		},
	},
	CodeDiskSpaceLow: {
		severity: SeverityHigh, category: CategorySystem,
		message: "the disk is out of space",
		suggestions: []string{
			"free disk space under the data directory",
			"apply a retention policy to prune old versions",
		},
	},
	CodeDataCorruption: {
		severity: SeverityCritical, category: CategoryData,
		message: "stored data failed integrity checks",
		suggestions: []string{
			"restore the store file from a backup",
			"re-import the source data",
		},
	},
	CodeSchemaMismatch: {
		severity: SeverityMedium, category: CategoryData,
		message: "incoming records do not match the expected schema",
		suggestions: []string{
			"review the schema history for the breaking change",
			"adjust field mappings to reconcile the shapes",
		},
	},
	CodeCyclicPipeline: {
		severity: SeverityHigh, category: CategoryValidation,
		message: "the pipeline graph contains a cycle",
		suggestions: []string{
			"remove the edge that closes the loop",
		},
	},
	CodeExpiredRollbackPoint: {
		severity: SeverityMedium, category: CategoryData,
		message: "the rollback point references versions that no longer exist",
		suggestions: []string{
			"create a fresh rollback point",
			"relax the retention policy that pruned the referenced versions",
		},
	},
	CodeUnsupportedFeature: {
		severity: SeverityLow, category: CategoryValidation,
		message: "the requested capability is not supported by this provider",
		suggestions: []string{
			"switch the data source to a delta mode its provider supports",
		},
	},
	CodeCancelled: {
		severity: SeverityLow, category: CategorySystem,
		message: "the operation was cancelled",
		suggestions: []string{
			"re-run the operation if the cancellation was accidental",
		},
	},
	CodeUnknown: {
		severity: SeverityMedium, category: CategorySystem,
		message: "an unclassified error occurred",
		suggestions: []string{
			"check the technical details and engine logs",
		},
	},
}

// matcher maps error-text substrings to a code. Ordered most specific first.
type matcher struct {
	code       string
	substrings []string
}

var matchers = []matcher{
	{CodeCancelled, []string{"context canceled", "cancelled by user", "operation was cancelled"}},
	{CodeCyclicPipeline, []string{"cycle detected", "cyclic"}},
	{CodeExpiredRollbackPoint, []string{"rollback point expired", "rollback point references"}},
	{CodeUnsupportedFeature, []string{"unsupported", "not supported", "not implemented"}},
	{CodeDataCorruption, []string{"database disk image", "corrupt", "checksum mismatch"}},
	{CodeSchemaMismatch, []string{"schema mismatch", "incompatible schema", "column mismatch"}},
	{CodeDiskSpaceLow, []string{"no space left", "disk full", "disk space"}},
	{CodeInsufficientMemory, []string{"out of memory", "cannot allocate memory", "insufficient memory"}},
	{CodeNetworkTimeout, []string{"deadline exceeded", "timed out", "timeout"}},
	{CodeAPIRateLimit, []string{"rate limit", "too many requests", "status 429"}},
	{CodeAPIUnauthorized, []string{"unauthorized", "status 401", "invalid api key", "invalid token"}},
	{CodeAccessDenied, []string{"access denied", "permission denied", "status 403"}},
	{CodeDatabaseNotFound, []string{"database not found", "unable to open database", "no such bucket", "no such key", "specified key does not exist"}},
	{CodeConnectionRefused, []string{"connection refused", "connection reset", "no such host"}},
	{CodeMissingRequiredField, []string{"missing required field", "field is required", "required field"}},
	{CodeInvalidFileFormat, []string{"invalid file format", "invalid character", "unexpected end of json", "parse error", "malformed", "wrong number of fields"}},
}

// New creates a fault with the given code and message. Unknown codes get
// the UNKNOWN profile.
func New(code, message string) *Fault {
	p, ok := profiles[code]
	if !ok {
		code, p = CodeUnknown, profiles[CodeUnknown]
	}
	if message == "" {
		message = p.message
	}
	return &Fault{
		Code:        code,
		Message:     message,
		Severity:    p.severity,
		Category:    p.category,
		Suggestions: p.suggestions,
		Retryable:   p.retryable,
	}
}

// Newf creates a fault with a formatted message.
func Newf(code, format string, args ...any) *Fault {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a fault carrying err as its cause and technical details.
func Wrap(code string, err error) *Fault {
	f := New(code, "")
	f.cause = err
	if err != nil {
		f.TechnicalDetails = err.Error()
	}
	return f
}

// Classify maps an arbitrary error to a fault. Existing faults pass
// through unchanged; nil returns nil.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(CodeCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeNetworkTimeout, err)
	}

	text := strings.ToLower(err.Error())
	for _, m := range matchers {
		for _, sub := range m.substrings {
			if strings.Contains(text, sub) {
				return Wrap(m.code, err)
			}
		}
	}

	u := Wrap(CodeUnknown, err)
	u.Message = err.Error()
	return u
}

// IsRetryable reports whether the error classifies to a retryable fault.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

// CodeOf returns the classified code of an error, or "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return Classify(err).Code
}
