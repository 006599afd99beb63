package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeCyclicalStructure    ErrorType = "cyclical_structure"
	ErrorTypeModuleNaming         ErrorType = "module_naming"
	ErrorTypeUnknownResource      ErrorType = "unknown_resource"
	ErrorTypeDependencyResolution ErrorType = "dependency_resolution"
	ErrorTypeDependencyCycle      ErrorType = "dependency_cycle"
	ErrorTypeEvaluation           ErrorType = "evaluation"
	ErrorTypePreloadTimeout       ErrorType = "preload_timeout"
	ErrorTypeProxy                ErrorType = "proxy"
	ErrorTypeRender               ErrorType = "render"
	ErrorTypeForbidden            ErrorType = "forbidden"
	ErrorTypeValidation           ErrorType = "validation"
	ErrorTypeConfig               ErrorType = "config"
	ErrorTypeIO                   ErrorType = "io"
	ErrorTypeInternal             ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeCyclicalTree      = "ERR_CYCLICAL_TREE"
	ErrCodeModuleNaming      = "ERR_MODULE_NAMING"
	ErrCodeUnknownNickname   = "ERR_UNKNOWN_NICKNAME"
	ErrCodeUnknownModule     = "ERR_UNKNOWN_MODULE"
	ErrCodeDependencyFailed  = "ERR_DEPENDENCY_FAILED"
	ErrCodeDependencyCycle   = "ERR_DEPENDENCY_CYCLE"
	ErrCodeEvaluationFailed  = "ERR_EVALUATION_FAILED"
	ErrCodePreloadTimeout    = "ERR_PRELOAD_TIMEOUT"
	ErrCodeProxyHook         = "ERR_PROXY_HOOK"
	ErrCodeCSRF              = "ERR_CSRF"
	ErrCodeRenderFailed      = "ERR_RENDER_FAILED"
	ErrCodeForbidden         = "ERR_FORBIDDEN"
	ErrCodeNotController     = "ERR_NOT_CONTROLLER"
	ErrCodeConfigInvalid     = "ERR_CONFIG_INVALID"
	ErrCodeFileNotFound      = "ERR_FILE_NOT_FOUND"
	ErrCodeValidationFailed  = "ERR_VALIDATION_FAILED"
	ErrCodeInternalError     = "ERR_INTERNAL"
	ErrCodeInvalidReference  = "ERR_INVALID_REFERENCE"
	ErrCodeInvalidDirective  = "ERR_INVALID_DIRECTIVE"
	ErrCodeTemplateParse     = "ERR_TEMPLATE_PARSE"
	ErrCodeScriptParse       = "ERR_SCRIPT_PARSE"
	ErrCodeUnknownNative     = "ERR_UNKNOWN_NATIVE"
	ErrCodeMultipleResponses = "ERR_MULTIPLE_RESPONSES"
	ErrCodeNetwork           = "ERR_NETWORK"
	ErrCodeRateLimited       = "ERR_RATE_LIMITED"
	ErrCodePoolClosed        = "ERR_POOL_CLOSED"
)

// TreelineError is a structured error type with context.
type TreelineError struct {
	Type     ErrorType
	Code     string
	Message  string
	Cause    error
	Context  map[string]interface{}
	Resource string
	FilePath string
	Line     int
	Column   int
	// Related holds further failures observed alongside Cause; only Cause is
	// surfaced through Unwrap.
	Related []error
}

// Error implements the error interface.
func (e *TreelineError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Resource != "" {
		parts = append(parts, "resource:"+e.Resource)
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *TreelineError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *TreelineError) Is(target error) bool {
	var t *TreelineError
	if errors.As(target, &t) {
		return e.Type == t.Type && (t.Code == "" || e.Code == t.Code)
	}

	return false
}

// WithContext adds context information to the error.
func (e *TreelineError) WithContext(key string, value interface{}) *TreelineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *TreelineError) WithLocation(filePath string, line, column int) *TreelineError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithResource adds the resource path the error belongs to.
func (e *TreelineError) WithResource(resource string) *TreelineError {
	e.Resource = resource

	return e
}

// WithRelated attaches additional failures for diagnostics.
func (e *TreelineError) WithRelated(errs ...error) *TreelineError {
	for _, err := range errs {
		if err != nil {
			e.Related = append(e.Related, err)
		}
	}

	return e
}

// Error creation functions

// NewCyclicalStructureError reports a named tree that revisits one of its own nodes.
func NewCyclicalStructureError(node, operation string) *TreelineError {
	return &TreelineError{
		Type:    ErrorTypeCyclicalStructure,
		Code:    ErrCodeCyclicalTree,
		Message: fmt.Sprintf("node %q revisited during %s", node, operation),
	}
}

// NewModuleNamingError reports a malformed file grouping.
func NewModuleNamingError(file, message string) *TreelineError {
	return &TreelineError{
		Type:     ErrorTypeModuleNaming,
		Code:     ErrCodeModuleNaming,
		Message:  message,
		FilePath: file,
	}
}

// NewUnknownResourceError reports a nickname or module path that does not exist.
func NewUnknownResourceError(code, message string) *TreelineError {
	return &TreelineError{
		Type:    ErrorTypeUnknownResource,
		Code:    code,
		Message: message,
	}
}

// NewDependencyResolutionError wraps a nested resolution failure with the
// requesting file's context.
func NewDependencyResolutionError(resource, file, reference string, cause error) *TreelineError {
	return &TreelineError{
		Type:     ErrorTypeDependencyResolution,
		Code:     ErrCodeDependencyFailed,
		Message:  fmt.Sprintf("resolving %q", reference),
		Cause:    cause,
		Resource: resource,
		FilePath: file,
	}
}

// NewDependencyCycleError reports a dependency chain that loops back on itself.
func NewDependencyCycleError(chain []string) *TreelineError {
	return &TreelineError{
		Type:    ErrorTypeDependencyCycle,
		Code:    ErrCodeDependencyCycle,
		Message: "dependency cycle: " + strings.Join(chain, " -> "),
	}
}

// NewEvaluationError wraps a failure raised while executing module code.
func NewEvaluationError(resource, file string, line int, cause error) *TreelineError {
	return &TreelineError{
		Type:     ErrorTypeEvaluation,
		Code:     ErrCodeEvaluationFailed,
		Message:  "evaluation failed",
		Cause:    cause,
		Resource: resource,
		FilePath: file,
		Line:     line,
	}
}

// NewPreloadTimeoutError reports a preload hook that never completed.
func NewPreloadTimeoutError(layer string, timeout fmt.Stringer) *TreelineError {
	return &TreelineError{
		Type:     ErrorTypePreloadTimeout,
		Code:     ErrCodePreloadTimeout,
		Message:  fmt.Sprintf("preload never completed within %s", timeout),
		Resource: layer,
	}
}

// NewProxyError wraps a failure raised by a proxy hook.
func NewProxyError(proxy, message string, cause error) *TreelineError {
	return &TreelineError{
		Type:     ErrorTypeProxy,
		Code:     ErrCodeProxyHook,
		Message:  message,
		Cause:    cause,
		Resource: proxy,
	}
}

// NewRenderError wraps a failure raised while computing title, meta or body.
func NewRenderError(layer, stage string, cause error) *TreelineError {
	return &TreelineError{
		Type:     ErrorTypeRender,
		Code:     ErrCodeRenderFailed,
		Message:  stage + " failed",
		Cause:    cause,
		Resource: layer,
	}
}

// NewForbiddenError is returned by hooks that refuse to serve a request.
func NewForbiddenError(message string) *TreelineError {
	return &TreelineError{
		Type:    ErrorTypeForbidden,
		Code:    ErrCodeForbidden,
		Message: message,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *TreelineError {
	return &TreelineError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *TreelineError {
	return &TreelineError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *TreelineError {
	return &TreelineError{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *TreelineError {
	return &TreelineError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsType reports whether any error in err's chain is a TreelineError of the given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var te *TreelineError
		if !errors.As(err, &te) {
			return false
		}
		if te.Type == errType {
			return true
		}
		err = te.Cause
	}

	return false
}

// HasCode reports whether any error in err's chain is a TreelineError with code.
func HasCode(err error, code string) bool {
	for err != nil {
		var te *TreelineError
		if !errors.As(err, &te) {
			return false
		}
		if te.Code == code {
			return true
		}
		err = te.Cause
	}

	return false
}

// Innermost returns the deepest TreelineError in err's chain, which usually
// carries the most precise file and line information.
func Innermost(err error) *TreelineError {
	var found *TreelineError
	for err != nil {
		var te *TreelineError
		if !errors.As(err, &te) {
			break
		}
		found = te
		err = te.Cause
	}

	return found
}

// StatusCode maps an error to the HTTP status the HTTP layer should answer with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsType(err, ErrorTypeForbidden):
		return http.StatusForbidden
	case HasCode(err, ErrCodeCSRF):
		return http.StatusForbidden
	case HasCode(err, ErrCodeRateLimited):
		return http.StatusTooManyRequests
	case IsType(err, ErrorTypeProxy) && HasCode(err, ErrCodeNetwork):
		return http.StatusBadGateway
	case IsType(err, ErrorTypeUnknownResource) && !IsType(err, ErrorTypeDependencyResolution):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler provides centralized error handling.
type ErrorHandler struct {
	logger Logger
}

// Logger interface for error logging.
type Logger interface {
	Info(ctx context.Context, msg string, fields ...interface{})
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs an error at a level matching its category. Forbidden responses
// are expected traffic and are logged quietly.
func (h *ErrorHandler) Handle(ctx context.Context, err error, fields ...interface{}) {
	if err == nil || h.logger == nil {
		return
	}

	var te *TreelineError
	if !errors.As(err, &te) {
		h.logger.Error(ctx, err, "Unhandled error occurred", fields...)
		return
	}

	fields = append(fields, "type", te.Type, "code", te.Code)
	if te.Resource != "" {
		fields = append(fields, "resource", te.Resource)
	}

	switch {
	case IsType(err, ErrorTypeForbidden):
		h.logger.Info(ctx, "Request forbidden", append(fields, "reason", te.Message)...)
	case IsType(err, ErrorTypeValidation):
		h.logger.Warn(ctx, err, "Validation error occurred", fields...)
	default:
		if inner := Innermost(err); inner != nil && inner.FilePath != "" {
			fields = append(fields, "file", inner.FilePath, "line", inner.Line)
		}
		h.logger.Error(ctx, err, "Error occurred", fields...)
	}
}
