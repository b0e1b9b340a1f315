package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrFetchFailed         = errors.New("fetch failed after all attempts")
	ErrClientHTTPError     = errors.New("client HTTP error (4xx)")
	ErrServerHTTPError     = errors.New("server HTTP error (5xx)")
	ErrOtherHTTPError      = errors.New("other HTTP error (non-2xx)")
	ErrRobotsDisallowed    = errors.New("disallowed by robots.txt")
	ErrDiscoveryFailed     = errors.New("discovery failed")
	ErrParsing             = errors.New("parsing error")
	ErrFilesystem          = errors.New("filesystem error")
	ErrCorruptEntry        = errors.New("corrupt cache entry")
	ErrDatabase            = errors.New("database error")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrTransientIO         = errors.New("transient I/O error")
	ErrSchema              = errors.New("schema error")
	ErrRequestCreation     = errors.New("failed to create HTTP request")
	ErrResponseBodyRead    = errors.New("failed to read response body")
	ErrNotify              = errors.New("notification error")
	ErrConfigValidation    = errors.New("configuration validation error")
)

// WrapErrorf wraps err with a formatted context message. Returns nil if err is nil.
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// retryablePrefixes are the categories worth another attempt on a later run.
// Parse, constraint, schema and robots failures repeat identically until the page changes.
var retryablePrefixes = []string{
	"FetchFailed_",
	"Network_",
	"Database_TransientIO",
	"Cache_CorruptEntry",
	"Filesystem_",
	"System_ContextDeadlineExceeded",
}

// IsRetryableCategory reports whether a failure recorded under category (as returned by
// CategorizeError) should be attempted again without the page having changed
func IsRetryableCategory(category string) bool {
	for _, prefix := range retryablePrefixes {
		if strings.HasPrefix(category, prefix) {
			return true
		}
	}
	return false
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Check against sentinel errors first
	switch {
	case errors.Is(err, ErrFetchFailed):
		switch {
		case errors.Is(err, ErrServerHTTPError):
			return "FetchFailed_HTTPServer"
		case errors.Is(err, ErrClientHTTPError):
			if strings.Contains(err.Error(), " 404 ") {
				return "FetchFailed_HTTP404"
			}
			return "FetchFailed_HTTPClient"
		case errors.Is(err, ErrOtherHTTPError):
			return "FetchFailed_HTTPOther"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return "FetchFailed_Canceled"
		}

		// Check for common network error substrings if wrapped error isn't a known sentinel
		errMsg := strings.ToLower(err.Error())
		if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded") {
			return "FetchFailed_NetworkTimeout"
		}
		if strings.Contains(errMsg, "connection refused") {
			return "FetchFailed_ConnectionRefused"
		}
		if strings.Contains(errMsg, "no such host") {
			return "FetchFailed_DNSLookup"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "FetchFailed_NetworkTimeout"
		}
		return "FetchFailed_NetworkOther"
	case errors.Is(err, ErrDiscoveryFailed):
		return "Discovery_Failed"
	case errors.Is(err, ErrConstraintViolation):
		return "Database_Constraint"
	case errors.Is(err, ErrSchema):
		return "Database_Schema"
	case errors.Is(err, ErrTransientIO):
		return "Database_TransientIO"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrClientHTTPError):
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrCorruptEntry):
		return "Cache_CorruptEntry"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "JSON") {
			return "Content_ParsingJSON"
		}
		if strings.Contains(errMsg, "XML") {
			return "Content_ParsingXML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrNotify):
		return "Notify_Failed"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "timeout") {
		return "Network_TimeoutGeneric"
	}
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate") {
		return "Network_TLS"
	}
	if strings.Contains(lowerErrMsg, "reset by peer") {
		return "Network_ConnectionReset"
	}

	return "Unknown"
}
