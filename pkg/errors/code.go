package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Submission intake errors
// 13100-13199: Execution & sandbox errors
// 13200-13299: Result delivery errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Submission Errors (13000-13099) ==========

	TicketNotFound       ErrorCode = 13000
	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	InputTooLarge        ErrorCode = 13004

	// ========== Execution Errors (13100-13199) ==========

	JudgeQueueFull     ErrorCode = 13100
	SandboxUnavailable ErrorCode = 13101
	StagingFailed      ErrorCode = 13102
	ExecutorClosed     ErrorCode = 13103

	// ========== Delivery Errors (13200-13299) ==========

	DeliveryFailed ErrorCode = 13200
	PublishFailed  ErrorCode = 13201
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Submission
	TicketNotFound:       "Ticket not found or expired",
	CodeTooLarge:         "Code is too large",
	LanguageNotSupported: "Programming language not supported",
	InputTooLarge:        "Input file is too large",

	// Execution
	JudgeQueueFull:     "Judge queue is full, please try again later",
	SandboxUnavailable: "Sandbox environment unavailable",
	StagingFailed:      "Failed to stage submission files",
	ExecutorClosed:     "Executor is shutting down",

	// Delivery
	DeliveryFailed: "Failed to deliver result to callback",
	PublishFailed:  "Failed to publish result",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return http.StatusOK
	case c == NotFound, c == TicketNotFound:
		return http.StatusNotFound
	case c == TooManyRequests:
		return http.StatusTooManyRequests
	case c == ServiceUnavailable, c == JudgeQueueFull, c == ExecutorClosed:
		return http.StatusServiceUnavailable
	case c == Timeout:
		return http.StatusGatewayTimeout
	case c == CodeTooLarge, c == InputTooLarge:
		return http.StatusRequestEntityTooLarge
	case c >= 10300 && c < 10400: // Validation errors
		return http.StatusBadRequest
	case c == InvalidParams, c == LanguageNotSupported:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
