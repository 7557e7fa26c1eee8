// Package domain provides the canonical types shared by the gateway core.
package domain

import (
	"fmt"
	"net/http"
)

// Category is the closed set of failure classes surfaced to callers.
type Category string

const (
	// CategoryAuth indicates an invalid or expired session or upstream credential.
	CategoryAuth Category = "AuthError"

	// CategoryPermission indicates the caller lacks entitlement on the agent.
	CategoryPermission Category = "PermissionError"

	// CategoryNotFound indicates the agent endpoint or resource does not exist.
	CategoryNotFound Category = "NotFoundError"

	// CategoryRateLimited indicates the caller or the upstream is throttling.
	CategoryRateLimited Category = "RateLimited"

	// CategoryUpstreamUnavailable indicates a 5xx or overloaded agent.
	CategoryUpstreamUnavailable Category = "UpstreamUnavailable"

	// CategoryTimedOut indicates the local query timeout was exceeded.
	CategoryTimedOut Category = "TimedOut"

	// CategoryConnectionFailed indicates no response was received at all.
	CategoryConnectionFailed Category = "ConnectionFailed"

	// CategoryEmptyReply indicates the agent finished without an answer.
	CategoryEmptyReply Category = "EmptyReply"

	// CategoryStoreUnavailable indicates the shared session store is unreachable.
	CategoryStoreUnavailable Category = "StoreUnavailable"

	// CategoryUnknown is the fallback for anything unanticipated.
	CategoryUnknown Category = "Unknown"
)

// Categories lists every category in classification priority order.
var Categories = []Category{
	CategoryAuth,
	CategoryPermission,
	CategoryNotFound,
	CategoryRateLimited,
	CategoryUpstreamUnavailable,
	CategoryTimedOut,
	CategoryConnectionFailed,
	CategoryEmptyReply,
	CategoryStoreUnavailable,
	CategoryUnknown,
}

var userMessages = map[Category]string{
	CategoryAuth:                "Authentication failed. Your session may have expired. Please sign in again.",
	CategoryPermission:          "You don't have permission to access this data agent. Contact your administrator.",
	CategoryNotFound:            "The data agent endpoint was not found. Please check the gateway configuration.",
	CategoryRateLimited:         "Too many requests. Please wait a moment and try again.",
	CategoryUpstreamUnavailable: "The data agent service is experiencing issues. Please try again later.",
	CategoryTimedOut:            "The query is taking too long to process. Try a simpler question or try again later.",
	CategoryConnectionFailed:    "Unable to connect to the data agent service. Please check your connection and try again.",
	CategoryEmptyReply:          "The data agent did not return an answer. Try rephrasing your question.",
	CategoryStoreUnavailable:    "The service is temporarily unavailable. Please try again shortly.",
	CategoryUnknown:             "An unexpected error occurred. Please try again later.",
}

// UserMessage returns the stable, caller-safe message for the category.
func (c Category) UserMessage() string {
	if msg, ok := userMessages[c]; ok {
		return msg
	}
	return userMessages[CategoryUnknown]
}

// Retryable reports whether the dispatcher may retry a failure of this category.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimited, CategoryUpstreamUnavailable, CategoryTimedOut, CategoryConnectionFailed:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the status code the HTTP layer uses for this category.
func (c Category) HTTPStatusCode() int {
	switch c {
	case CategoryAuth:
		return http.StatusUnauthorized
	case CategoryPermission:
		return http.StatusForbidden
	case CategoryNotFound, CategoryConnectionFailed, CategoryEmptyReply:
		return http.StatusBadGateway
	case CategoryRateLimited:
		return http.StatusTooManyRequests
	case CategoryUpstreamUnavailable, CategoryStoreUnavailable:
		return http.StatusServiceUnavailable
	case CategoryTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ClassifiedError is a normalized failure. Detail is for logs only; Message is
// what callers see.
type ClassifiedError struct {
	Category Category
	Detail   string
	Message  string
}

// NewClassifiedError creates a classified error using the category's user message.
func NewClassifiedError(category Category, detail string) *ClassifiedError {
	return &ClassifiedError{
		Category: category,
		Detail:   detail,
		Message:  category.UserMessage(),
	}
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Category, e.Detail)
	}
	return string(e.Category)
}

// Retryable reports whether the error's category may be retried.
func (e *ClassifiedError) Retryable() bool {
	return e.Category.Retryable()
}
