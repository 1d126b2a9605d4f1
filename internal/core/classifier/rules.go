package classifier

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

// fatalMarkers promote any message to critical.
var fatalMarkers = []string{"fatal", "unrecoverable"}

// highMarkers promote any message to high.
var highMarkers = []string{"failed to fetch", "network error"}

type categoryRule struct {
	category domain.ErrorCategory
	markers  []string
}

// Checked in order; the first rule with a matching marker wins.
var categoryRules = []categoryRule{
	{domain.CategoryJavaScript, []string{
		"typeerror", "referenceerror", "syntaxerror", "rangeerror",
		"is not a function", "undefined is not", "nil pointer", "panic",
	}},
	{domain.CategoryManifest, []string{"manifest"}},
	{domain.CategoryBackgroundWorker, []string{
		"service worker", "serviceworker", "background worker", "worker registration", "worker",
	}},
	{domain.CategoryAuth, []string{
		"unauthorized", "unauthenticated", "forbidden", "permission denied",
		"401", "403", "token", "session expired", "auth",
	}},
	{domain.CategoryStorage, []string{"indexeddb", "localstorage", "storage", "disk full", "no space left"}},
	{domain.CategoryCache, []string{"cache", "quota exceeded"}},
	{domain.CategoryScript, []string{"script", "loading chunk", "chunkloaderror", "module not found", "import"}},
	{domain.CategoryNetwork, []string{
		"failed to fetch", "network error", "networkerror", "timeout", "timed out",
		"connection refused", "connection reset", "no such host", "offline", "econn", "dns", "eof",
	}},
}

// Classify derives a category and severity for a failure. Typed source errors
// take precedence over message markers when choosing the category.
func (c *Classifier) Classify(
	message string,
	err error,
	ctx Context,
) (domain.ErrorCategory, domain.Severity) {
	text := strings.ToLower(message)
	if err != nil {
		text += " " + strings.ToLower(errorInfoText(err))
	}

	category := categoryFromError(err)
	if category == "" {
		category = categoryFromText(text)
	}

	return category, c.severity(category, text, ctx)
}

func (c *Classifier) severity(
	category domain.ErrorCategory,
	text string,
	ctx Context,
) domain.Severity {
	switch {
	case containsAny(text, fatalMarkers),
		category == domain.CategoryJavaScript && c.mountPhase != "" && ctx.Phase == c.mountPhase:
		return domain.SeverityCritical
	case category == domain.CategoryAuth && c.authPhase != "" && ctx.Phase == c.authPhase,
		containsAny(text, highMarkers):
		return domain.SeverityHigh
	case category == domain.CategoryBackgroundWorker,
		category == domain.CategoryCache,
		category == domain.CategoryStorage:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func categoryFromError(err error) domain.ErrorCategory {
	if err == nil {
		return ""
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.OK && s.Code() != codes.Unknown {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return domain.CategoryNetwork
		case codes.Unauthenticated, codes.PermissionDenied:
			return domain.CategoryAuth
		case codes.DataLoss:
			return domain.CategoryStorage
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.CategoryNetwork
	}
	return ""
}

func categoryFromText(text string) domain.ErrorCategory {
	for _, rule := range categoryRules {
		if containsAny(text, rule.markers) {
			return rule.category
		}
	}
	return domain.CategoryUnknown
}

// errorInfoText returns the reason and domain of a google.rpc.ErrorInfo detail
// attached to a gRPC status error.
func errorInfoText(err error) string {
	s, ok := status.FromError(err)
	if !ok {
		return ""
	}
	var parts []string
	for _, d := range s.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			parts = append(parts, info.GetReason(), info.GetDomain())
		}
	}
	return strings.Join(parts, " ")
}

// RetryAfter extracts the server-suggested retry delay from a gRPC status
// error carrying a google.rpc.RetryInfo detail.
func RetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	s, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, d := range s.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration(), true
		}
	}
	return 0, false
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
