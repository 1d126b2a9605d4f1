// Package classifier turns raw startup failures into categorized, deduplicated
// error records.
//
// Every failure is reduced to a key made of its category and a hash of its
// normalized message (lowercased, digit runs replaced by '#'), so "timeout
// after 300ms" and "timeout after 1200ms" count as the same error. Each key
// tracks a frequency; when the frequency reaches the threshold for the error's
// severity the record is escalated exactly once and escalation observers are
// notified.
//
// Thresholds:
//
//	critical: 1
//	high:     3
//	medium:   5
//	low:      10
//
// The classifier also reports patterns: categories whose recent, unescalated
// errors recur more than twice on average within a one minute window.
package classifier

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/metrics"
)

// PatternWindow is how far back DetectPatterns looks.
const PatternWindow = time.Minute

// patternMinMeanFrequency is the mean frequency a category must exceed to be
// reported as a pattern.
const patternMinMeanFrequency = 2.0

// EscalationThresholds maps severities to the frequency that escalates them.
var EscalationThresholds = map[domain.Severity]int{
	domain.SeverityCritical: 1,
	domain.SeverityHigh:     3,
	domain.SeverityMedium:   5,
	domain.SeverityLow:      10,
}

// Context describes where an error happened.
type Context struct {
	Phase     string
	Component string
}

// StartupError is a deduplicated error record.
type StartupError struct {
	Key       string
	Message   string
	Category  domain.ErrorCategory
	Severity  domain.Severity
	Frequency int
	FirstSeen time.Time
	LastSeen  time.Time
	Escalated bool
	Phase     string

	// Source is the original error of the most recent occurrence, if any.
	Source error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("[%s/%s] %s", e.Category, e.Severity, e.Message)
}

func (e *StartupError) Unwrap() error {
	return e.Source
}

// Pattern is a category with recurring, not yet escalated errors.
type Pattern struct {
	Category      domain.ErrorCategory
	Severity      domain.Severity
	Errors        int
	MeanFrequency float64
}

// ErrorSink receives every recorded error. The health monitor's tally
// implements it.
type ErrorSink interface {
	RecordError(e *StartupError)
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSink forwards every recorded error to sink.
func WithSink(sink ErrorSink) Option {
	return func(c *Classifier) { c.sink = sink }
}

// WithPhaseNames overrides the phase ids the severity rules refer to. An
// empty id turns the matching rule off.
func WithPhaseNames(auth, mount string) Option {
	return func(c *Classifier) {
		c.authPhase = auth
		c.mountPhase = mount
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// Classifier owns the session's error table.
type Classifier struct {
	mu         sync.RWMutex
	errors     map[string]*StartupError
	onEscalate []func(StartupError)

	sink       ErrorSink
	authPhase  string
	mountPhase string
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Classifier with an empty error table.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		errors:     make(map[string]*StartupError),
		authPhase:  "auth",
		mountPhase: "ui-mount",
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEscalation registers fn to be called once for every escalated error key.
func (c *Classifier) OnEscalation(fn func(StartupError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEscalate = append(c.onEscalate, fn)
}

// Observe classifies err (or message when err is nil) and records it.
func (c *Classifier) Observe(message string, err error, ctx Context) *StartupError {
	if message == "" && err != nil {
		message = err.Error()
	}
	category, severity := c.Classify(message, err, ctx)
	rec := c.Record(category, severity, message, ctx)
	rec.Source = err
	return rec
}

// Record increments the frequency of an existing error with the same key or
// creates a new one, escalating it when its threshold is reached. The returned
// record is a snapshot.
func (c *Classifier) Record(
	category domain.ErrorCategory,
	severity domain.Severity,
	message string,
	ctx Context,
) *StartupError {
	key := Key(category, message)
	now := c.now()

	c.mu.Lock()
	rec, ok := c.errors[key]
	if ok {
		rec.Frequency++
		rec.LastSeen = now
		rec.Phase = ctx.Phase
		if severity > rec.Severity {
			rec.Severity = severity
		}
	} else {
		rec = &StartupError{
			Key:       key,
			Message:   message,
			Category:  category,
			Severity:  severity,
			Frequency: 1,
			FirstSeen: now,
			LastSeen:  now,
			Phase:     ctx.Phase,
		}
		c.errors[key] = rec
	}

	escalated := false
	if !rec.Escalated && rec.Frequency >= EscalationThresholds[rec.Severity] {
		rec.Escalated = true
		escalated = true
	}
	snapshot := *rec
	observers := c.onEscalate
	c.mu.Unlock()

	metrics.ErrorsRecorded.WithLabelValues(string(category), severity.String()).Inc()

	if escalated {
		metrics.ErrorsEscalated.WithLabelValues(string(category)).Inc()
		c.logger.Warn("Error escalated",
			"category", category,
			"severity", snapshot.Severity.String(),
			"frequency", snapshot.Frequency,
			"phase", ctx.Phase,
			"message", message,
		)
		for _, fn := range observers {
			fn(snapshot)
		}
	}

	if c.sink != nil {
		s := snapshot
		c.sink.RecordError(&s)
	}

	return &snapshot
}

// Get returns a snapshot of the error stored under key.
func (c *Classifier) Get(key string) (StartupError, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.errors[key]
	if !ok {
		return StartupError{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of every recorded error.
func (c *Classifier) Snapshot() []StartupError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StartupError, 0, len(c.errors))
	for _, rec := range c.errors {
		out = append(out, *rec)
	}
	return out
}

// Clear drops every recorded error.
func (c *Classifier) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = make(map[string]*StartupError)
}

// DetectPatterns groups the unescalated errors seen within PatternWindow of
// now by category and reports categories whose mean frequency exceeds 2.
func (c *Classifier) DetectPatterns(now time.Time) []Pattern {
	type group struct {
		count    int
		freq     int
		weighted int
	}

	cutoff := now.Add(-PatternWindow)
	groups := make(map[domain.ErrorCategory]*group)
	var order []domain.ErrorCategory

	c.mu.RLock()
	for _, rec := range c.errors {
		if rec.Escalated || rec.LastSeen.Before(cutoff) {
			continue
		}
		g, ok := groups[rec.Category]
		if !ok {
			g = &group{}
			groups[rec.Category] = g
			order = append(order, rec.Category)
		}
		g.count++
		g.freq += rec.Frequency
		g.weighted += rec.Frequency * int(rec.Severity)
	}
	c.mu.RUnlock()

	var patterns []Pattern
	for _, cat := range order {
		g := groups[cat]
		mean := float64(g.freq) / float64(g.count)
		if mean <= patternMinMeanFrequency {
			continue
		}
		patterns = append(patterns, Pattern{
			Category:      cat,
			Severity:      roundSeverity(float64(g.weighted) / float64(g.freq)),
			Errors:        g.count,
			MeanFrequency: mean,
		})
	}
	return patterns
}

func roundSeverity(v float64) domain.Severity {
	s := domain.Severity(int(v + 0.5))
	if s < domain.SeverityLow {
		return domain.SeverityLow
	}
	if s > domain.SeverityCritical {
		return domain.SeverityCritical
	}
	return s
}

var digitRuns = regexp.MustCompile(`\d+`)

// Normalize lowercases message and replaces every run of digits with '#'.
func Normalize(message string) string {
	return digitRuns.ReplaceAllString(strings.ToLower(strings.TrimSpace(message)), "#")
}

// Key is the deduplication key for an error.
func Key(category domain.ErrorCategory, message string) string {
	return fmt.Sprintf("%s:%016x", category, xxhash.Sum64String(Normalize(message)))
}

// IsEscalated reports whether err carries an escalated StartupError.
func IsEscalated(err error) bool {
	var se *StartupError
	return errors.As(err, &se) && se.Escalated
}
