package errclass

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
)

// RequestContext is the boundary information attached to every envelope.
type RequestContext struct {
	Endpoint   string
	Method     string
	SourceID   string
	RemoteAddr string
}

// Envelope is the classified form of one error.
type Envelope struct {
	ID          string         `json:"id"`
	Category    Category       `json:"category"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	Retryable   bool           `json:"retryable"`
	Suggestions []string       `json:"suggestions"`
}

// Response is the full body written on 4xx/5xx responses.
type Response struct {
	Error      Envelope  `json:"error"`
	RequestID  string    `json:"requestId"`
	ServerTime time.Time `json:"serverTime"`
}

// Recorder receives classified envelopes as recursive log entries. The store
// assigns id and sequence number on append.
type Recorder interface {
	Record(entry *domain.LogEntry)
}

// Classifier shapes errors into envelopes and mirrors each one into the
// recursive log stream. A nil Classifier or nil recorder still classifies;
// it just skips the mirror.
type Classifier struct {
	recorder Recorder
}

func NewClassifier(recorder Recorder) *Classifier {
	return &Classifier{recorder: recorder}
}

// Classify maps err onto the taxonomy and returns its envelope. The envelope
// is also recorded as a recursive entry; failures inside that emission are
// swallowed so a broken recorder can never cascade into classification.
func (c *Classifier) Classify(err error, rc RequestContext) Envelope {
	env := buildEnvelope(err, rc)
	c.emit(env)
	return env
}

func (c *Classifier) emit(env Envelope) {
	if c == nil || c.recorder == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.recorder.Record(&domain.LogEntry{
		Message:    env.Message,
		Level:      domain.LevelError,
		Timestamp:  time.Now().UTC(),
		ScriptID:   "error-classifier",
		SourceID:   "server",
		SourceType: "server",
		Data:       &domain.DataCapture{Value: raw},
		Quality:    domain.QualityValid,
		Recursive:  true,
	})
}

func buildEnvelope(err error, rc RequestContext) Envelope {
	category := CategoryGeneral
	message := "unknown error"
	ctx := rc.toMap()

	if err != nil {
		message = err.Error()
		var ce *Error
		if errors.As(err, &ce) {
			category = ce.Category
			for k, v := range ce.Context {
				ctx[k] = v
			}
		} else {
			category = inferCategory(err)
		}
	}

	return Envelope{
		ID:          "err_" + uuid.NewString(),
		Category:    category,
		Message:     message,
		Context:     ctx,
		Retryable:   category.Retryable(),
		Suggestions: category.Suggestions(),
	}
}

func (rc RequestContext) toMap() map[string]any {
	ctx := make(map[string]any, 4)
	if rc.Endpoint != "" {
		ctx["endpoint"] = rc.Endpoint
	}
	if rc.Method != "" {
		ctx["method"] = rc.Method
	}
	if rc.SourceID != "" {
		ctx["sourceId"] = rc.SourceID
	}
	if rc.RemoteAddr != "" {
		ctx["clientAddress"] = rc.RemoteAddr
	}
	return ctx
}

// inferCategory handles errors that arrive without an explicit category:
// first well-known sentinels, then message heuristics.
func inferCategory(err error) Category {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CategoryTimeout
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return CategoryServiceUnavailable
	case errors.Is(err, fs.ErrNotExist):
		return CategoryNotFound
	case errors.Is(err, fs.ErrPermission):
		return CategoryFileSystem
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.category
			}
		}
	}
	return CategoryGeneral
}

// messageRules is ordered most-specific first; "invalid" alone would
// otherwise shadow authentication and rate-limit messages.
var messageRules = []struct {
	category Category
	keywords []string
}{
	{CategoryRateLimit, []string{"rate limit", "too many requests"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryConflict, []string{"conflict", "already in progress", "already exists", "duplicate"}},
	{CategoryNotFound, []string{"not found", "no such", "does not exist"}},
	{CategoryAuthentication, []string{"unauthenticated", "unauthorized", "invalid token", "invalid credentials", "authentication"}},
	{CategoryAuthorization, []string{"forbidden", "access denied", "not permitted"}},
	{CategoryDatabase, []string{"database", "sql:", "constraint", "deadlock"}},
	{CategoryNetwork, []string{"connection refused", "connection reset", "broken pipe", "dial tcp", "no route to host", "network"}},
	{CategoryFileSystem, []string{"no space left", "read-only file system", "permission denied", "i/o error", "disk", "file system"}},
	{CategoryConfiguration, []string{"config", "environment variable"}},
	{CategoryServiceUnavailable, []string{"unavailable", "shutting down", "overloaded", "circuit breaker"}},
	{CategoryValidation, []string{"invalid", "validation", "malformed", "required", "must be", "exceeds maximum"}},
}
