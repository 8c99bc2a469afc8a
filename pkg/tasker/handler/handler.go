// Package handler defines the step execution boundary (§4.4): the
// RetryableError/PermanentError taxonomy, the Handler interface every step
// type implements, and the generic + HTTP handler flavors.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/tasker/pkg/tasker/resilience"
)

// RetryableError signals a transient failure: the step is eligible for
// another attempt once backoff elapses, up to its retry_limit.
type RetryableError struct {
	Message        string
	ExceptionClass string
	BackoffRequest *int // seconds; server-requested delay, takes precedence over exponential
}

func (e *RetryableError) Error() string { return e.Message }

// NewRetryableError constructs a RetryableError with no server-requested
// backoff override.
func NewRetryableError(message string) *RetryableError {
	return &RetryableError{Message: message, ExceptionClass: "RetryableError"}
}

// PermanentError signals a non-retryable failure: the step's attempts is
// immediately forced to its retry_limit so no further attempt is made.
type PermanentError struct {
	Message        string
	ExceptionClass string
}

func (e *PermanentError) Error() string { return e.Message }

func NewPermanentError(message string) *PermanentError {
	return &PermanentError{Message: message, ExceptionClass: "PermanentError"}
}

// Context is the input handed to a step handler: the resolved task context
// plus this step's own configuration and accumulated results from upstream
// steps it depends on.
type Context struct {
	TaskID           string
	StepID           string
	TaskContext      json.RawMessage
	StepConfig       json.RawMessage
	UpstreamResults  map[string]json.RawMessage // keyed by upstream step name
	Attempt          int
}

// Result is what a successful handler attempt produces; it is persisted
// verbatim to the step's results column per §4.4's "automatic persistence
// invariants".
type Result struct {
	Output json.RawMessage
}

// Handler is the process() boundary every step type implements. An
// unclassified panic/error that is neither Retryable nor Permanent is
// treated as Retryable by the caller (coordinator), per §4.4.
type Handler interface {
	Process(ctx context.Context, in Context) (Result, error)
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, in Context) (Result, error)

func (f Func) Process(ctx context.Context, in Context) (Result, error) { return f(ctx, in) }

// Generic is the default handler flavor used by test scenarios and simple
// steps: it always succeeds, echoing back its step config as output unless
// a caller-supplied Run override is set.
type Generic struct {
	Run func(ctx context.Context, in Context) (Result, error)
}

func (g *Generic) Process(ctx context.Context, in Context) (Result, error) {
	if g.Run != nil {
		return g.Run(ctx, in)
	}
	return Result{Output: in.StepConfig}, nil
}

// HTTP is the HTTP-backed handler flavor (§4.4's "I/O-bound step" class):
// it issues an HTTP request built from its config and maps non-2xx
// responses and timeouts onto the Retryable/Permanent taxonomy.
type HTTP struct {
	Client  *http.Client
	Breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
}

// defaultBreakerWindow/defaultBreakerBuckets/... size the breaker NewHTTP
// installs by default: a 30-second rolling window in 6 five-second
// buckets, opening once at least 10 requests have been seen and half of
// them failed, cooling down for 10 seconds before admitting 3 probes.
const (
	defaultBreakerWindow       = 30 * time.Second
	defaultBreakerBuckets      = 6
	defaultBreakerMinSamples   = 10
	defaultBreakerFailureRate  = 0.5
	defaultBreakerHalfOpenWait = 10 * time.Second
	defaultBreakerProbes       = 3
)

// HTTPConfig is the JSON shape of StepConfig for an HTTP handler.
type HTTPConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// NewHTTP constructs an HTTP handler with a connection-pooled client tuned
// the way the teacher's HTTP plugin is tuned.
func NewHTTP() *HTTP {
	return &HTTP{
		Client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Breaker: resilience.NewCircuitBreaker(
			defaultBreakerWindow, defaultBreakerBuckets, defaultBreakerMinSamples,
			defaultBreakerFailureRate, defaultBreakerHalfOpenWait, defaultBreakerProbes,
		),
		tracer: otel.Tracer("tasker-handler-http"),
	}
}

func (h *HTTP) Process(ctx context.Context, in Context) (Result, error) {
	ctx, span := h.tracer.Start(ctx, "handler.http.process",
		trace.WithAttributes(
			attribute.String("task_id", in.TaskID),
			attribute.String("step_id", in.StepID),
		),
	)
	defer span.End()

	var cfg HTTPConfig
	if err := json.Unmarshal(in.StepConfig, &cfg); err != nil {
		return Result{}, NewPermanentError(fmt.Sprintf("invalid http step config: %v", err))
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	var body *strings.Reader
	if len(cfg.Body) > 0 {
		body = strings.NewReader(string(cfg.Body))
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return Result{}, NewPermanentError(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", in.TaskID)
	req.Header.Set("X-Step-ID", in.StepID)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation{req.Header})

	if h.Breaker != nil && !h.Breaker.Allow() {
		return Result{}, NewRetryableError(fmt.Sprintf("circuit open for %s", cfg.URL))
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		h.recordOutcome(false)
		return Result{}, NewRetryableError(fmt.Sprintf("http request failed: %v", err))
	}
	defer resp.Body.Close()

	var payload map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&payload)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode >= 500:
		h.recordOutcome(false)
		retryable := NewRetryableError(fmt.Sprintf("http %d from %s", resp.StatusCode, cfg.URL))
		retryable.BackoffRequest = parseRetryAfter(resp.Header.Get("Retry-After"))
		return Result{}, retryable
	case resp.StatusCode >= 400:
		// a 4xx is a permanent error (bad request, not downstream instability),
		// so it doesn't count against the breaker.
		return Result{}, NewPermanentError(fmt.Sprintf("http %d from %s", resp.StatusCode, cfg.URL))
	}

	h.recordOutcome(true)
	out, _ := json.Marshal(payload)
	return Result{Output: out}, nil
}

// parseRetryAfter parses an HTTP Retry-After header value (RFC 7231 §7.1.3:
// either a delay in seconds or an HTTP-date) into a seconds count for
// RetryableError.BackoffRequest, per §4.6's server-requested-backoff source
// taking precedence over the exponential formula. Returns nil if value is
// empty or doesn't parse as either form, or if it resolves to a non-positive
// delay.
func parseRetryAfter(value string) *int {
	if value == "" {
		return nil
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs <= 0 {
			return nil
		}
		return &secs
	}
	if at, err := http.ParseTime(value); err == nil {
		delay := int(time.Until(at).Round(time.Second).Seconds())
		if delay <= 0 {
			return nil
		}
		return &delay
	}
	return nil
}

func (h *HTTP) recordOutcome(success bool) {
	if h.Breaker != nil {
		h.Breaker.RecordResult(success)
	}
}

// propagation adapts an http.Header to otel's TextMapCarrier without
// importing the propagation package purely for this one call site.
type propagation struct{ h http.Header }

func (p propagation) Get(key string) string       { return p.h.Get(key) }
func (p propagation) Set(key, value string)        { p.h.Set(key, value) }
func (p propagation) Keys() []string {
	keys := make([]string, 0, len(p.h))
	for k := range p.h {
		keys = append(keys, k)
	}
	return keys
}
