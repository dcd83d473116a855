package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/osvaldoandrade/codegrade/internal/backoff"
	"github.com/osvaldoandrade/codegrade/internal/metrics"
	"github.com/osvaldoandrade/codegrade/internal/tracing"
	"github.com/osvaldoandrade/codegrade/pkg/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type CallbackOutcome string

const (
	CallbackSuccess     CallbackOutcome = "success"
	CallbackRejected    CallbackOutcome = "rejected"
	CallbackUnreachable CallbackOutcome = "unreachable"
)

// Delivery describes what happened to one callback. Err is a *domain.CallbackError
// unless the outcome is success.
type Delivery struct {
	Outcome    CallbackOutcome
	StatusCode int
	Attempts   int
	Err        error
}

// CallbackDispatcher delivers coordinator notifications at most once by default.
// Delivery failures are logged and counted, never returned to the caller as errors.
type CallbackDispatcher interface {
	Open() CallbackSession
}

// CallbackSession owns the connections used for one job's notifications.
type CallbackSession interface {
	Notify(ctx context.Context, msg domain.CallbackMessage) Delivery
	Close()
}

type CallbackOptions struct {
	Secret        string
	Timeout       time.Duration
	MaxRetries    int
	BackoffPolicy string
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

type callbackDispatcher struct {
	logger *slog.Logger
	opts   CallbackOptions
}

func NewCallbackDispatcher(logger *slog.Logger, opts CallbackOptions) CallbackDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &callbackDispatcher{logger: logger, opts: opts}
}

func (d *callbackDispatcher) Open() CallbackSession {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &callbackSession{
		d:         d,
		transport: transport,
		client:    &http.Client{Transport: transport},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type callbackSession struct {
	d         *callbackDispatcher
	transport *http.Transport
	client    *http.Client
	rng       *rand.Rand
}

func (s *callbackSession) Close() {
	s.transport.CloseIdleConnections()
}

func (s *callbackSession) Notify(ctx context.Context, msg domain.CallbackMessage) Delivery {
	logger := s.d.logger.With("submission_id", msg.SubmissionID, "callback", string(msg.Kind), "url", msg.TargetURL)

	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		cerr := &domain.CallbackError{URL: msg.TargetURL, Err: err}
		logger.Error("callback payload encoding failed", "err", err)
		metrics.CallbackDeliveriesTotal.WithLabelValues(string(msg.Kind), string(CallbackUnreachable)).Inc()
		return Delivery{Outcome: CallbackUnreachable, Err: cerr}
	}

	ctx, span := tracing.Tracer("callback").Start(ctx, "codegrade.callback."+string(msg.Kind),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64("codegrade.submission_id", msg.SubmissionID),
			attribute.String("http.url", msg.TargetURL),
		),
	)
	defer span.End()

	var last Delivery
	maxAttempts := 1 + s.d.opts.MaxRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = s.attempt(ctx, msg.TargetURL, body)
		last.Attempts = attempt
		if last.Outcome == CallbackSuccess || !retryable(last) || attempt == maxAttempts {
			break
		}
		delay := backoff.Delay(s.d.opts.BackoffPolicy, s.d.opts.BackoffBase, s.d.opts.BackoffMax, attempt, s.rng)
		logger.Warn("callback attempt failed; retrying", "attempt", attempt, "delay", delay.String(), "err", last.Err)
		if sleepOrDone(ctx, delay) != nil {
			break
		}
	}

	metrics.CallbackDeliveriesTotal.WithLabelValues(string(msg.Kind), string(last.Outcome)).Inc()
	span.SetAttributes(
		attribute.String("codegrade.callback.outcome", string(last.Outcome)),
		attribute.Int("codegrade.callback.attempts", last.Attempts),
	)
	switch last.Outcome {
	case CallbackSuccess:
		logger.Info("callback delivered", "status", last.StatusCode)
	case CallbackRejected:
		span.SetStatus(codes.Error, "rejected")
		logger.Error("callback rejected by coordinator", "status", last.StatusCode, "attempts", last.Attempts)
	default:
		span.RecordError(last.Err)
		span.SetStatus(codes.Error, "unreachable")
		logger.Error("callback failed: coordinator unreachable", "err", last.Err, "attempts", last.Attempts)
	}
	return last
}

func (s *callbackSession) attempt(ctx context.Context, url string, body []byte) Delivery {
	ctx, cancel := context.WithTimeout(ctx, s.d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Delivery{Outcome: CallbackUnreachable, Err: &domain.CallbackError{URL: url, Err: err}}
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHeaders(ctx, req.Header)
	s.d.addSignature(req, body)

	resp, err := s.client.Do(req)
	if err != nil {
		return Delivery{Outcome: CallbackUnreachable, Err: &domain.CallbackError{URL: url, Err: err}}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Delivery{Outcome: CallbackSuccess, StatusCode: resp.StatusCode}
	}
	return Delivery{
		Outcome:    CallbackRejected,
		StatusCode: resp.StatusCode,
		Err:        &domain.CallbackError{URL: url, StatusCode: resp.StatusCode},
	}
}

// retryable limits retries to failures the coordinator did not decide on.
func retryable(d Delivery) bool {
	if d.Outcome == CallbackUnreachable {
		return true
	}
	return d.StatusCode == http.StatusTooManyRequests || d.StatusCode >= 500
}

func (d *callbackDispatcher) addSignature(req *http.Request, body []byte) {
	if strings.TrimSpace(d.opts.Secret) == "" {
		return
	}
	ts := time.Now().UTC().Unix()
	req.Header.Set("X-Codegrade-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Codegrade-Signature", Sign(d.opts.Secret, ts, body))
}

// Sign computes the hex HMAC-SHA256 of "<ts>.<body>" that coordinators verify.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
