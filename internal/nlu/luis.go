package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"intent-bot-backend/internal/metrics"
)

// LUISOptions tunes the LUIS client. Zero values pick the defaults.
type LUISOptions struct {
	HTTPClient     *http.Client
	MaxRetries     uint64
	InitialBackoff time.Duration
}

// LUISRecognizer queries a LUIS v2 application endpoint.
type LUISRecognizer struct {
	modelURL   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
	initial    time.Duration
	log        *zap.Logger
}

func NewLUISRecognizer(modelURL string, opts LUISOptions, log *zap.Logger) *LUISRecognizer {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "luis",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		IsSuccessful: func(err error) bool {
			var ce *callerError
			return err == nil || errors.As(err, &ce)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("recognizer circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &LUISRecognizer{
		modelURL:   modelURL,
		httpClient: opts.HTTPClient,
		breaker:    cb,
		maxRetries: opts.MaxRetries,
		initial:    opts.InitialBackoff,
		log:        log,
	}
}

type luisResponse struct {
	Query            string   `json:"query"`
	TopScoringIntent *Intent  `json:"topScoringIntent"`
	Intents          []Intent `json:"intents"`
	Entities         []Entity `json:"entities"`
}

// statusError is returned for non-2xx replies from the endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("luis returned %d: %s", e.code, e.body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (l *LUISRecognizer) Recognize(ctx context.Context, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return &Result{Intent: NoneIntent}, nil
	}
	start := time.Now()
	defer func() {
		metrics.RecognizerLatency.WithLabelValues("luis").Observe(time.Since(start).Seconds())
	}()

	out, err := l.breaker.Execute(func() (interface{}, error) {
		res, err := l.queryWithRetry(ctx, text)
		if err != nil && ctx.Err() != nil {
			return nil, &callerError{err: err}
		}
		return res, err
	})
	if err != nil {
		metrics.RecognizerErrors.WithLabelValues("luis").Inc()
		var ce *callerError
		if errors.As(err, &ce) {
			return nil, ce.err
		}
		return nil, err
	}
	return out.(*Result), nil
}

// callerError marks a failure caused by the caller's context ending. The
// breaker does not count it against the endpoint.
type callerError struct {
	err error
}

func (e *callerError) Error() string { return e.err.Error() }
func (e *callerError) Unwrap() error { return e.err }

func (l *LUISRecognizer) queryWithRetry(ctx context.Context, text string) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, l.maxRetries), ctx)

	var res *Result
	op := func() error {
		r, err := l.query(ctx, text)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && !retryable(se.code) {
				return backoff.Permanent(err)
			}
			l.log.Debug("luis query failed, retrying", zap.Error(err))
			return err
		}
		res = r
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return res, nil
}

func (l *LUISRecognizer) query(ctx context.Context, text string) (*Result, error) {
	sep := "&"
	if !strings.Contains(l.modelURL, "?") {
		sep = "?"
	}
	u := l.modelURL + sep + "verbose=true&q=" + url.QueryEscape(text)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	var lr luisResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode luis response: %w", err))
	}
	return lr.toResult(text), nil
}

func (lr luisResponse) toResult(text string) *Result {
	res := &Result{Query: lr.Query, Intents: lr.Intents, Entities: lr.Entities}
	if res.Query == "" {
		res.Query = text
	}
	switch {
	case lr.TopScoringIntent != nil:
		res.Intent = lr.TopScoringIntent.Name
		res.Score = lr.TopScoringIntent.Score
	case len(lr.Intents) > 0:
		top := lr.Intents[0]
		for _, in := range lr.Intents[1:] {
			if in.Score > top.Score {
				top = in
			}
		}
		res.Intent = top.Name
		res.Score = top.Score
	default:
		res.Intent = NoneIntent
	}
	return res
}
