// Package exchangeclient implements the Exchange REST Client and User-Data
// WebSocket (spec §4.7, §4.8): signed Binance USDⓈ-M requests with the
// spec's exact retry/backoff and 429 rules, grounded on
// internal/exchange/binance/binance.go's HMAC signing and error-code
// mapping, layered with failsafe-go per DESIGN.md.
package exchangeclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"market_maker/internal/config"
	"market_maker/internal/core"
	apperrors "market_maker/pkg/errors"
)

// Client is the low-level signed HTTP transport shared by every Binance
// REST call. Retry/backoff composes the spec's exact rule (§4.7b/c):
// base 1s·2^attempt for ordinary transient failures, and a separate
// Retry-After-aware wait for 429s that does not count against the normal
// exception budget.
type Client struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client
	retryTimes int
	pipeline   failsafe.Executor[[]byte]

	logger core.ILogger
}

// NewClient builds a Client from the API config and credentials. Ordinary
// transient failures (network errors, 5xx) are retried and circuit-broken
// via failsafe-go's retry and circuit-breaker policies; the
// 429 Retry-After wait is handled separately in runWithBackoff since it
// needs the response header, not just the error, to compute its delay.
func NewClient(apiCfg config.APIConfig, apiKey, secretKey string, logger core.ILogger) *Client {
	retryTimes := apiCfg.RetryTimes
	if retryTimes < 1 {
		retryTimes = 1
	}

	retryPolicy := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return err != nil && apperrors.IsTransient(err)
		}).
		WithBackoff(time.Second, 30*time.Second).
		WithMaxRetries(retryTimes).
		Build()

	breaker := circuitbreaker.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return err != nil && apperrors.IsTransient(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Client{
		baseURL:   strings.TrimSuffix(apiCfg.BaseURL, "/"),
		apiKey:    apiKey,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: time.Duration(apiCfg.Timeout) * time.Second,
		},
		retryTimes: retryTimes,
		pipeline:   failsafe.With[[]byte](retryPolicy, breaker),
		logger:     logger.WithField("component", "exchange_client"),
	}
}

// sign appends timestamp + HMAC-SHA256 signature over the canonical query
// string (spec §6: "signature=HMAC_SHA256(secret, canonical_query)").
func (c *Client) sign(q url.Values) url.Values {
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return q
}

// rateLimitWait is a sentinel error carrying the 429 wait duration so the
// retry loop can apply it without counting the attempt against the normal
// transient-exception budget (spec §4.7c).
type rateLimitWait struct {
	wait    time.Duration
	attempt int
}

func (e *rateLimitWait) Error() string { return fmt.Sprintf("rate limited, retry after %s", e.wait) }

// doSigned executes a signed request against path with the given method and
// query parameters. Retry/backoff is delegated to runWithBackoff (retry.go),
// which composes the spec's exact base-1s·2^attempt / 429-Retry-After rule
// on top of failsafe-go's retry policy and circuit breaker.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params = c.sign(params)
	}
	return c.runWithBackoff(ctx, func(attempt int) ([]byte, error) {
		return c.doOnce(ctx, method, path, params, attempt)
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, attempt int) ([]byte, error) {
	full := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if len(params) > 0 {
			full += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return nil, fmt.Errorf("exchangeclient: build request: %w", err)
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, err, "path", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, err, "path", path)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitWait{wait: retryAfterWait(resp, attempt), attempt: attempt}
	}

	if resp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody), "path", path)
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(respBody)
	}

	return respBody, nil
}

// retryAfterWait implements §4.7c: if the response carries Retry-After,
// wait that plus attempt*5s; otherwise wait 30+attempt*15s.
func retryAfterWait(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return time.Duration(secs)*time.Second + time.Duration(attempt*5)*time.Second
		}
	}
	return time.Duration(30+attempt*15) * time.Second
}

type binanceErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseError maps Binance error codes onto pkg/errors kinds, grounded on
// binance.go's parseError switch.
func parseError(body []byte) error {
	var e binanceErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("unparseable error body: %s", body))
	}

	switch e.Code {
	case -2015:
		return apperrors.New(apperrors.KindConfig, apperrors.ErrAuthenticationFailed)
	case -2010, -4164: // insufficient funds / notional too small
		return apperrors.New(apperrors.KindInvalidOrderInput, apperrors.ErrInsufficientFunds, "msg", e.Msg)
	case -1003:
		return apperrors.New(apperrors.KindTransientExchange, apperrors.ErrRateLimitExceeded)
	case -1121:
		return apperrors.New(apperrors.KindInvalidOrderInput, apperrors.ErrInvalidSymbol)
	case -2012, -2011: // duplicate / unknown order (already gone)
		return apperrors.New(apperrors.KindInvalidOrderInput, apperrors.ErrOrderNotFound, "msg", e.Msg)
	case -1106, -4003, -4014, -4015: // bad parameter, precision, TP/SL relation
		return apperrors.New(apperrors.KindInvalidOrderInput, apperrors.ErrInvalidOrderParameter, "msg", e.Msg)
	case -1021:
		return apperrors.New(apperrors.KindTransientExchange, apperrors.ErrTimestampOutOfBounds)
	case -1001, -1000:
		return apperrors.New(apperrors.KindTransientExchange, apperrors.ErrSystemOverload, "msg", e.Msg)
	default:
		return apperrors.New(apperrors.KindInvalidOrderInput, fmt.Errorf("binance error %d: %s", e.Code, e.Msg))
	}
}
