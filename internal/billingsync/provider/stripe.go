// Package provider delivers metered usage to the external billing provider.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/agentmeter/internal/billingsync/domain"
	"golang.org/x/time/rate"
)

const (
	NameStripe     = "stripe"
	defaultBaseURL = "https://api.stripe.com"
	defaultTimeout = 10 * time.Second
)

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

type stripeUsageRecord struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
}

type StripeConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Rate caps requests per second; zero disables pacing.
	Rate  float64
	Burst int
}

// Stripe posts usage records against subscription items.
type Stripe struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewStripe(cfg StripeConfig) (*Stripe, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, domain.ErrInvalidConfig
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return &Stripe{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}, nil
}

func (s *Stripe) Name() string { return NameStripe }

func (s *Stripe) ReportUsage(ctx context.Context, report domain.UsageReport) error {
	target := strings.TrimSpace(report.TargetRef)
	if target == "" {
		return domain.ErrInvalidTarget
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	action := report.Action
	if action == "" {
		action = domain.ActionSet
	}
	values := url.Values{}
	values.Set("quantity", strconv.FormatInt(report.Quantity, 10))
	values.Set("timestamp", strconv.FormatInt(report.Timestamp.Unix(), 10))
	values.Set("action", action)

	path := "/v1/subscription_items/" + url.PathEscape(target) + "/usage_records"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if report.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", report.IdempotencyKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeStripeError(resp)
	}

	var record stripeUsageRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return fmt.Errorf("decode usage record: %w", err)
	}
	if record.ID == "" {
		return &domain.ProviderError{Provider: NameStripe, StatusCode: resp.StatusCode, Message: "stripe_response_invalid"}
	}
	return nil
}

func decodeStripeError(resp *http.Response) error {
	perr := &domain.ProviderError{Provider: NameStripe, StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var stripeErr stripeErrorResponse
	if err := json.Unmarshal(body, &stripeErr); err != nil {
		perr.Message = "stripe_request_failed"
		return perr
	}
	perr.Code = strings.TrimSpace(stripeErr.Error.Code)
	if perr.Code == "" {
		perr.Code = strings.TrimSpace(stripeErr.Error.Type)
	}
	perr.Message = strings.TrimSpace(stripeErr.Error.Message)
	if perr.Message == "" {
		perr.Message = "stripe_request_failed"
	}
	return perr
}
