package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/eliteacai/cashback-engine/ledger"
)

// PhoneDirectory resolves a customer's phone number (digits, with country code).
type PhoneDirectory interface {
	PhoneOf(ctx context.Context, id ledger.CustomerID) (string, error)
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string // digits with country code
	Channel    string // "whatsapp" or "sms"
	// BaseURL replaces the scheme and host of every API call. Empty keeps
	// the SDK's api.twilio.com.
	BaseURL string
	Timeout time.Duration
}

// Twilio sends messages through the Twilio Messages API.
type Twilio struct {
	cfg    TwilioConfig
	phones PhoneDirectory
	api    *openapi.ApiService
}

func NewTwilio(cfg TwilioConfig, phones PhoneDirectory) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, errors.New("twilio account sid, auth token and from number are required")
	}
	if phones == nil {
		return nil, errors.New("twilio requires a phone directory")
	}
	if cfg.Channel == "" {
		cfg.Channel = "whatsapp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil || base.Host == "" {
			return nil, fmt.Errorf("invalid twilio base url %q", cfg.BaseURL)
		}
		httpClient.Transport = rebase{target: base, next: http.DefaultTransport}
	}

	sdk := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	sdk.SetAccountSid(cfg.AccountSID)

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username:   cfg.AccountSID,
		Password:   cfg.AuthToken,
		AccountSid: cfg.AccountSID,
		Client:     sdk,
	})
	return &Twilio{cfg: cfg, phones: phones, api: rest.Api}, nil
}

func (t *Twilio) Notify(ctx context.Context, m Message) error {
	body, err := Render(m)
	if err != nil {
		return err
	}
	phone, err := t.phones.PhoneOf(ctx, m.CustomerID)
	if err != nil {
		return fmt.Errorf("resolve phone for %s: %w", m.CustomerID, err)
	}

	params := &openapi.CreateMessageParams{}
	params.SetPathAccountSid(t.cfg.AccountSID)
	params.SetTo(t.address(phone))
	params.SetFrom(t.address(t.cfg.From))
	params.SetBody(body)

	// The SDK call takes no context; the HTTP client timeout bounds it and
	// ctx releases the caller early.
	done := make(chan error, 1)
	go func() {
		_, err := t.api.CreateMessage(params)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var apiErr *twilioclient.TwilioRestError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("twilio %d (code %d): %s", apiErr.Status, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("twilio request: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("twilio request: %w", ctx.Err())
	}
}

func (t *Twilio) address(phone string) string {
	e164 := "+" + strings.TrimPrefix(phone, "+")
	if t.cfg.Channel == "whatsapp" {
		return "whatsapp:" + e164
	}
	return e164
}

// rebase points SDK requests at another host, keeping path and query.
type rebase struct {
	target *url.URL
	next   http.RoundTripper
}

func (r rebase) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = r.target.Scheme
	out.URL.Host = r.target.Host
	out.Host = r.target.Host
	return r.next.RoundTrip(out)
}
