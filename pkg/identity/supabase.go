package identity

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/lynqit/reconciler/pkg/billing"
)

const (
	providerName   = "supabase"
	defaultTimeout = 10 * time.Second
	invitePath     = "/auth/v1/invite"
)

// SupabaseConfig configures the GoTrue admin client.
type SupabaseConfig struct {
	// URL is the project URL, e.g. https://xyz.supabase.co
	URL string
	// ServiceRoleKey authorizes admin calls. It must never reach a browser.
	ServiceRoleKey string
	// RedirectURL is where the invitation link lands after confirmation.
	RedirectURL string
	HTTPClient  *http.Client
	Metrics     billing.Metrics
}

// Supabase implements Provider with the GoTrue admin API.
type Supabase struct {
	client      *resty.Client
	redirectURL string
	metrics     billing.Metrics
}

type gotrueError struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code"`
	Msg       string `json:"msg"`
	Message   string `json:"message"`
}

func (e *gotrueError) text() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Message
}

// NewSupabase creates a GoTrue admin client.
func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	key := strings.TrimSpace(cfg.ServiceRoleKey)
	if base == "" || key == "" {
		return nil, fmt.Errorf("supabase: url and service role key are required")
	}

	client := resty.New()
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client.SetTimeout(defaultTimeout)
	}
	client.SetBaseURL(base).
		SetHeader("apikey", key).
		SetAuthToken(key).
		SetHeader("Content-Type", "application/json")

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Supabase{client: client, redirectURL: cfg.RedirectURL, metrics: metrics}, nil
}

// InviteUser implements Provider.
func (s *Supabase) InviteUser(ctx context.Context, email string, data map[string]string) (*User, error) {
	var user User
	var apiErr gotrueError

	req := s.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"email": email, "data": data}).
		SetResult(&user).
		SetError(&apiErr)
	if s.redirectURL != "" {
		req.SetQueryParam("redirect_to", s.redirectURL)
	}

	start := time.Now()
	resp, err := req.Post(invitePath)
	s.metrics.RecordAPICallDuration(providerName, invitePath, time.Since(start))
	if err != nil {
		s.metrics.RecordAPICall(providerName, invitePath, "error")
		return nil, fmt.Errorf("supabase invite: %w", err)
	}
	s.metrics.RecordAPICall(providerName, invitePath, strconv.Itoa(resp.StatusCode()))

	if resp.IsError() {
		msg := apiErr.text()
		if apiErr.ErrorCode == "email_exists" || strings.Contains(strings.ToLower(msg), "already been registered") {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("supabase invite: status %d: %s", resp.StatusCode(), msg)
	}
	if user.Email == "" {
		user.Email = email
	}
	return &user, nil
}
