package mollie

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/lynqit/reconciler/pkg/billing"
)

const defaultBaseURL = "https://api.mollie.com/v2"

// client is a thin Mollie v2 REST client.
type client struct {
	http    *resty.Client
	metrics billing.Metrics
}

func newClient(apiKey, baseURL string, httpClient *http.Client, metrics billing.Metrics) *client {
	rc := resty.New()
	if httpClient != nil {
		rc = resty.NewWithClient(httpClient)
	} else {
		rc.SetTimeout(defaultHTTPTimeout)
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rc.SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader("Accept", "application/json")
	return &client{http: rc, metrics: metrics}
}

// do executes a request and translates failures. endpoint is the templated
// path used as the metrics label; notFound is returned for 404/410 answers.
func (c *client) do(ctx context.Context, method, endpoint, path string, body, result any, notFound error) error {
	var apiErr apiError
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		c.metrics.RecordAPICall(providerName, endpoint, "error")
		return billing.E(billing.KindProvider, "mollie "+endpoint, err)
	}
	c.metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(resp.StatusCode()))

	switch code := resp.StatusCode(); {
	case (code == http.StatusNotFound || code == http.StatusGone) && notFound != nil:
		return notFound
	case resp.IsError():
		return billing.E(billing.KindProvider, "mollie "+endpoint,
			fmt.Errorf("%w: status %d: %s", billing.ErrProviderAPIError, code, apiErr.message()))
	}
	return nil
}

func (c *client) createCustomer(ctx context.Context, req customerRequest) (*customer, error) {
	var out customer
	if err := c.do(ctx, http.MethodPost, "/customers", "/customers", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) createPayment(ctx context.Context, req paymentRequest) (*payment, error) {
	var out payment
	if err := c.do(ctx, http.MethodPost, "/payments", "/payments", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) getPayment(ctx context.Context, id string) (*payment, error) {
	var out payment
	if err := c.do(ctx, http.MethodGet, "/payments/{id}", "/payments/"+id, nil, &out, billing.ErrPaymentNotFound); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) createSubscription(ctx context.Context, customerID string, req subscriptionRequest) (*subscription, error) {
	var out subscription
	path := "/customers/" + customerID + "/subscriptions"
	if err := c.do(ctx, http.MethodPost, "/customers/{id}/subscriptions", path, req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) getSubscription(ctx context.Context, customerID, id string) (*subscription, error) {
	var out subscription
	path := "/customers/" + customerID + "/subscriptions/" + id
	err := c.do(ctx, http.MethodGet, "/customers/{id}/subscriptions/{id}", path, nil, &out, billing.ErrSubscriptionNotFound)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) cancelSubscription(ctx context.Context, customerID, id string) error {
	path := "/customers/" + customerID + "/subscriptions/" + id
	return c.do(ctx, http.MethodDelete, "/customers/{id}/subscriptions/{id}", path, nil, nil, billing.ErrSubscriptionNotFound)
}
