// Package apiclient speaks the validation backend's HTTP protocol.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang/glog"

	"purchasekit/internal/config"
	"purchasekit/internal/types"
)

const (
	retryCount    = 2
	retryWaitTime = 1 * time.Second
)

// Client is the HTTP client for the validation backend. All requests carry
// the API key as a bearer header and the global device/session params.
type Client struct {
	http  *resty.Client
	appID string

	globalParams map[string]string

	mu           sync.Mutex
	deviceParams map[string]string
}

// New creates a backend client from the SDK config. Network failures and 5xx
// responses are retried transparently before surfacing to callers.
func New(cfg *config.Config) *Client {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout.Std()).
		SetAuthToken(cfg.APIKey).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWaitTime).
		SetRetryMaxWaitTime(retryWaitTime).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		http:  c,
		appID: cfg.AppID,
		globalParams: map[string]string{
			"environment": string(cfg.Environment),
			"platform":    cfg.Platform,
			"sdkName":     config.SDKName,
			"sdkVersion":  config.SDKVersion,
			"osVersion":   cfg.OSVersion,
		},
		deviceParams: map[string]string{},
	}
}

// SetDeviceParams merges app-provided device params into every request. The
// host app may call this at any time, so the map is replaced wholesale under
// the lock and request paths read an immutable snapshot.
func (c *Client) SetDeviceParams(params map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make(map[string]string, len(c.deviceParams)+len(params))
	for k, v := range c.deviceParams {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	c.deviceParams = merged
}

// snapshotDeviceParams returns the current device params map. The returned
// map is never mutated after publication and is safe to read without the
// lock.
func (c *Client) snapshotDeviceParams() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceParams
}

// UserPayload is the response of the user GET endpoint
type UserPayload struct {
	ProductsForSale []*types.Product       `json:"-"`
	ActiveProducts  []*types.ActiveProduct `json:"-"`
	Events          []json.RawMessage      `json:"events"`
}

// userPayloadRaw defers list element decoding so malformed entries can be
// dropped individually.
type userPayloadRaw struct {
	ProductsForSale []json.RawMessage `json:"productsForSale"`
	ActiveProducts  []json.RawMessage `json:"activeProducts"`
	Events          []json.RawMessage `json:"events"`
}

// ReceiptResponse is the response of the receipt POST endpoint
type ReceiptResponse struct {
	Status          string               `json:"status"`
	NewTransactions []*types.Transaction `json:"-"`
	OldTransactions []*types.Transaction `json:"-"`
}

type receiptResponseRaw struct {
	Status          string            `json:"status"`
	NewTransactions []json.RawMessage `json:"newTransactions"`
	OldTransactions []json.RawMessage `json:"oldTransactions"`
}

// errorEnvelope matches the backend's error reporting convention: any body
// carrying a non-empty "error" is a server-side error regardless of HTTP
// status.
type errorEnvelope struct {
	Error string `json:"error"`
}

// GetUser fetches the user's products for sale, entitlements and events.
func (c *Client) GetUser(ctx context.Context, userID string) (*UserPayload, *types.Error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(c.globalParams).
		SetQueryParams(c.snapshotDeviceParams()).
		Get(c.userPath(userID))
	if cerr := c.checkResponse(resp, err); cerr != nil {
		return nil, cerr
	}

	var raw userPayloadRaw
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, types.WrapError(types.ErrMalformedResponse, err, "failed to parse user payload")
	}
	return &UserPayload{
		ProductsForSale: types.ParseProducts(raw.ProductsForSale),
		ActiveProducts:  types.ParseActiveProducts(raw.ActiveProducts),
		Events:          raw.Events,
	}, nil
}

// PostTags upserts user tags; an empty string value deletes the tag.
func (c *Client) PostTags(ctx context.Context, userID string, tags map[string]string) *types.Error {
	body := c.requestBody(map[string]interface{}{"tags": tags})
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(c.userPath(userID))
	return c.checkResponse(resp, err)
}

// PostReceipt submits a receipt for validation and returns the backend's
// structured verdict.
func (c *Client) PostReceipt(ctx context.Context, userID string, receipt *types.Receipt) (*ReceiptResponse, *types.Error) {
	body := c.requestBody(map[string]interface{}{
		"token":   receipt.Token,
		"sku":     receipt.SKU,
		"context": string(receipt.Context),
	})
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(c.userPath(userID) + "/receipt")
	if cerr := c.checkResponse(resp, err); cerr != nil {
		return nil, cerr
	}

	var raw receiptResponseRaw
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, types.WrapError(types.ErrMalformedResponse, err, "failed to parse receipt response")
	}
	return &ReceiptResponse{
		Status:          raw.Status,
		NewTransactions: types.ParseTransactions(raw.NewTransactions),
		OldTransactions: types.ParseTransactions(raw.OldTransactions),
	}, nil
}

// PostPricing uploads the platform pricing snapshot.
func (c *Client) PostPricing(ctx context.Context, userID string, entries []types.PricingEntry) *types.Error {
	body := c.requestBody(map[string]interface{}{"products": entries})
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(c.userPath(userID) + "/pricing")
	return c.checkResponse(resp, err)
}

func (c *Client) userPath(userID string) string {
	return fmt.Sprintf("/app/%s/user/%s", c.appID, userID)
}

// requestBody merges the global and device params into a POST body.
func (c *Client) requestBody(fields map[string]interface{}) map[string]interface{} {
	device := c.snapshotDeviceParams()
	body := make(map[string]interface{}, len(fields)+len(c.globalParams)+len(device))
	for k, v := range c.globalParams {
		body[k] = v
	}
	for k, v := range device {
		body[k] = v
	}
	for k, v := range fields {
		body[k] = v
	}
	return body
}

// checkResponse classifies transport errors, non-2xx statuses and the
// backend's error envelope into SDK error kinds.
func (c *Client) checkResponse(resp *resty.Response, err error) *types.Error {
	if err != nil {
		if uerr, ok := err.(interface{ Timeout() bool }); ok && uerr.Timeout() {
			return types.WrapError(types.ErrNetworkTimeout, err, "request timed out")
		}
		return types.WrapError(types.ErrNetworkFailed, err, "request failed")
	}

	// The backend reports errors in the body regardless of HTTP status.
	var envelope errorEnvelope
	if jerr := json.Unmarshal(resp.Body(), &envelope); jerr == nil && envelope.Error != "" {
		glog.Warningf("backend declared error for %s: %s", resp.Request.URL, envelope.Error)
		return types.NewError(types.ErrServer, "%s", envelope.Error)
	}

	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		if resp.StatusCode() >= http.StatusInternalServerError {
			return types.NewError(types.ErrNetworkFailed, "backend returned %d", resp.StatusCode())
		}
		return types.NewError(types.ErrServer, "backend returned %d", resp.StatusCode())
	}
	return nil
}
