package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the directory service over its HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a directory API client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type directoryErrorResponse struct {
	Error string `json:"error"`
}

// GetOrganization implements Directory.
func (c *Client) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	endpoint := fmt.Sprintf("%s/api/orgs/%s", c.baseURL, url.PathEscape(orgID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch resp.StatusCode {
	case http.StatusOK:
		var org Organization
		if err := json.Unmarshal(body, &org); err != nil {
			return nil, fmt.Errorf("decode organization: %w", err)
		}
		return &org, nil
	case http.StatusNotFound:
		return nil, ErrOrganizationNotFound
	default:
		var dirErr directoryErrorResponse
		_ = json.Unmarshal(body, &dirErr)
		return nil, fmt.Errorf("directory error (HTTP %d): %s", resp.StatusCode, dirErr.Error)
	}
}

// SetBillingCustomerID implements Directory.
func (c *Client) SetBillingCustomerID(ctx context.Context, orgID, customerID string) error {
	payload, err := json.Marshal(map[string]string{
		"billing_customer_id": customerID,
	})
	if err != nil {
		return fmt.Errorf("marshal billing customer update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/orgs/%s/billing-customer", c.baseURL, url.PathEscape(orgID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create directory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrOrganizationNotFound
	default:
		var dirErr directoryErrorResponse
		_ = json.Unmarshal(body, &dirErr)
		return fmt.Errorf("directory error (HTTP %d): %s", resp.StatusCode, dirErr.Error)
	}
}
