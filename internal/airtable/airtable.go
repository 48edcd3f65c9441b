// Package airtable appends subscriber rows to the Airtable base that
// serves as the business's subscriber spreadsheet.
package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://api.airtable.com"

type Client struct {
	apiKey     string
	baseID     string
	table      string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithBaseURL(u string) Option {
	return func(cl *Client) {
		cl.baseURL = u
	}
}

func NewClient(apiKey, baseID, table string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseID:     baseID,
		table:      table,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the API key, base, and table are all set.
func (c *Client) Configured() bool {
	return c.apiKey != "" && c.baseID != "" && c.table != ""
}

// Row is one subscriber record. Created is the provider-side
// subscription creation time; it is stored as an ISO-8601 string.
type Row struct {
	SubscriptionID string
	Email          string
	Name           string
	AddressLine1   string
	AddressLine2   string
	City           string
	Postcode       string
	Country        string
	StartsWith     string
	Created        time.Time
}

type record struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

type createRequest struct {
	Records  []record `json:"records"`
	Typecast bool     `json:"typecast"`
}

type createResponse struct {
	Records []record `json:"records"`
}

// AppendRow appends one subscriber row with type coercion enabled and
// returns the created record ID.
func (c *Client) AppendRow(ctx context.Context, row Row) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("airtable client not configured")
	}

	payload := createRequest{
		Records: []record{
			{
				Fields: map[string]any{
					"Subscription":     row.SubscriptionID,
					"Email":            row.Email,
					"Name":             row.Name,
					"Address Line One": row.AddressLine1,
					"Address Line Two": row.AddressLine2,
					"City":             row.City,
					"Postcode":         row.Postcode,
					"Country":          row.Country,
					"Starts With":      row.StartsWith,
					"Created":          row.Created.UTC().Format(time.RFC3339),
				},
			},
		},
		Typecast: true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal row: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v0/%s/%s", c.baseURL, c.baseID, url.PathEscape(c.table))
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("append row: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("airtable API error: status %d", resp.StatusCode)
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(created.Records) == 0 {
		return "", fmt.Errorf("airtable returned no records")
	}
	return created.Records[0].ID, nil
}
