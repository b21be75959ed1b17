// Package apbdessdk is a minimal HTTP client for the APBDes budget API.
package apbdessdk

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

// Client talks to one APBDes server.
type Client struct {
	BaseURL     string
	BearerToken string

	// Identity headers used when the server runs with insecure
	// identity enabled (development only). Ignored when a bearer
	// token is set.
	ActorID string
	Role    string
	Village string

	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// BudgetLine is the API budget line model.
type BudgetLine struct {
	ID              string `json:"id"`
	Village         string `json:"village"`
	FiscalYear      int    `json:"fiscal_year"`
	Kind            string `json:"kind"`
	Category        string `json:"category"`
	AccountCode     string `json:"account_code"`
	Description     string `json:"description"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// Totals holds the income/expense aggregate for one village year.
type Totals struct {
	TotalIncome  int64 `json:"total_income"`
	TotalExpense int64 `json:"total_expense"`
	Surplus      int64 `json:"surplus"`
}

// LineList wraps a budget listing with its summary.
type LineList struct {
	Items   []BudgetLine `json:"items"`
	Summary Totals       `json:"summary"`
}

// Realization is a spending record under an approved line.
type Realization struct {
	ID        string `json:"id"`
	LineID    string `json:"line_id"`
	Amount    int64  `json:"amount"`
	Date      string `json:"date"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Notification is an inbox entry.
type Notification struct {
	ID        string `json:"id"`
	Role      string `json:"role,omitempty"`
	Village   string `json:"village,omitempty"`
	Message   string `json:"message"`
	Link      string `json:"link,omitempty"`
	DataJSON  string `json:"data_json,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Event is a workflow log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Village    string `json:"village,omitempty"`
	FiscalYear int    `json:"fiscal_year,omitempty"`
	LineID     string `json:"line_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateLine creates a draft budget line in a village.
func (c *Client) CreateLine(ctx context.Context, village string, fiscalYear int, kind, category string, amount int64) (BudgetLine, error) {
	body := map[string]any{
		"fiscal_year": fiscalYear,
		"kind":        kind,
		"category":    category,
		"amount":      amount,
	}
	var resp BudgetLine
	endpoint := fmt.Sprintf("v0/villages/%s/budget", url.PathEscape(village))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetLine fetches one budget line.
func (c *Client) GetLine(ctx context.Context, lineID string) (BudgetLine, error) {
	var resp BudgetLine
	err := c.do(ctx, http.MethodGet, c.linePath(lineID, ""), nil, &resp)
	return resp, err
}

// EditOptions carries partial line updates. Nil fields are left unchanged.
type EditOptions struct {
	Kind     *string `json:"kind,omitempty"`
	Category *string `json:"category,omitempty"`
	Amount   *int64  `json:"amount,omitempty"`
}

// EditLine updates a draft or rejected line. A rejected line goes
// back to draft.
func (c *Client) EditLine(ctx context.Context, lineID string, opts EditOptions) (BudgetLine, error) {
	var resp BudgetLine
	err := c.do(ctx, http.MethodPatch, c.linePath(lineID, ""), opts, &resp)
	return resp, err
}

// SubmitLine sends a draft or rejected line to the district for review.
func (c *Client) SubmitLine(ctx context.Context, lineID string) (BudgetLine, error) {
	var resp BudgetLine
	err := c.do(ctx, http.MethodPost, c.linePath(lineID, "submit"), nil, &resp)
	return resp, err
}

// ApproveLine approves a submitted line.
func (c *Client) ApproveLine(ctx context.Context, lineID string) (BudgetLine, error) {
	var resp BudgetLine
	err := c.do(ctx, http.MethodPost, c.linePath(lineID, "approve"), nil, &resp)
	return resp, err
}

// RejectLine rejects a submitted line with a reason.
func (c *Client) RejectLine(ctx context.Context, lineID, reason string) (BudgetLine, error) {
	body := map[string]any{"reason": reason}
	var resp BudgetLine
	err := c.do(ctx, http.MethodPost, c.linePath(lineID, "reject"), body, &resp)
	return resp, err
}

// DeleteLine removes a line together with all its realizations.
func (c *Client) DeleteLine(ctx context.Context, lineID string) error {
	return c.do(ctx, http.MethodDelete, c.linePath(lineID, ""), nil, nil)
}

// ListLines returns the budget for one village and fiscal year,
// together with its totals.
func (c *Client) ListLines(ctx context.Context, village string, fiscalYear int) (LineList, error) {
	var resp LineList
	endpoint := fmt.Sprintf("v0/villages/%s/budget?year=%d", url.PathEscape(village), fiscalYear)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Summary returns the income/expense totals for one village year.
func (c *Client) Summary(ctx context.Context, village string, fiscalYear int) (Totals, error) {
	var resp struct {
		Totals Totals `json:"totals"`
	}
	endpoint := fmt.Sprintf("v0/villages/%s/budget/summary?year=%d", url.PathEscape(village), fiscalYear)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Totals, err
}

// AddRealization records spending under an approved line.
func (c *Client) AddRealization(ctx context.Context, lineID string, amount int64, date, note string) (Realization, error) {
	body := map[string]any{
		"amount": amount,
		"date":   date,
		"note":   note,
	}
	var resp Realization
	err := c.do(ctx, http.MethodPost, c.linePath(lineID, "realizations"), body, &resp)
	return resp, err
}

// ListRealizations returns the realizations under a line.
func (c *Client) ListRealizations(ctx context.Context, lineID string) ([]Realization, error) {
	var resp []Realization
	err := c.do(ctx, http.MethodGet, c.linePath(lineID, "realizations"), nil, &resp)
	return resp, err
}

// Notifications returns the caller's inbox, newest first.
func (c *Client) Notifications(ctx context.Context, limit int) ([]Notification, error) {
	var resp []Notification
	endpoint := "v0/notifications"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent workflow events for a village.
func (c *Client) Events(ctx context.Context, village string, limit int) ([]Event, error) {
	var resp []Event
	endpoint := fmt.Sprintf("v0/villages/%s/events", url.PathEscape(village))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) linePath(lineID, action string) string {
	p := fmt.Sprintf("v0/budget/%s", url.PathEscape(lineID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		req.Header.Set("X-Role", c.Role)
		if c.Village != "" {
			req.Header.Set("X-Village", c.Village)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
