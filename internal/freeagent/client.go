package freeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
)

const (
	defaultBaseURL = "https://api.freeagent.com/v2"

	// Resource URLs are primary keys in the ledger API; list endpoints page
	// with page/per_page and signal the end with a short page.
	pageSize = 100

	// 429 handling: bounded retries with the server's Retry-After hint.
	rateLimitMaxAttempts  = 3
	rateLimitDefaultDelay = 2 * time.Second
)

// TokenSource supplies a valid bearer token for each request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client is the authenticated HTTP client for the ledger service.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a ledger client. An empty baseURL selects production.
func NewClient(baseURL string, tokens TokenSource, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// ── Wire types ───────────────────────────────────────────────────────────────

// Contact is a supplier/customer entity in the ledger.
type Contact struct {
	URL              string `json:"url,omitempty"`
	OrganisationName string `json:"organisation_name,omitempty"`
	FirstName        string `json:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty"`
	Email            string `json:"email,omitempty"`
}

// DisplayName is the organisation name, falling back to the personal name.
func (c Contact) DisplayName() string {
	if c.OrganisationName != "" {
		return c.OrganisationName
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Category is one expense/income category.
type Category struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	NominalCode string `json:"nominal_code,omitempty"`
	GroupName   string `json:"group_description,omitempty"`
}

// BillItem is one line of a bill.
type BillItem struct {
	Category     string `json:"category"`
	Description  string `json:"description"`
	TotalValue   string `json:"total_value"`
	SalesTaxRate string `json:"sales_tax_rate,omitempty"`
}

// Bill is the ledger's representation of a payable.
type Bill struct {
	URL          string     `json:"url,omitempty"`
	Contact      string     `json:"contact"`
	Reference    string     `json:"reference"`
	DatedOn      string     `json:"dated_on"`
	DueOn        string     `json:"due_on"`
	TotalValue   string     `json:"total_value,omitempty"`
	SalesTaxRate string     `json:"sales_tax_rate,omitempty"`
	Comments     string     `json:"comments,omitempty"`
	BillItems    []BillItem `json:"bill_items,omitempty"`
}

// ID returns the trailing URL segment, the ledger's stable identifier.
func (b Bill) ID() string { return trailingSegment(b.URL) }

// Project is a remote project.
type Project struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Contact  string `json:"contact,omitempty"`
	Currency string `json:"currency,omitempty"`
	Budget   string `json:"budget,omitempty"`
}

// Company is the ledger account's own company record.
type Company struct {
	URL              string `json:"url"`
	Name             string `json:"name"`
	Subdomain        string `json:"subdomain,omitempty"`
	Currency         string `json:"currency,omitempty"`
	CompanyStartDate string `json:"company_start_date,omitempty"`
}

// ── Contacts ─────────────────────────────────────────────────────────────────

// ListContacts pages through every contact.
func (c *Client) ListContacts(ctx context.Context) ([]Contact, error) {
	var all []Contact
	for page := 1; ; page++ {
		var envelope struct {
			Contacts []Contact `json:"contacts"`
		}
		path := fmt.Sprintf("/contacts?page=%d&per_page=%d", page, pageSize)
		if err := c.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
			return nil, err
		}
		all = append(all, envelope.Contacts...)
		if len(envelope.Contacts) < pageSize {
			return all, nil
		}
	}
}

// GetContact fetches one contact by its resource URL.
func (c *Client) GetContact(ctx context.Context, contactURL string) (*Contact, error) {
	var envelope struct {
		Contact Contact `json:"contact"`
	}
	path := "/contacts/" + trailingSegment(contactURL)
	if err := c.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Contact, nil
}

// CreateContact creates a contact and returns it with its assigned URL.
func (c *Client) CreateContact(ctx context.Context, contact Contact) (*Contact, error) {
	body := map[string]Contact{"contact": contact}
	var envelope struct {
		Contact Contact `json:"contact"`
	}
	if err := c.do(ctx, http.MethodPost, "/contacts", body, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Contact, nil
}

// UpdateContact updates an existing contact in place.
func (c *Client) UpdateContact(ctx context.Context, contact Contact) error {
	body := map[string]Contact{"contact": contact}
	path := "/contacts/" + trailingSegment(contact.URL)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// FindContactByEmail returns the first contact with a matching email
// (case-insensitive), or nil when none matches.
func (c *Client) FindContactByEmail(ctx context.Context, email string) (*Contact, error) {
	if email == "" {
		return nil, nil
	}
	contacts, err := c.ListContacts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range contacts {
		if strings.EqualFold(contacts[i].Email, email) {
			return &contacts[i], nil
		}
	}
	return nil, nil
}

// FindContactByName returns the first contact whose organisation or personal
// name matches exactly, case-insensitive. Multiple equally-plausible matches
// are not disambiguated; first match wins.
func (c *Client) FindContactByName(ctx context.Context, name string) (*Contact, error) {
	if name == "" {
		return nil, nil
	}
	contacts, err := c.ListContacts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range contacts {
		if strings.EqualFold(contacts[i].DisplayName(), name) {
			return &contacts[i], nil
		}
	}
	return nil, nil
}

// ── Categories ───────────────────────────────────────────────────────────────

// ListCategories returns every category, flattened across the ledger's
// admin-expense, cost-of-sales, income and general groupings.
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var envelope struct {
		AdminExpenses []Category `json:"admin_expenses_categories"`
		CostOfSales   []Category `json:"cost_of_sales_categories"`
		Income        []Category `json:"income_categories"`
		General       []Category `json:"general_categories"`
	}
	if err := c.do(ctx, http.MethodGet, "/categories", nil, &envelope); err != nil {
		return nil, err
	}

	all := make([]Category, 0,
		len(envelope.AdminExpenses)+len(envelope.CostOfSales)+len(envelope.Income)+len(envelope.General))
	all = append(all, envelope.AdminExpenses...)
	all = append(all, envelope.CostOfSales...)
	all = append(all, envelope.Income...)
	all = append(all, envelope.General...)
	return all, nil
}

// ── Bills ────────────────────────────────────────────────────────────────────

// CreateBill submits a new bill.
func (c *Client) CreateBill(ctx context.Context, bill Bill) (*Bill, error) {
	body := map[string]Bill{"bill": bill}
	var envelope struct {
		Bill Bill `json:"bill"`
	}
	if err := c.do(ctx, http.MethodPost, "/bills", body, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Bill, nil
}

// GetBill fetches one bill by resource URL.
func (c *Client) GetBill(ctx context.Context, billURL string) (*Bill, error) {
	var envelope struct {
		Bill Bill `json:"bill"`
	}
	path := "/bills/" + trailingSegment(billURL)
	if err := c.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Bill, nil
}

// ── Projects ─────────────────────────────────────────────────────────────────

// ListProjects pages through every project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var all []Project
	for page := 1; ; page++ {
		var envelope struct {
			Projects []Project `json:"projects"`
		}
		path := fmt.Sprintf("/projects?page=%d&per_page=%d", page, pageSize)
		if err := c.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
			return nil, err
		}
		all = append(all, envelope.Projects...)
		if len(envelope.Projects) < pageSize {
			return all, nil
		}
	}
}

// ── Company ──────────────────────────────────────────────────────────────────

// GetCompany fetches the connected account's company record.
func (c *Client) GetCompany(ctx context.Context) (*Company, error) {
	var envelope struct {
		Company Company `json:"company"`
	}
	if err := c.do(ctx, http.MethodGet, "/company", nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Company, nil
}

// ── Transport ────────────────────────────────────────────────────────────────

// do performs one authenticated request, retrying 429s with the server's
// Retry-After hint. Retries are transparent to callers.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request body")
		}
	}

	for attempt := 1; ; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to build ledger request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeExternal, "ledger request failed")
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			delay := retryAfter(resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if attempt >= rateLimitMaxAttempts {
				return errors.Newf(errors.ErrCodeExternal,
					"ledger rate limit persisted after %d attempts on %s %s", attempt, method, path)
			}
			c.log.Warn().
				Str("path", path).
				Int("attempt", attempt).
				Dur("retry_after", delay).
				Msg("Ledger rate limited; backing off")

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrCodeExternal, "ledger request cancelled during rate-limit backoff")
			}
		}

		return c.decode(resp, method, path, out)
	}
}

// decode consumes the response, mapping non-2xx statuses onto the error
// taxonomy: 4xx is a client-side rejection (never retried upstream), 5xx is
// an external service failure.
func (c *Client) decode(resp *http.Response, method, path string, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, errors.ErrCodeExternal, "failed to decode ledger response")
		}
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(detail))
	if msg == "" {
		msg = resp.Status
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return errors.Newf(errors.ErrCodeInvalidInput,
			"ledger rejected %s %s (%d): %s", method, path, resp.StatusCode, msg)
	}
	return errors.Newf(errors.ErrCodeExternal,
		"ledger error on %s %s (%d): %s", method, path, resp.StatusCode, msg)
}

// retryAfter reads the Retry-After hint in seconds, falling back to the
// default delay.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return rateLimitDefaultDelay
}

// trailingSegment returns the last path segment of a resource URL.
func trailingSegment(resourceURL string) string {
	trimmed := strings.TrimSuffix(resourceURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
