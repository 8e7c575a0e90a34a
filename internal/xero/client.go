package xero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dwenderf/membership-system/internal/config"
	tenantdomain "github.com/dwenderf/membership-system/internal/tenant/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRetryAfter = 60 * time.Second

type Client struct {
	http         *http.Client
	log          *zap.Logger
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
}

func New(cfg config.Config, log *zap.Logger) *Client {
	return &Client{
		http:         &http.Client{Timeout: cfg.Xero.HTTPTimeout},
		log:          log.Named("xero.client"),
		baseURL:      strings.TrimSuffix(cfg.Xero.APIBaseURL, "/"),
		tokenURL:     cfg.Xero.TokenURL,
		clientID:     cfg.Xero.ClientID,
		clientSecret: cfg.Xero.ClientSecret,
	}
}

// RefreshAccessToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (tenantdomain.RefreshedToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tenantdomain.RefreshedToken{}, err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return tenantdomain.RefreshedToken{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tenantdomain.RefreshedToken{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return tenantdomain.RefreshedToken{}, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return tenantdomain.RefreshedToken{}, fmt.Errorf("decode token response: %w", err)
	}
	return tenantdomain.RefreshedToken{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    out.ExpiresIn,
	}, nil
}

// FindContactByName looks a contact up by exact name, archived contacts
// included. Returns nil when nothing matches.
func (c *Client) FindContactByName(ctx context.Context, creds tenantdomain.Credentials, name string) (*Contact, error) {
	q := url.Values{}
	q.Set("where", fmt.Sprintf("Name==%q", name))
	q.Set("includeArchived", "true")

	var out struct {
		Contacts []Contact `json:"Contacts"`
	}
	if _, err := c.call(ctx, creds, http.MethodGet, "/Contacts?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if len(out.Contacts) == 0 {
		return nil, nil
	}
	return &out.Contacts[0], nil
}

// FindContactsByEmail returns every contact sharing the email address, in
// the order the API returns them.
func (c *Client) FindContactsByEmail(ctx context.Context, creds tenantdomain.Credentials, email string) ([]Contact, error) {
	q := url.Values{}
	q.Set("where", fmt.Sprintf("EmailAddress==%q", email))

	var out struct {
		Contacts []Contact `json:"Contacts"`
	}
	if _, err := c.call(ctx, creds, http.MethodGet, "/Contacts?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

func (c *Client) CreateContact(ctx context.Context, creds tenantdomain.Credentials, contact Contact) (*Contact, error) {
	payload := struct {
		Contacts []Contact `json:"Contacts"`
	}{Contacts: []Contact{contact}}

	var out struct {
		Contacts []Contact `json:"Contacts"`
	}
	if _, err := c.call(ctx, creds, http.MethodPut, "/Contacts", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Contacts) == 0 {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "contact missing from create response"}
	}
	return &out.Contacts[0], nil
}

// UpdateContactName renames an existing contact. Used to free a name held
// by an archived contact before creating a fresh one.
func (c *Client) UpdateContactName(ctx context.Context, creds tenantdomain.Credentials, contactID, name string) error {
	payload := struct {
		Contacts []Contact `json:"Contacts"`
	}{Contacts: []Contact{{ContactID: contactID, Name: name}}}

	_, err := c.call(ctx, creds, http.MethodPost, "/Contacts/"+contactID, payload, nil)
	return err
}

func (c *Client) CreateInvoice(ctx context.Context, creds tenantdomain.Credentials, invoice Invoice) (*Invoice, CallRecord, error) {
	payload := struct {
		Invoices []Invoice `json:"Invoices"`
	}{Invoices: []Invoice{invoice}}

	var out struct {
		Invoices []Invoice `json:"Invoices"`
	}
	record, err := c.call(ctx, creds, http.MethodPut, "/Invoices", payload, &out)
	if err != nil {
		return nil, record, err
	}
	if len(out.Invoices) == 0 {
		return nil, record, &APIError{StatusCode: http.StatusOK, Message: "invoice missing from create response"}
	}
	return &out.Invoices[0], record, nil
}

func (c *Client) CreatePayment(ctx context.Context, creds tenantdomain.Credentials, payment Payment) (*Payment, CallRecord, error) {
	payload := struct {
		Payments []Payment `json:"Payments"`
	}{Payments: []Payment{payment}}

	var out struct {
		Payments []Payment `json:"Payments"`
	}
	record, err := c.call(ctx, creds, http.MethodPut, "/Payments", payload, &out)
	if err != nil {
		return nil, record, err
	}
	if len(out.Payments) == 0 {
		return nil, record, &APIError{StatusCode: http.StatusOK, Message: "payment missing from create response"}
	}
	return &out.Payments[0], record, nil
}

func (c *Client) CreateCreditNote(ctx context.Context, creds tenantdomain.Credentials, note CreditNote) (*CreditNote, CallRecord, error) {
	payload := struct {
		CreditNotes []CreditNote `json:"CreditNotes"`
	}{CreditNotes: []CreditNote{note}}

	var out struct {
		CreditNotes []CreditNote `json:"CreditNotes"`
	}
	record, err := c.call(ctx, creds, http.MethodPut, "/CreditNotes", payload, &out)
	if err != nil {
		return nil, record, err
	}
	if len(out.CreditNotes) == 0 {
		return nil, record, &APIError{StatusCode: http.StatusOK, Message: "credit note missing from create response"}
	}
	return &out.CreditNotes[0], record, nil
}

// AllocateCreditNote applies a credit note against an invoice.
func (c *Client) AllocateCreditNote(ctx context.Context, creds tenantdomain.Credentials, creditNoteID string, alloc Allocation) (CallRecord, error) {
	payload := struct {
		Allocations []Allocation `json:"Allocations"`
	}{Allocations: []Allocation{alloc}}

	return c.call(ctx, creds, http.MethodPut, "/CreditNotes/"+creditNoteID+"/Allocations", payload, nil)
}

func (c *Client) call(ctx context.Context, creds tenantdomain.Credentials, method, path string, payload, out any) (CallRecord, error) {
	var record CallRecord
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return record, fmt.Errorf("encode request: %w", err)
		}
		record.Request = raw
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return record, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Xero-Tenant-Id", creds.XeroTenantID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return record, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return record, err
	}
	record.Response = raw

	if resp.StatusCode == http.StatusTooManyRequests {
		return record, &RateLimitedError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return record, parseAPIError(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return record, fmt.Errorf("decode response: %w", err)
		}
	}
	return record, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}

func parseAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}

	var body struct {
		Message  string `json:"Message"`
		Elements []struct {
			ValidationErrors []struct {
				Message string `json:"Message"`
			} `json:"ValidationErrors"`
		} `json:"Elements"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return apiErr
	}
	if body.Message != "" {
		apiErr.Message = body.Message
	}
	for _, el := range body.Elements {
		for _, ve := range el.ValidationErrors {
			apiErr.Validation = append(apiErr.Validation, ve.Message)
		}
	}
	return apiErr
}
