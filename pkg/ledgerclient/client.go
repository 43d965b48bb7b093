/**
 * @description
 * This package provides a client for the custodial ledger contract API — the
 * external system of record that holds locked booking funds. It encapsulates
 * the logic for making authenticated HTTP requests to the ledger gateway,
 * handling request body construction, and parsing responses.
 *
 * The ledger is authoritative and non-reversible from this service's
 * perspective: the client exposes reads plus release/refund instructions, and
 * every instruction is awaited for confirmation before being treated as
 * successful.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// EscrowStatus is the ledger's view of one escrow record.
type EscrowStatus string

const (
	StatusNone     EscrowStatus = "none"
	StatusLocked   EscrowStatus = "locked"
	StatusReleased EscrowStatus = "released"
	StatusRefunded EscrowStatus = "refunded"
)

// Client is a client for the custodial ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger API client with a bounded request timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// EscrowRecord is the ledger's record for one escrow key.
type EscrowRecord struct {
	Owner  string       `json:"owner"`
	Amount int64        `json:"amount"` // in minor units
	Status EscrowStatus `json:"status"`
}

// recordResponse wraps the record payload the ledger gateway returns.
type recordResponse struct {
	Data EscrowRecord `json:"data"`
}

// balanceResponse wraps the balance payload the ledger gateway returns.
type balanceResponse struct {
	Data struct {
		Amount int64 `json:"amount"`
	} `json:"data"`
}

// ReleaseRequest is the payload for a release instruction: locked funds split
// between the provider and the platform treasury.
type ReleaseRequest struct {
	Recipient       string `json:"recipient"`
	RecipientAmount int64  `json:"recipient_amount"`
	Treasury        string `json:"treasury"`
	TreasuryAmount  int64  `json:"treasury_amount"`
}

// RefundRequest is the payload for a refund instruction: the full locked
// amount back to one recipient.
type RefundRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
}

// InstructionResponse is the ledger's answer to a release or refund
// instruction. Confirmed reports whether the instruction has reached
// finality; callers must not treat an unconfirmed submission as success.
type InstructionResponse struct {
	Data struct {
		TxRef     string `json:"tx_ref"`
		Status    string `json:"status"`
		Confirmed bool   `json:"confirmed"`
	} `json:"data"`
}

// ErrorResponse represents an error from the ledger API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown ledger api error"
}

// GetRecord fetches the escrow record for a ledger key.
func (c *Client) GetRecord(ctx context.Context, key string) (*EscrowRecord, error) {
	body, err := c.doGet(ctx, "/api/v1/escrows/"+key, "get_record")
	if err != nil {
		return nil, err
	}

	var resp recordResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode record response: %w", err)
	}
	if resp.Data.Status == "" {
		resp.Data.Status = StatusNone
	}
	return &resp.Data, nil
}

// BalanceOf fetches the locked balance for a ledger key.
func (c *Client) BalanceOf(ctx context.Context, key string) (int64, error) {
	body, err := c.doGet(ctx, "/api/v1/escrows/"+key+"/balance", "balance_of")
	if err != nil {
		return 0, err
	}

	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}
	return resp.Data.Amount, nil
}

// Release submits a release instruction for a ledger key and returns the
// ledger's confirmation state.
func (c *Client) Release(ctx context.Context, key string, req ReleaseRequest) (*InstructionResponse, error) {
	return c.doInstruction(ctx, "/api/v1/escrows/"+key+"/release", "release", req)
}

// Refund submits a refund instruction for a ledger key and returns the
// ledger's confirmation state.
func (c *Client) Refund(ctx context.Context, key string, req RefundRequest) (*InstructionResponse, error) {
	return c.doInstruction(ctx, "/api/v1/escrows/"+key+"/refund", "refund", req)
}

// doInstruction is a generic helper to execute release/refund instructions.
func (c *Client) doInstruction(ctx context.Context, path, op string, payload interface{}) (*InstructionResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=ledger_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return nil, &errResp
	}

	var successResp InstructionResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}

	return &successResp, nil
}

func (c *Client) doGet(ctx context.Context, path, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=ledger_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return nil, &errResp
	}

	return bodyBytes, nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
