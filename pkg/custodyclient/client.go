/**
 * @description
 * This package provides a client for interacting with the custodial transaction
 * service that holds signing authority and executes on-chain movements. It
 * encapsulates the logic for making authenticated HTTP requests, constructing
 * request bodies, and parsing responses.
 *
 * @notes
 * - Every submission carries an Idempotency-Key header so that a resubmitted
 *   request cannot create a second on-chain transaction. Honoring the key is
 *   the custody service's contract; providing it is ours.
 * - Token identifiers are resolved through an immutable (symbol, chain) table
 *   injected at construction, so tests can substitute alternate mappings.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package custodyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ErrUnsupportedToken is returned when no external token id is mapped for a
// (symbol, chain) pair.
var ErrUnsupportedToken = errors.New("unsupported token for blockchain")

// TokenKey identifies an entry in the symbol-to-external-token-id table.
type TokenKey struct {
	Symbol string
	Chain  string
}

// Client is a client for the custody service API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	tokens     map[TokenKey]string
}

// NewClient creates a new custody API client. The token table is copied so
// the caller cannot mutate it after construction.
func NewClient(baseURL, apiKey string, tokens map[TokenKey]string) *Client {
	table := make(map[TokenKey]string, len(tokens))
	for k, v := range tokens {
		table[TokenKey{Symbol: strings.ToUpper(k.Symbol), Chain: strings.ToLower(k.Chain)}] = v
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		tokens: table,
	}
}

// IsAvailable reports whether the client is configured to reach the custody
// service. Used to short-circuit submissions and fail fast instead of hanging.
func (c *Client) IsAvailable() bool {
	return c != nil && strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.APIKey) != ""
}

// ResolveToken maps a (symbol, chain) pair to the custody service's token id.
func (c *Client) ResolveToken(symbol, chain string) (string, error) {
	id, ok := c.tokens[TokenKey{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Chain: strings.ToLower(strings.TrimSpace(chain))}]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedToken, symbol, chain)
	}
	return id, nil
}

// SubmitParams carries everything needed to submit one transaction.
type SubmitParams struct {
	IdempotencyKey string
	SourceWalletID string
	Destination    string
	TokenID        string
	Amount         string
	FeeLevel       string
}

// submitRequest is the wire payload for the custody transaction endpoint.
type submitRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			WalletID           string `json:"walletId"`
			DestinationAddress string `json:"destinationAddress"`
			TokenID            string `json:"tokenId"`
			Amount             string `json:"amount"`
			FeeLevel           string `json:"feeLevel"`
		} `json:"attributes"`
	} `json:"data"`
}

// TransferResult is the parsed response from a successful submission.
type TransferResult struct {
	ExternalReference string
	ExternalStatus    string
	TransactionHash   *string
	FeeAmount         *string
}

// TransferStatus is the parsed response from a status poll.
type TransferStatus struct {
	ExternalStatus  string
	TransactionHash *string
	FeeAmount       *string
	GasUsed         *string
	GasPrice        *string
}

type transactionEnvelope struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status          string  `json:"status"`
			TransactionHash *string `json:"transactionHash,omitempty"`
			Fee             *string `json:"fee,omitempty"`
			GasUsed         *string `json:"gasUsed,omitempty"`
			GasPrice        *string `json:"gasPrice,omitempty"`
		} `json:"attributes"`
	} `json:"data"`
}

// ErrorResponse represents an error from the custody API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("custody api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown custody api error"
}

// Submit sends a transaction request to the custody service. The caller's
// idempotency key (the transfer id) guards against duplicate submission.
func (c *Client) Submit(ctx context.Context, params SubmitParams) (*TransferResult, error) {
	payload := submitRequest{}
	payload.Data.Type = "Transaction"
	payload.Data.Attributes.WalletID = params.SourceWalletID
	payload.Data.Attributes.DestinationAddress = params.Destination
	payload.Data.Attributes.TokenID = params.TokenID
	payload.Data.Attributes.Amount = params.Amount
	payload.Data.Attributes.FeeLevel = params.FeeLevel

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/transactions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-custody-key", c.APIKey)
	req.Header.Set("Idempotency-Key", params.IdempotencyKey)

	envelope, err := c.do(req, "submit")
	if err != nil {
		return nil, err
	}

	return &TransferResult{
		ExternalReference: envelope.Data.ID,
		ExternalStatus:    envelope.Data.Attributes.Status,
		TransactionHash:   envelope.Data.Attributes.TransactionHash,
		FeeAmount:         envelope.Data.Attributes.Fee,
	}, nil
}

// GetStatus polls the custody service for the status of a submitted
// transaction by its external reference.
func (c *Client) GetStatus(ctx context.Context, externalReference string) (*TransferStatus, error) {
	url := c.BaseURL + "/api/v1/transactions/" + externalReference

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-custody-key", c.APIKey)

	envelope, err := c.do(req, "get_status")
	if err != nil {
		return nil, err
	}

	return &TransferStatus{
		ExternalStatus:  envelope.Data.Attributes.Status,
		TransactionHash: envelope.Data.Attributes.TransactionHash,
		FeeAmount:       envelope.Data.Attributes.Fee,
		GasUsed:         envelope.Data.Attributes.GasUsed,
		GasPrice:        envelope.Data.Attributes.GasPrice,
	}, nil
}

// do executes a prepared request and decodes the JSON:API style envelope.
func (c *Client) do(req *http.Request, op string) (*transactionEnvelope, error) {
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
			log.Printf("level=warn component=custody_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		errResp.StatusCode = resp.StatusCode
		log.Printf("level=warn component=custody_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return nil, &errResp
	}

	var envelope transactionEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}

	return &envelope, nil
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
