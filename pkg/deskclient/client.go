/**
 * @description
 * This package provides a client for the cashflow-service supervisor API.
 * It wraps the internal endpoints used to sweep expired locks, force release a
 * stuck lock and run the balance audit.
 */
package deskclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a client for the cashflow-service internal routes.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new supervisor API client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ReclaimedLock is a lock the sweep reset, with its previous holder.
type ReclaimedLock struct {
	Key struct {
		Kind       string `json:"kind"`
		RequestID  string `json:"request_id"`
		Department string `json:"department"`
	} `json:"key"`
	HeldBy         *string    `json:"held_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// SweepResult is the response of a lock sweep.
type SweepResult struct {
	Reclaimed int             `json:"reclaimed"`
	Locks     []ReclaimedLock `json:"locks"`
}

// ConsistencyReport is the response of a balance audit.
type ConsistencyReport struct {
	Scanned    int      `json:"scanned"`
	Violations []string `json:"violations"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cashflow service returned status %d: %s", e.Status, e.Message)
}

// SweepLocks reclaims every lock whose lease has expired.
func (c *Client) SweepLocks(ctx context.Context) (*SweepResult, error) {
	var result SweepResult
	if err := c.do(ctx, http.MethodPost, "/desk/internal/locks/sweep", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ForceReleaseLock clears a department lock regardless of holder. It reports
// whether a held lock was actually cleared.
func (c *Client) ForceReleaseLock(ctx context.Context, kind, requestID, department string) (bool, error) {
	path := fmt.Sprintf("/desk/internal/locks/%s/%s/%s", url.PathEscape(kind), url.PathEscape(requestID), url.PathEscape(department))
	var result struct {
		Released bool `json:"released"`
	}
	if err := c.do(ctx, http.MethodDelete, path, &result); err != nil {
		return false, err
	}
	return result.Released, nil
}

// AuditConsistency runs the balance audit over open withdrawals.
func (c *Client) AuditConsistency(ctx context.Context) (*ConsistencyReport, error) {
	var report ConsistencyReport
	if err := c.do(ctx, http.MethodGet, "/desk/internal/consistency", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("cashflow service base url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to cashflow service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(body))
		if err := json.Unmarshal(body, &errBody); err == nil && errBody.Error != "" {
			message = errBody.Error
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
