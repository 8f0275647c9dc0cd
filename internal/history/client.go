package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vitalsync/internal/constants"
	"vitalsync/pkg/envelope"
	apperrors "vitalsync/pkg/errors"
)

// Client reads history pages over HTTP. Pages are validated with the same
// rules as historical_data_update frames.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Page(ctx context.Context, subjectID, cursor string, limit int) (envelope.HistoricalDataUpdate, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("%s/api/v1/subjects/%s/history", c.baseURL, url.PathEscape(subjectID))
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return envelope.HistoricalDataUpdate{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return envelope.HistoricalDataUpdate{}, apperrors.ErrTimeout.WithCause(err)
		}
		return envelope.HistoricalDataUpdate{}, apperrors.ErrServiceUnavailable.WithCause(fmt.Errorf("history request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		cause := fmt.Errorf("history api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return envelope.HistoricalDataUpdate{}, statusError(resp.StatusCode).WithCause(cause)
	}

	var page envelope.HistoricalDataUpdate
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return envelope.HistoricalDataUpdate{}, fmt.Errorf("failed to decode history page: %w", err)
	}
	if page.Items == nil {
		page.Items = []envelope.HealthRecord{}
	}
	if err := envelope.Validate(page); err != nil {
		return envelope.HistoricalDataUpdate{}, fmt.Errorf("invalid history page: %w", err)
	}
	return page, nil
}

func statusError(status int) *apperrors.Error {
	switch {
	case status == http.StatusNotFound:
		return apperrors.ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.ErrUnauthorized
	case status == http.StatusTooManyRequests:
		return apperrors.ErrRateLimited
	case status >= http.StatusInternalServerError:
		return apperrors.ErrServiceUnavailable
	default:
		return apperrors.ErrValidation
	}
}
