// Package monday is a minimal Monday.com GraphQL API client covering
// updates, replies, column values, and item lookups.
package monday

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// DefaultEndpoint is the Monday GraphQL API endpoint.
const DefaultEndpoint = "https://api.monday.com/v2"

// maxResponseSize bounds API response bodies.
const maxResponseSize = 4 * 1024 * 1024

// Client talks to the Monday GraphQL API.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithEndpoint overrides the API endpoint, for tests.
func WithEndpoint(endpoint string) ClientOption {
	return func(client *Client) { client.endpoint = endpoint }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// NewClient creates a Monday client with an API token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: DefaultEndpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

// do executes one GraphQL request and decodes the data payload into out.
func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)
	req.Header.Set("API-Version", "2024-10")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("monday api request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read monday response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("monday api status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return fmt.Errorf("decode monday response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return fmt.Errorf("monday api error: %s", gqlResp.Errors[0].Message)
	}

	if out != nil {
		if err := json.Unmarshal(gqlResp.Data, out); err != nil {
			return fmt.Errorf("decode monday data: %w", err)
		}
	}
	return nil
}

// PostUpdate posts a comment on an item and returns the new update id.
func (c *Client) PostUpdate(ctx context.Context, itemID int64, body string) (string, error) {
	const query = `mutation ($itemId: ID!, $body: String!) {
		create_update(item_id: $itemId, body: $body) { id }
	}`

	var data struct {
		CreateUpdate struct {
			ID string `json:"id"`
		} `json:"create_update"`
	}
	err := c.do(ctx, query, map[string]any{
		"itemId": strconv.FormatInt(itemID, 10),
		"body":   body,
	}, &data)
	if err != nil {
		return "", fmt.Errorf("post update on item %d: %w", itemID, err)
	}

	c.logger.Debug("Monday update posted", "item_id", itemID, "update_id", data.CreateUpdate.ID)
	return data.CreateUpdate.ID, nil
}

// Reply is one threaded reply on an update.
type Reply struct {
	ID        string    `json:"id"`
	Body      string    `json:"text_body"`
	CreatorID string    `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PollReplies fetches the replies threaded under an update.
func (c *Client) PollReplies(ctx context.Context, itemID int64, updateID string) ([]Reply, error) {
	const query = `query ($itemId: [ID!]) {
		items(ids: $itemId) {
			updates(limit: 50) {
				id
				replies { id text_body creator_id created_at }
			}
		}
	}`

	var data struct {
		Items []struct {
			Updates []struct {
				ID      string  `json:"id"`
				Replies []Reply `json:"replies"`
			} `json:"updates"`
		} `json:"items"`
	}
	err := c.do(ctx, query, map[string]any{
		"itemId": []string{strconv.FormatInt(itemID, 10)},
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("poll replies for item %d: %w", itemID, err)
	}

	for _, item := range data.Items {
		for _, update := range item.Updates {
			if update.ID == updateID {
				return update.Replies, nil
			}
		}
	}
	return nil, nil
}

// UpdateColumnValue sets one column on an item. value is the raw column
// payload (a JSON string for status columns, e.g. {"label":"Done"}).
func (c *Client) UpdateColumnValue(ctx context.Context, boardID, itemID int64, columnID, value string) error {
	const query = `mutation ($boardId: ID!, $itemId: ID!, $columnId: String!, $value: JSON!) {
		change_column_value(board_id: $boardId, item_id: $itemId, column_id: $columnId, value: $value) { id }
	}`

	err := c.do(ctx, query, map[string]any{
		"boardId":  strconv.FormatInt(boardID, 10),
		"itemId":   strconv.FormatInt(itemID, 10),
		"columnId": columnID,
		"value":    value,
	}, nil)
	if err != nil {
		return fmt.Errorf("update column %s on item %d: %w", columnID, itemID, err)
	}
	return nil
}

// SetStatus sets a status column by label.
func (c *Client) SetStatus(ctx context.Context, boardID, itemID int64, columnID, label string) error {
	value, err := json.Marshal(map[string]string{"label": label})
	if err != nil {
		return fmt.Errorf("marshal status value: %w", err)
	}
	return c.UpdateColumnValue(ctx, boardID, itemID, columnID, string(value))
}

// ColumnValue is one column's text and raw value on an item.
type ColumnValue struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Value string `json:"value"`
}

// ItemInfo is the subset of item data the workflow consumes.
type ItemInfo struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	BoardID      string        `json:"board_id"`
	ColumnValues []ColumnValue `json:"column_values"`
	CreatorEmail string        `json:"creator_email"`
}

// Column returns the text of a column by id, or empty.
func (i *ItemInfo) Column(columnID string) string {
	for _, cv := range i.ColumnValues {
		if cv.ID == columnID {
			return cv.Text
		}
	}
	return ""
}

// GetItemInfo fetches item name, board, creator, and column values.
func (c *Client) GetItemInfo(ctx context.Context, itemID int64) (*ItemInfo, error) {
	const query = `query ($itemId: [ID!]) {
		items(ids: $itemId) {
			id
			name
			board { id }
			creator { email }
			column_values { id text value }
		}
	}`

	var data struct {
		Items []struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Board struct {
				ID string `json:"id"`
			} `json:"board"`
			Creator struct {
				Email string `json:"email"`
			} `json:"creator"`
			ColumnValues []ColumnValue `json:"column_values"`
		} `json:"items"`
	}
	err := c.do(ctx, query, map[string]any{
		"itemId": []string{strconv.FormatInt(itemID, 10)},
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", itemID, err)
	}
	if len(data.Items) == 0 {
		return nil, fmt.Errorf("item %d not found", itemID)
	}

	item := data.Items[0]
	return &ItemInfo{
		ID:           item.ID,
		Name:         item.Name,
		BoardID:      item.Board.ID,
		ColumnValues: item.ColumnValues,
		CreatorEmail: item.Creator.Email,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
