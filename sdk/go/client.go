package stagelinesdk

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

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	OwnerID     string   `json:"owner_id"`
	SharedWith  []string `json:"shared_with,omitempty"`
	CreatedAt   string   `json:"created_at"`
	Locked      bool     `json:"locked"`
}

// Stage represents a catalog entry.
type Stage struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	IsCustom       bool    `json:"is_custom"`
	OwnerProjectID *string `json:"owner_project_id,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// ProjectStage represents a stage attached to a project.
type ProjectStage struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	StageID        string  `json:"stage_id"`
	Status         string  `json:"status"`
	StartDate      *string `json:"start_date,omitempty"`
	CompletionDate *string `json:"completion_date,omitempty"`
	Rank           int     `json:"rank"`
	CreatedAt      string  `json:"created_at"`
	Stage          *Stage  `json:"stage,omitempty"`
}

// Connection represents a directed edge between two project stages.
type Connection struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	From      *ProjectStage `json:"from,omitempty"`
	To        *ProjectStage `json:"to,omitempty"`
	FromStage string        `json:"from_stage"`
	ToStage   string        `json:"to_stage"`
	CreatedAt string        `json:"created_at"`
}

// ProjectStatus is the status summary with stage counts.
type ProjectStatus struct {
	ProjectID   string         `json:"project_id"`
	Status      string         `json:"status"`
	Locked      bool           `json:"locked"`
	StageCounts map[string]int `json:"stage_counts"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project owned by the authenticated manager.
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// ListProjects returns the projects visible to the caller.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &resp)
	return resp, err
}

// Status returns a project's derived status with stage counts.
func (c *Client) Status(ctx context.Context, projectID string) (ProjectStatus, error) {
	var resp ProjectStatus
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "status"), nil, &resp)
	return resp, err
}

// AttachStage attaches a catalog stage to a project.
func (c *Client) AttachStage(ctx context.Context, projectID, stageID, status, startDate, completionDate string) (ProjectStage, error) {
	body := map[string]any{
		"stage_id":   stageID,
		"status":     status,
		"start_date": startDate,
	}
	if completionDate != "" {
		body["completion_date"] = completionDate
	}
	var resp ProjectStage
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "stages"), body, &resp)
	return resp, err
}

// ListProjectStages lists a project's stages in date order.
func (c *Client) ListProjectStages(ctx context.Context, projectID string) ([]ProjectStage, error) {
	var resp []ProjectStage
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "stages"), nil, &resp)
	return resp, err
}

// ConnectStages adds a directed connection between two project stages.
func (c *Client) ConnectStages(ctx context.Context, projectID, from, to string) (Connection, error) {
	body := map[string]any{"from": from, "to": to}
	var resp Connection
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "connections"), body, &resp)
	return resp, err
}

// ListConnections lists a project's connections with populated endpoints.
func (c *Client) ListConnections(ctx context.Context, projectID string) ([]Connection, error) {
	var resp []Connection
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "connections"), nil, &resp)
	return resp, err
}

// Events returns recent events for a project.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := projectPath(projectID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func projectPath(projectID, p string) string {
	base := fmt.Sprintf("v0/projects/%s", url.PathEscape(projectID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
