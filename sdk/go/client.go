package phaselinesdk

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

// Client is a minimal Phaseline HTTP API client.
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

// Project represents the API project model (partial).
type Project struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	Status         string  `json:"status"`
	CurrentPhaseID *string `json:"current_phase_id,omitempty"`
}

// Phase represents a project phase with its resolved blocking state.
type Phase struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	Name               string   `json:"name"`
	Status             string   `json:"status"`
	ProgressPercentage int      `json:"progress_percentage"`
	AssignedTo         *string  `json:"assigned_to,omitempty"`
	IsBlocked          bool     `json:"is_blocked"`
	BlockingDeps       []string `json:"blocking_dependencies,omitempty"`
}

// SubPhase represents a sub-phase (partial).
type SubPhase struct {
	ID                 string  `json:"id"`
	PhaseID            string  `json:"phase_id"`
	Name               string  `json:"name"`
	Status             string  `json:"status"`
	ProgressPercentage int     `json:"progress_percentage"`
	CompletedAt        *string `json:"completed_at,omitempty"`
	CompletedBy        *string `json:"completed_by,omitempty"`
}

// StatusLog is one entry of the append-only status change log.
type StatusLog struct {
	ID             int64   `json:"id"`
	PhaseID        *string `json:"phase_id,omitempty"`
	SubPhaseID     *string `json:"sub_phase_id,omitempty"`
	PreviousStatus string  `json:"previous_status"`
	NewStatus      string  `json:"new_status"`
	Notes          string  `json:"notes,omitempty"`
	ChangedBy      string  `json:"changed_by"`
	CreatedAt      string  `json:"created_at"`
}

// APIError wraps non-2xx responses. Message carries the server's
// error field; BlockingPhases is set on dependency-blocked transitions.
type APIError struct {
	StatusCode     int
	Message        string
	BlockingPhases []string
	Body           string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d error=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedLogs wraps log listings with the cursor for the next page.
type PaginatedLogs struct {
	Logs       []StatusLog `json:"logs"`
	NextCursor int64       `json:"next_cursor"`
}

// CreateProject creates a project from a category template. The
// returned warning is non-empty when phase initialization failed.
func (c *Client) CreateProject(ctx context.Context, name, category string) (Project, string, error) {
	body := map[string]any{
		"name":     name,
		"category": category,
	}
	var resp struct {
		Project Project `json:"project"`
		Warning string  `json:"warning"`
	}
	err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp)
	return resp.Project, resp.Warning, err
}

// ListProjects returns the active projects of the tenant.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Projects []Project `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "v1/projects", nil, &resp)
	return resp.Projects, err
}

// GetProject fetches a project together with its phases.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, []Phase, error) {
	var resp struct {
		Project Project `json:"project"`
		Phases  []Phase `json:"phases"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, ""), nil, &resp)
	return resp.Project, resp.Phases, err
}

// ListPhases returns the phases of a project with blocking state.
func (c *Client) ListPhases(ctx context.Context, projectID string) ([]Phase, error) {
	var resp struct {
		Phases []Phase `json:"phases"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "phases"), nil, &resp)
	return resp.Phases, err
}

// UpdatePhaseStatus transitions a phase. Notes are mandatory; a
// blocked transition comes back as an *APIError with BlockingPhases.
func (c *Client) UpdatePhaseStatus(ctx context.Context, projectID, phaseID, status, notes string) (Phase, error) {
	body := map[string]any{
		"status":              status,
		"status_change_notes": notes,
	}
	var resp struct {
		Phase Phase `json:"phase"`
	}
	endpoint := c.projectPath(projectID, "phases/"+url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp.Phase, err
}

// AddDependency links phaseID to dependsOn. depType is hard or soft;
// empty defaults to hard.
func (c *Client) AddDependency(ctx context.Context, projectID, phaseID, dependsOn, depType string) error {
	body := map[string]any{
		"depends_on_phase_id": dependsOn,
	}
	if depType != "" {
		body["dependency_type"] = depType
	}
	endpoint := c.projectPath(projectID, fmt.Sprintf("phases/%s/dependencies", url.PathEscape(phaseID)))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// ListSubPhases returns the sub-phases of a phase.
func (c *Client) ListSubPhases(ctx context.Context, projectID, phaseID string) ([]SubPhase, error) {
	var resp struct {
		SubPhases []SubPhase `json:"sub_phases"`
	}
	endpoint := c.projectPath(projectID, fmt.Sprintf("phases/%s/sub-phases", url.PathEscape(phaseID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.SubPhases, err
}

// CompleteSubPhase marks a sub-phase completed with the given notes.
func (c *Client) CompleteSubPhase(ctx context.Context, projectID, phaseID, subPhaseID, notes string) (SubPhase, error) {
	return c.subPhaseAction(ctx, projectID, phaseID, subPhaseID, "complete", notes)
}

// SkipSubPhase skips a sub-phase whose template allows it.
func (c *Client) SkipSubPhase(ctx context.Context, projectID, phaseID, subPhaseID, notes string) (SubPhase, error) {
	return c.subPhaseAction(ctx, projectID, phaseID, subPhaseID, "skip", notes)
}

func (c *Client) subPhaseAction(ctx context.Context, projectID, phaseID, subPhaseID, action, notes string) (SubPhase, error) {
	body := map[string]any{}
	if notes != "" {
		body["notes"] = notes
	}
	var resp struct {
		SubPhase SubPhase `json:"sub_phase"`
	}
	endpoint := c.projectPath(projectID, fmt.Sprintf("phases/%s/sub-phases/%s/%s",
		url.PathEscape(phaseID), url.PathEscape(subPhaseID), action))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.SubPhase, err
}

// PhaseLogs returns status log entries for a phase, newest first.
func (c *Client) PhaseLogs(ctx context.Context, projectID, phaseID string, limit int, cursor int64) (PaginatedLogs, error) {
	endpoint := c.projectPath(projectID, fmt.Sprintf("phases/%s/logs", url.PathEscape(phaseID)))
	sep := "?"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
		sep = "&"
	}
	if cursor > 0 {
		endpoint = fmt.Sprintf("%s%scursor=%d", endpoint, sep, cursor)
	}
	var resp PaginatedLogs
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error          string   `json:"error"`
			BlockingPhases []string `json:"blocking_phases"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Message = envelope.Error
			apiErr.BlockingPhases = envelope.BlockingPhases
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID, p string) string {
	endpoint := fmt.Sprintf("v1/projects/%s", url.PathEscape(projectID))
	if p == "" {
		return endpoint
	}
	return endpoint + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
