package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// ListVersions returns every registered version, oldest first.
func (c *Client) ListVersions(ctx context.Context) ([]Version, error) {
	var resp struct {
		Versions []Version `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, "/versions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

// CreateVersion registers the next version.
func (c *Client) CreateVersion(ctx context.Context, input CreateVersionInput) (Version, error) {
	var v Version
	if err := c.do(ctx, http.MethodPost, "/versions", input, &v); err != nil {
		return Version{}, err
	}
	return v, nil
}

// Compatible reports whether two versions are compatible.
func (c *Client) Compatible(ctx context.Context, v1, v2 string) (bool, error) {
	path := fmt.Sprintf("/versions/compatibility?v1=%s&v2=%s", url.QueryEscape(v1), url.QueryEscape(v2))
	var resp struct {
		Compatible bool `json:"compatible"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Compatible, nil
}

// StartDeployment launches a deployment; it runs in the background.
func (c *Client) StartDeployment(ctx context.Context, req DeploymentRequest) (Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments", req, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// GetDeployment fetches a deployment's status.
func (c *Client) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(id), nil, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// ListDeployments returns recent deployments, optionally for one environment.
func (c *Client) ListDeployments(ctx context.Context, environmentID string, limit int) ([]Deployment, error) {
	q := url.Values{}
	if environmentID != "" {
		q.Set("environment_id", environmentID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/deployments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Deployments []Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// RollbackDeployment restores the rollback point captured by a deployment.
func (c *Client) RollbackDeployment(ctx context.Context, id string) (Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments/"+url.PathEscape(id)+"/rollback", nil, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// EmergencyRollback restores an environment's newest rollback point.
func (c *Client) EmergencyRollback(ctx context.Context, environmentID string) (RollbackPoint, error) {
	var p RollbackPoint
	path := "/environments/" + url.PathEscape(environmentID) + "/emergency-rollback"
	if err := c.do(ctx, http.MethodPost, path, nil, &p); err != nil {
		return RollbackPoint{}, err
	}
	return p, nil
}

// ListRollbackPoints returns an environment's points, newest first.
func (c *Client) ListRollbackPoints(ctx context.Context, environmentID string) ([]RollbackPoint, error) {
	var resp struct {
		Points []RollbackPoint `json:"rollback_points"`
	}
	path := "/environments/" + url.PathEscape(environmentID) + "/rollback-points"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Points, nil
}

// CreateHotUpdate registers a hot update as a draft.
func (c *Client) CreateHotUpdate(ctx context.Context, req HotUpdateRequest) (HotUpdate, error) {
	var u HotUpdate
	if err := c.do(ctx, http.MethodPost, "/hot-updates", req, &u); err != nil {
		return HotUpdate{}, err
	}
	return u, nil
}

// GetHotUpdate fetches a hot update.
func (c *Client) GetHotUpdate(ctx context.Context, id string) (HotUpdate, error) {
	var u HotUpdate
	if err := c.do(ctx, http.MethodGet, "/hot-updates/"+url.PathEscape(id), nil, &u); err != nil {
		return HotUpdate{}, err
	}
	return u, nil
}

// HotUpdateAction runs one lifecycle step: submit, rollout, rollback or cancel.
func (c *Client) HotUpdateAction(ctx context.Context, id, action string, body any) (HotUpdate, error) {
	var u HotUpdate
	path := "/hot-updates/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, body, &u); err != nil {
		return HotUpdate{}, err
	}
	return u, nil
}

// ApproveHotUpdate records the calling operator's decision.
func (c *Client) ApproveHotUpdate(ctx context.Context, id string, approved bool, conditions []string) (HotUpdate, error) {
	body := map[string]any{"approved": approved}
	if len(conditions) > 0 {
		body["conditions"] = conditions
	}
	return c.HotUpdateAction(ctx, id, "approve", body)
}

// TestHotUpdate runs the pre-rollout gates. A failed gate returns the report
// together with an APIError.
func (c *Client) TestHotUpdate(ctx context.Context, id string) (TestReport, error) {
	var report TestReport
	err := c.do(ctx, http.MethodPost, "/hot-updates/"+url.PathEscape(id)+"/test", nil, &report)
	return report, err
}

// RunMigrations executes pending migrations on the controller's engine.
func (c *Client) RunMigrations(ctx context.Context, environment string, dryRun, force bool) (MigrationResult, error) {
	body := map[string]any{"environment": environment, "dry_run": dryRun, "force": force}
	var res MigrationResult
	err := c.do(ctx, http.MethodPost, "/migrations/run", body, &res)
	return res, err
}
