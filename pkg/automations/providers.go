package automations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var providerHTTPClient = &http.Client{Timeout: 30 * time.Second}

// postJSON sends a JSON body with the given headers and fails on any
// non-2xx status, surfacing a response excerpt.
func postJSON(ctx context.Context, url string, body any, headers map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := providerHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, excerpt)
	}
	return nil
}

// paramString resolves a provider parameter, falling back to an environment
// variable so secrets stay out of the rules file.
func paramString(params map[string]any, key, envVar string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	if envVar != "" {
		return os.Getenv(envVar)
	}
	return ""
}

// AnsibleTower launches job templates on an Ansible Tower / AWX instance.
// Params: base_url, job_template_id, token (or TOWER_TOKEN), extra_vars.
type AnsibleTower struct{}

func (AnsibleTower) Name() string { return "ansible_tower" }

func (AnsibleTower) Trigger(ctx context.Context, params map[string]any) error {
	base := paramString(params, "base_url", "TOWER_URL")
	templateID := anyString(params["job_template_id"])
	if base == "" || templateID == "" {
		return fmt.Errorf("ansible_tower requires base_url and job_template_id")
	}
	token := paramString(params, "token", "TOWER_TOKEN")
	if token == "" {
		return fmt.Errorf("ansible_tower requires a token (param or TOWER_TOKEN)")
	}

	body := map[string]any{}
	if extraVars, ok := params["extra_vars"].(map[string]any); ok {
		body["extra_vars"] = extraVars
	}
	url := fmt.Sprintf("%s/api/v2/job_templates/%s/launch/", base, templateID)
	return postJSON(ctx, url, body, map[string]string{"Authorization": "Bearer " + token})
}

// TerraformCloud queues a run in a Terraform Cloud workspace.
// Params: workspace_id, message, token (or TFC_TOKEN).
type TerraformCloud struct{}

func (TerraformCloud) Name() string { return "terraform_cloud" }

func (TerraformCloud) Trigger(ctx context.Context, params map[string]any) error {
	workspace := anyString(params["workspace_id"])
	if workspace == "" {
		return fmt.Errorf("terraform_cloud requires workspace_id")
	}
	token := paramString(params, "token", "TFC_TOKEN")
	if token == "" {
		return fmt.Errorf("terraform_cloud requires a token (param or TFC_TOKEN)")
	}

	message := anyString(params["message"])
	if message == "" {
		message = "automated remediation run"
	}
	body := map[string]any{
		"data": map[string]any{
			"type": "runs",
			"attributes": map[string]any{
				"message": message,
			},
			"relationships": map[string]any{
				"workspace": map[string]any{
					"data": map[string]any{"type": "workspaces", "id": workspace},
				},
			},
		},
	}
	return postJSON(ctx, "https://app.terraform.io/api/v2/runs", body, map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/vnd.api+json",
	})
}

// ServiceNow creates a record (incident by default) through the Table API.
// Params: base_url, table, fields, user/password (or SN_USER/SN_PASSWORD).
type ServiceNow struct{}

func (ServiceNow) Name() string { return "servicenow" }

func (ServiceNow) Trigger(ctx context.Context, params map[string]any) error {
	base := paramString(params, "base_url", "SN_URL")
	if base == "" {
		return fmt.Errorf("servicenow requires base_url")
	}
	user := paramString(params, "user", "SN_USER")
	password := paramString(params, "password", "SN_PASSWORD")
	if user == "" || password == "" {
		return fmt.Errorf("servicenow requires credentials (params or SN_USER/SN_PASSWORD)")
	}

	table := anyString(params["table"])
	if table == "" {
		table = "incident"
	}
	fields, _ := params["fields"].(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	url := fmt.Sprintf("%s/api/now/table/%s", base, table)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(user, password)
	resp, err := providerHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, excerpt)
	}
	return nil
}

// DefaultProviders returns the built-in provider set.
func DefaultProviders() []Provider {
	return []Provider{AnsibleTower{}, TerraformCloud{}, ServiceNow{}}
}
