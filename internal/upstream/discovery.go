package upstream

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ModelQuota is one entry of the upstream model catalog.
type ModelQuota struct {
	Model             string
	DisplayName       string
	RemainingFraction float64
	ResetTime         time.Time
	HasQuotaInfo      bool
}

// FetchAvailableModels returns the upstream catalog with per-model quota.
func (c *Client) FetchAvailableModels(ctx context.Context, accessToken string) ([]ModelQuota, error) {
	data, err := c.post(ctx, pathFetchModels, accessToken, []byte(`{}`))
	if err != nil {
		return nil, err
	}
	var out []ModelQuota
	for _, m := range gjson.GetBytes(data, "models").Array() {
		name := m.Get("name").String()
		if name == "" {
			name = m.Get("model").String()
		}
		if name == "" {
			continue
		}
		mq := ModelQuota{
			Model:       name,
			DisplayName: m.Get("displayName").String(),
		}
		if qi := m.Get("quotaInfo"); qi.Exists() {
			mq.HasQuotaInfo = true
			mq.RemainingFraction = qi.Get("remainingFraction").Float()
			if t, err := time.Parse(time.RFC3339, qi.Get("resetTime").String()); err == nil {
				mq.ResetTime = t
			}
		}
		out = append(out, mq)
	}
	return out, nil
}

// LoadCodeAssist asks the upstream which project the credential is bound to.
// Returns an empty string when the account is not onboarded yet.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken string) (string, error) {
	body := []byte(`{"metadata":{"pluginType":"GEMINI"}}`)
	data, err := c.post(ctx, pathLoadAssist, accessToken, body)
	if err != nil {
		return "", err
	}
	project := gjson.GetBytes(data, "cloudaicompanionProject").String()
	if project == "" {
		project = gjson.GetBytes(data, "cloudaicompanionProject.id").String()
	}
	return project, nil
}

// OnboardUser enrolls the credential on the free tier and returns the
// assigned project ID.
func (c *Client) OnboardUser(ctx context.Context, accessToken string) (string, error) {
	body := []byte(`{"tierId":"free-tier","metadata":{"pluginType":"GEMINI"}}`)
	data, err := c.post(ctx, pathOnboard, accessToken, body)
	if err != nil {
		return "", err
	}
	project := gjson.GetBytes(data, "response.cloudaicompanionProject.id").String()
	if project == "" {
		return "", fmt.Errorf("onboarding returned no project")
	}
	return project, nil
}

// DiscoverProject resolves the credential's project, onboarding when needed.
func (c *Client) DiscoverProject(ctx context.Context, accessToken string) (string, error) {
	project, err := c.LoadCodeAssist(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if project != "" {
		return project, nil
	}
	log.Info("upstream: account not onboarded, enrolling on free tier")
	return c.OnboardUser(ctx, accessToken)
}
