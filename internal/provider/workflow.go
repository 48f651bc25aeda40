package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/funnel"
	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// WorkflowProvider posts JSON to a workflow-engine webhook (n8n-style) with
// basic or bearer auth.
type WorkflowProvider struct {
	serverURL       string // gateway base URL advertised to the workflow
	client          *http.Client
	messageTimeout  time.Duration
	followUpTimeout time.Duration
}

// WorkflowConfig tunes the workflow adapter.
type WorkflowConfig struct {
	ServerURL       string
	MessageTimeout  time.Duration
	FollowUpTimeout time.Duration
}

func NewWorkflowProvider(cfg WorkflowConfig) *WorkflowProvider {
	return &WorkflowProvider{
		serverURL:       cfg.ServerURL,
		client:          &http.Client{},
		messageTimeout:  boundedTimeout(cfg.MessageTimeout, 120*time.Second),
		followUpTimeout: boundedTimeout(cfg.FollowUpTimeout, 60*time.Second),
	}
}

func (p *WorkflowProvider) Kind() string { return store.KindWorkflow }

func (p *WorkflowProvider) SendMessage(ctx context.Context, bot *store.BotBinding, req *Request) (string, error) {
	endpoint := strings.TrimSpace(bot.WebhookURL)
	if endpoint == "" {
		return "", &ErrNotConfigured{Reason: "workflow webhook url is empty"}
	}

	funnelPayload, funnelID := funnelFromDeps(req.Dependencies, bot)
	payload := map[string]any{
		"chatInput":      req.Message,
		"sessionId":      req.SessionID,
		"remoteJid":      req.RemoteContact,
		"pushName":       req.PushName,
		"keyId":          req.KeyID,
		"fromMe":         req.FromMe,
		"quotedMessage":  req.QuotedMessage,
		"funnelStage":    req.SessionState.FunnelStage,
		"followUpStage":  req.SessionState.FollowUpStage,
		"funnelEnable":   req.SessionState.FunnelEnable,
		"followUpEnable": req.SessionState.FollowUpEnable,
		"funnel":         funnelPayload,
		"agentPrompt":    p.mergedPrompt(bot, funnelPayload),
		"funnelId":       funnelID,
		"instanceName":   req.Tenant.Name,
		"instanceId":     req.Tenant.ID,
		"serverUrl":      p.serverURL,
		"apiKey":         req.Tenant.Token,
	}

	slog.Info("workflow: sending request", "endpoint", endpoint, "session", req.SessionID)
	data, err := p.post(ctx, bot, endpoint, payload, p.messageTimeout)
	if err != nil {
		return "", err
	}
	return extractReply(data), nil
}

func (p *WorkflowProvider) SendFollowUp(ctx context.Context, bot *store.BotBinding, req *Request, step, next *funnel.Step) (string, error) {
	endpoint := strings.TrimSpace(bot.WebhookURL)
	if endpoint == "" {
		return "", &ErrNotConfigured{Reason: "workflow webhook url is empty"}
	}
	if step == nil {
		return "", fmt.Errorf("workflow follow-up: nil step")
	}

	funnelPayload, funnelID := funnelFromDeps(req.Dependencies, bot)
	message := followUpMessage(step)

	payload := map[string]any{
		"event":                "followup",
		"stage":                step.Stage,
		"touch":                step.Touch,
		"delayMin":             step.DelayMin,
		"condition":            step.Condition,
		"logicStage":           step.LogicStage,
		"commonTouchCondition": step.CommonTouchCondition,
		"objective":            step.Objective,
		"title":                step.Title,
		"nextStage":            nil,
		"nextTouch":            nil,
		"funnelId":             funnelID,
		"funnelEnable":         req.SessionState.FunnelEnable,
		"followUpEnable":       req.SessionState.FollowUpEnable,
		"agentPrompt":          p.mergedPrompt(bot, funnelPayload),
		"chatInput":            message,
		"sessionId":            req.SessionID,
		"remoteJid":            req.RemoteContact,
		"instanceName":         req.Tenant.Name,
		"instanceId":           req.Tenant.ID,
		"serverUrl":            p.serverURL,
		"apiKey":               req.Tenant.Token,
	}
	if next != nil {
		payload["nextStage"] = next.Stage
		payload["nextTouch"] = next.Touch
	}

	slog.Info("workflow: sending follow-up", "endpoint", endpoint, "session", req.SessionID, "stage", step.Stage, "touch", step.Touch)
	data, err := p.post(ctx, bot, endpoint, payload, p.followUpTimeout)
	if err != nil {
		return "", err
	}
	return extractReply(data), nil
}

func (p *WorkflowProvider) mergedPrompt(bot *store.BotBinding, funnelPayload map[string]any) string {
	goal, _ := funnelPayload["goal"].(string)
	logic, _ := funnelPayload["logic"].(string)
	return mergePrompt(strings.TrimSpace(bot.Prompt), goal, logic)
}

func (p *WorkflowProvider) post(ctx context.Context, bot *store.BotBinding, endpoint string, payload any, timeout time.Duration) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("workflow: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch {
	case bot.BasicAuthUser != "" && bot.BasicAuthPass != "":
		httpReq.SetBasicAuth(bot.BasicAuthUser, bot.BasicAuthPass)
	case bot.BearerToken != "":
		httpReq.Header.Set("Authorization", "Bearer "+bot.BearerToken)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("workflow: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workflow: %s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("workflow: decode response: %w", err)
		}
	}
	return data, nil
}

// followUpMessage renders the synthetic continue instruction carrying the
// step's metadata for provider-side evaluation.
func followUpMessage(step *funnel.Step) string {
	return fmt.Sprintf(
		"Follow-up: continue the dialog at stage %d, touch %d. Stage: %s. Touch: %s. Logic: %s. Objective: %s.",
		step.Stage, step.Touch,
		orDash(step.CommonTouchCondition), orDash(step.Condition),
		orDash(step.LogicStage), orDash(step.Objective),
	)
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

// funnelFromDeps pulls the funnel public payload out of the dependency map.
func funnelFromDeps(deps map[string]any, bot *store.BotBinding) (map[string]any, any) {
	payload, _ := deps["funnel"].(map[string]any)
	var funnelID any
	if id, ok := payload["id"].(string); ok && id != "" {
		funnelID = id
	} else if bot.FunnelID != nil {
		funnelID = *bot.FunnelID
	}
	return payload, funnelID
}
