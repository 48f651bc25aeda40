package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/funnel"
	"github.com/nextlevelbuilder/funnelgate/internal/store"
)

// AgentRuntimeProvider posts to an agent-runtime endpoint (agno-style).
// A bot with a webhook URL gets a JSON POST with an inline base64 attachment;
// otherwise the call goes multipart to {base}/agents/{id}/runs on the bot's
// per-tenant port.
type AgentRuntimeProvider struct {
	cfg    AgentRuntimeConfig
	client *http.Client
}

// AgentRuntimeConfig tunes the agent-runtime adapter.
type AgentRuntimeConfig struct {
	BaseURL        string
	DefaultAgentID string
	DefaultPort    int
	Timeout        time.Duration
}

func NewAgentRuntimeProvider(cfg AgentRuntimeConfig) *AgentRuntimeProvider {
	cfg.Timeout = boundedTimeout(cfg.Timeout, 120*time.Second)
	return &AgentRuntimeProvider{cfg: cfg, client: &http.Client{}}
}

func (p *AgentRuntimeProvider) Kind() string { return store.KindAgentRuntime }

func (p *AgentRuntimeProvider) SendMessage(ctx context.Context, bot *store.BotBinding, req *Request) (string, error) {
	endpoint, webhook, err := p.resolveEndpoint(bot)
	if err != nil {
		return "", err
	}

	deps := req.Dependencies
	p.logRequest(endpoint, req.Message, req, deps)

	if webhook {
		return p.postJSON(ctx, endpoint, req, req.Message, deps)
	}
	return p.postMultipart(ctx, endpoint, req, req.Message, deps)
}

func (p *AgentRuntimeProvider) SendFollowUp(ctx context.Context, bot *store.BotBinding, req *Request, step, next *funnel.Step) (string, error) {
	endpoint, webhook, err := p.resolveEndpoint(bot)
	if err != nil {
		return "", err
	}
	if step == nil {
		return "", fmt.Errorf("agentruntime follow-up: nil step")
	}

	deps := followUpDependencies(req.Dependencies, step, next)
	const message = "continue"
	p.logRequest(endpoint, message, req, deps)

	// Follow-ups never carry attachments.
	followUpReq := *req
	followUpReq.Attachment = nil

	if webhook {
		return p.postJSON(ctx, endpoint, &followUpReq, message, deps)
	}
	return p.postMultipart(ctx, endpoint, &followUpReq, message, deps)
}

// resolveEndpoint returns the target URL and whether webhook mode is active.
func (p *AgentRuntimeProvider) resolveEndpoint(bot *store.BotBinding) (string, bool, error) {
	if webhookURL := strings.TrimRight(strings.TrimSpace(bot.WebhookURL), "/"); webhookURL != "" {
		return webhookURL, true, nil
	}

	base := strings.TrimSpace(p.cfg.BaseURL)
	if base == "" {
		return "", false, &ErrNotConfigured{Reason: "agent runtime base url is empty"}
	}
	agentID := strings.TrimSpace(bot.AgentID)
	if agentID == "" {
		agentID = strings.TrimSpace(p.cfg.DefaultAgentID)
	}
	if agentID == "" {
		return "", false, &ErrNotConfigured{Reason: "agent id is empty"}
	}

	port := bot.AgentPort
	if port <= 0 {
		port = p.cfg.DefaultPort
	}
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		if port > 0 {
			u.Host = u.Hostname() + ":" + strconv.Itoa(port)
		}
		base = strings.TrimRight(u.String(), "/")
	} else {
		base = strings.TrimRight(base, "/")
	}

	return base + "/agents/" + url.PathEscape(agentID) + "/runs", false, nil
}

func (p *AgentRuntimeProvider) postJSON(ctx context.Context, endpoint string, req *Request, message string, deps map[string]any) (string, error) {
	payload := map[string]any{
		"message":       message,
		"stream":        false,
		"session_id":    req.SessionID,
		"user_id":       req.UserID,
		"session_state": req.SessionState,
		"dependencies":  deps,
		"attachment":    nil,
	}
	if req.Attachment != nil {
		payload["attachment"] = map[string]any{
			"filename":     req.Attachment.Filename,
			"content_type": req.Attachment.ContentType,
			"base64":       base64.StdEncoding.EncodeToString(req.Attachment.Data),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("agentruntime: marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("agentruntime: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return p.do(httpReq, endpoint)
}

func (p *AgentRuntimeProvider) postMultipart(ctx context.Context, endpoint string, req *Request, message string, deps map[string]any) (string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	fields := map[string]string{
		"message":    message,
		"stream":     "false",
		"session_id": req.SessionID,
		"user_id":    req.UserID,
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return "", fmt.Errorf("agentruntime: write field %s: %w", name, err)
		}
	}
	for name, value := range map[string]any{"session_state": req.SessionState, "dependencies": deps} {
		raw, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("agentruntime: marshal %s: %w", name, err)
		}
		if err := form.WriteField(name, string(raw)); err != nil {
			return "", fmt.Errorf("agentruntime: write field %s: %w", name, err)
		}
	}
	if req.Attachment != nil {
		part, err := form.CreateFormFile("files", req.Attachment.Filename)
		if err != nil {
			return "", fmt.Errorf("agentruntime: attach file: %w", err)
		}
		if _, err := part.Write(req.Attachment.Data); err != nil {
			return "", fmt.Errorf("agentruntime: write file: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("agentruntime: close form: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("agentruntime: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	return p.do(httpReq, endpoint)
}

func (p *AgentRuntimeProvider) do(httpReq *http.Request, endpoint string) (string, error) {
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("agentruntime: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("agentruntime: %s returned %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return "", fmt.Errorf("agentruntime: decode response: %w", err)
		}
	}
	slog.Debug("agentruntime: response", "endpoint", endpoint, "status", resp.StatusCode)
	return extractReply(data), nil
}

func (p *AgentRuntimeProvider) logRequest(endpoint, message string, req *Request, deps map[string]any) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attachment := any(nil)
	if req.Attachment != nil {
		attachment = map[string]any{
			"filename":    req.Attachment.Filename,
			"contentType": req.Attachment.ContentType,
			"size":        len(req.Attachment.Data),
		}
	}
	slog.Debug("agentruntime: request",
		"endpoint", endpoint,
		"message", message,
		"session", req.SessionID,
		"user", req.UserID,
		"dependencies", redactDependencies(deps),
		"attachment", attachment,
	)
}

// followUpDependencies layers the step metadata over the base dependency
// payload for provider-side lookahead.
func followUpDependencies(base map[string]any, step, next *funnel.Step) map[string]any {
	deps := make(map[string]any, len(base)+11)
	for k, v := range base {
		deps[k] = v
	}
	deps["event"] = "followup"
	deps["stage"] = step.Stage
	deps["touch"] = step.Touch
	deps["delayMin"] = step.DelayMin
	deps["condition"] = step.Condition
	deps["logicStage"] = step.LogicStage
	deps["commonTouchCondition"] = step.CommonTouchCondition
	deps["objective"] = step.Objective
	deps["title"] = step.Title
	deps["nextStage"] = nil
	deps["nextTouch"] = nil
	if next != nil {
		deps["nextStage"] = next.Stage
		deps["nextTouch"] = next.Touch
	}
	return deps
}

// redactDependencies masks key material before the payload reaches logs.
func redactDependencies(deps map[string]any) map[string]any {
	sanitized := make(map[string]any, len(deps))
	for k, v := range deps {
		sanitized[k] = v
	}
	if v, ok := sanitized["llm_api_key"]; ok && v != nil && v != "" {
		sanitized["llm_api_key"] = "[REDACTED]"
	}
	return sanitized
}
