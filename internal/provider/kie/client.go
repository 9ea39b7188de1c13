// Package kie adapts the KIE jobs API (createTask / recordInfo) to provider.TaskProvider.
package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/NeuroMeter/internal/provider"
)

const Name = "kie"

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

var _ provider.TaskProvider = (*Client)(nil)

func NewClient(apiKey, baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) Name() string { return Name }

// CreateTask создает задачу и возвращает taskId.
func (c *Client) CreateTask(ctx context.Context, modelID string, input provider.Input) (string, error) {
	params := make(map[string]any, len(input.Params)+1)
	for k, v := range input.Params {
		params[k] = v
	}
	params["prompt"] = input.Prompt

	body, err := json.Marshal(map[string]any{
		"model": modelID,
		"input": params,
	})
	if err != nil {
		return "", provider.Permanent(Name, fmt.Errorf("marshal payload: %w", err))
	}

	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", provider.Permanent(Name, err)
	}
	c.log.Info("creating KIE task", "url", fullURL, "model", modelID)

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, fullURL, body, &createResp); err != nil {
		return "", err
	}
	if createResp.Code != http.StatusOK {
		return "", classifyCode(createResp.Code, fmt.Errorf("create task failed: code=%d msg=%s", createResp.Code, createResp.Msg))
	}
	if createResp.Data.TaskID == "" {
		return "", provider.Transient(Name, errors.New("empty taskId in response"))
	}

	c.log.Info("KIE task created", "task_id", createResp.Data.TaskID, "model", modelID)
	return createResp.Data.TaskID, nil
}

// PollTask делает один запрос статуса; ожидание между опросами остается вызывающему.
func (c *Client) PollTask(ctx context.Context, taskID string) (provider.TaskResult, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", url.Values{"taskId": {taskID}})
	if err != nil {
		return provider.TaskResult{}, provider.Permanent(Name, err)
	}

	var statusResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID     string `json:"taskId"`
			State      string `json:"state"`
			ResultJSON string `json:"resultJson"`
			FailCode   string `json:"failCode"`
			FailMsg    string `json:"failMsg"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, fullURL, nil, &statusResp); err != nil {
		return provider.TaskResult{}, err
	}
	if statusResp.Code != http.StatusOK {
		return provider.TaskResult{}, classifyCode(statusResp.Code, fmt.Errorf("get task status failed: code=%d msg=%s", statusResp.Code, statusResp.Msg))
	}

	switch state := statusResp.Data.State; state {
	case "success":
		resultURL, err := firstResultURL(statusResp.Data.ResultJSON)
		if err != nil {
			return provider.TaskResult{State: provider.TaskFailed, ErrorMessage: err.Error()}, nil
		}
		c.log.Info("KIE task completed", "task_id", taskID)
		return provider.TaskResult{State: provider.TaskSuccess, ResultURL: resultURL}, nil

	case "fail":
		failMsg := statusResp.Data.FailMsg
		if failMsg == "" {
			failMsg = "unknown error"
		}
		c.log.Error("KIE task failed", "task_id", taskID, "fail_code", statusResp.Data.FailCode, "fail_msg", failMsg)
		return provider.TaskResult{
			State:        provider.TaskFailed,
			ErrorMessage: fmt.Sprintf("task failed: %s (code: %s)", failMsg, statusResp.Data.FailCode),
			Retryable:    retryableFailCode(statusResp.Data.FailCode),
		}, nil

	case "waiting", "generating", "processing", "queued", "queueing":
		return provider.TaskResult{State: provider.TaskRunning}, nil

	default:
		return provider.TaskResult{}, provider.Transient(Name, fmt.Errorf("unknown task state: %s", state))
	}
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	// Правильно объединяем URL
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	return baseURL.ResolveReference(endpoint).String(), nil
}

func (c *Client) do(ctx context.Context, method, fullURL string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return provider.Permanent(Name, fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Transient(Name, fmt.Errorf("%s kie: %w", strings.ToLower(method), err))
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Transient(Name, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode >= 300 {
		c.log.Error("KIE request failed", "status", resp.StatusCode, "url", fullURL, "body", truncateBody(rawBody))
		return classifyCode(resp.StatusCode, fmt.Errorf("kie error: status=%d url=%s body=%s", resp.StatusCode, fullURL, truncateBody(rawBody)))
	}

	if err := json.Unmarshal(rawBody, out); err != nil {
		return provider.Transient(Name, fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(rawBody)))
	}
	return nil
}

// classifyCode treats throttling and server-side codes as retryable and every other client error as final.
func classifyCode(code int, err error) error {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return provider.Transient(Name, err)
	}
	if code >= 400 {
		return provider.Permanent(Name, err)
	}
	return provider.Transient(Name, err)
}

func retryableFailCode(failCode string) bool {
	switch failCode {
	case "429", "500", "501", "502", "503", "504":
		return true
	}
	return false
}

func firstResultURL(resultJSON string) (string, error) {
	if resultJSON == "" {
		return "", errors.New("empty resultJson in success response")
	}
	var result struct {
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return "", fmt.Errorf("parse resultJson: %w", err)
	}
	if len(result.ResultURLs) == 0 {
		return "", errors.New("no resultUrls in result")
	}
	return result.ResultURLs[0], nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
