package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polosdev/polos-go/internal/backoffx"
	"github.com/polosdev/polos-go/poloserr"
)

// Client is the typed wrapper over the orchestrator's HTTP surface
// (spec.md §2 component C1, §4.1). All methods classify failures per
// spec.md §7: 5xx/network -> TransientError, 409 -> ConflictError,
// other 4xx -> PermanentError.
type Client interface {
	RegisterWorker(ctx context.Context, req RegisterWorkerRequest) (workerID string, err error)
	MarkOnline(ctx context.Context, workerID string) error
	Heartbeat(ctx context.Context, workerID string) (HeartbeatResult, error)
	PollWork(ctx context.Context, workerID string, maxWorkflows int) ([]SubmitWorkflowResult, error)

	RegisterDeployment(ctx context.Context, deploymentID string) error
	RegisterAgent(ctx context.Context, payload any) error
	RegisterTool(ctx context.Context, payload any) error
	RegisterDeploymentWorkflow(ctx context.Context, req WorkflowRegistration) error
	RegisterQueues(ctx context.Context, deploymentID string, queues []QueueRegistration) error
	RegisterEventTrigger(ctx context.Context, payload any) error
	RegisterSchedule(ctx context.Context, payload any) error

	SubmitWorkflow(ctx context.Context, workflowID string, req SubmitWorkflowRequest) (SubmitWorkflowResult, error)
	SubmitWorkflows(ctx context.Context, workflowID string, reqs []SubmitWorkflowRequest) ([]SubmitWorkflowResult, error)

	GetStepOutput(ctx context.Context, executionID, stepKey string) (*StepRecord, error)
	PutStepOutput(ctx context.Context, executionID, stepKey string, req PutStepOutputRequest) error

	SetWaiting(ctx context.Context, executionID string, req WaitRequest) error
	UpdateOtelSpanID(ctx context.Context, executionID, spanID string) error

	PublishEvents(ctx context.Context, topic string, events []PublishEventInput, executionID, rootExecutionID string) ([]int64, error)
	StreamEvents(ctx context.Context, target StreamTarget, cursor StreamCursor) (EventIterator, error)

	GetExecution(ctx context.Context, executionID string) (*ExecutionStatus, error)
	CancelExecution(ctx context.Context, executionID string) error
	ConfirmCancellation(ctx context.Context, executionID, workerID string) error
	ReportSuccess(ctx context.Context, executionID string, req ReportSuccessRequest) error
	ReportFailure(ctx context.Context, executionID string, req ReportFailureRequest) error

	GetSessionMemory(ctx context.Context, sessionID string) (*SessionMemory, error)
	PutSessionMemory(ctx context.Context, sessionID string, mem SessionMemory) error
	AddConversationHistory(ctx context.Context, sessionID string, messages []json.RawMessage) error
	GetConversationHistory(ctx context.Context, sessionID string, window int) ([]json.RawMessage, error)

	GetActiveWorkerIDs(ctx context.Context) (map[string]struct{}, error)
}

// Options configures an HTTP-backed Client.
type Options struct {
	BaseURL   string
	APIKey    string
	ProjectID string
	// LocalMode bypasses the bearer Authorization header. Valid only when
	// BaseURL targets localhost (enforced by config.Load, not here).
	LocalMode bool
	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client
	// ReportBackoff overrides the completion-report retry policy.
	ReportBackoff backoffx.Policy
}

type httpClient struct {
	opts Options
	hc   *http.Client
}

// New constructs an HTTP Client. The returned client reuses a single
// long-lived *http.Client connection pool, wrapped with otelhttp so
// outbound spans propagate trace context automatically (spec.md §5
// "Shared resources": "The HTTP client is shared process-wide").
func New(opts Options) Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if opts.ReportBackoff == (backoffx.Policy{}) {
		opts.ReportBackoff = backoffx.Default
	}
	return &httpClient{opts: opts, hc: opts.HTTPClient}
}

func (c *httpClient) url(format string, args ...any) string {
	return strings.TrimRight(c.opts.BaseURL, "/") + fmt.Sprintf(format, args...)
}

// do issues one HTTP request and decodes the JSON response into out (if
// non-nil), classifying failures per spec.md §7.
func (c *httpClient) do(ctx context.Context, method, url string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return poloserr.New(poloserr.KindValidation, "orchestrator: marshal request: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return poloserr.Wrap(poloserr.KindPermanent, err, "orchestrator: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Project-ID", c.opts.ProjectID)
	if !c.opts.LocalMode && c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "orchestrator: %s %s", method, url)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "orchestrator: read response")
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return poloserr.New(poloserr.KindConflict, "orchestrator: %s %s: conflict (409): %s", method, url, string(raw))
	case resp.StatusCode >= 500:
		return poloserr.New(poloserr.KindTransient, "orchestrator: %s %s: server error (%d): %s", method, url, resp.StatusCode, string(raw))
	case resp.StatusCode >= 400:
		return poloserr.New(poloserr.KindPermanent, "orchestrator: %s %s: client error (%d): %s", method, url, resp.StatusCode, string(raw))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return poloserr.Wrap(poloserr.KindTransient, err, "orchestrator: decode response")
	}
	return nil
}

func (c *httpClient) RegisterWorker(ctx context.Context, req RegisterWorkerRequest) (string, error) {
	var out struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.url("/workers/register"), req, &out); err != nil {
		return "", err
	}
	return out.WorkerID, nil
}

func (c *httpClient) MarkOnline(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, c.url("/workers/%s/online", workerID), nil, nil)
}

func (c *httpClient) Heartbeat(ctx context.Context, workerID string) (HeartbeatResult, error) {
	var out HeartbeatResult
	err := c.do(ctx, http.MethodPost, c.url("/workers/%s/heartbeat", workerID), nil, &out)
	return out, err
}

func (c *httpClient) PollWork(ctx context.Context, workerID string, maxWorkflows int) ([]SubmitWorkflowResult, error) {
	var out []SubmitWorkflowResult
	url := c.url("/workers/%s/poll?max=%d", workerID, maxWorkflows)
	err := c.do(ctx, http.MethodGet, url, nil, &out)
	return out, err
}

func (c *httpClient) RegisterDeployment(ctx context.Context, deploymentID string) error {
	body := map[string]string{"deployment_id": deploymentID}
	return c.do(ctx, http.MethodPost, c.url("/deployments"), body, nil)
}

func (c *httpClient) RegisterAgent(ctx context.Context, payload any) error {
	return c.do(ctx, http.MethodPost, c.url("/agents"), payload, nil)
}

func (c *httpClient) RegisterTool(ctx context.Context, payload any) error {
	return c.do(ctx, http.MethodPost, c.url("/tools"), payload, nil)
}

func (c *httpClient) RegisterDeploymentWorkflow(ctx context.Context, req WorkflowRegistration) error {
	return c.do(ctx, http.MethodPost, c.url("/deployments/%s/workflows", req.DeploymentID), req, nil)
}

func (c *httpClient) RegisterQueues(ctx context.Context, deploymentID string, queues []QueueRegistration) error {
	body := map[string]any{"queues": queues}
	return c.do(ctx, http.MethodPost, c.url("/deployments/%s/queues", deploymentID), body, nil)
}

func (c *httpClient) RegisterEventTrigger(ctx context.Context, payload any) error {
	return c.do(ctx, http.MethodPost, c.url("/event-triggers"), payload, nil)
}

func (c *httpClient) RegisterSchedule(ctx context.Context, payload any) error {
	return c.do(ctx, http.MethodPost, c.url("/schedules"), payload, nil)
}

func (c *httpClient) SubmitWorkflow(ctx context.Context, workflowID string, req SubmitWorkflowRequest) (SubmitWorkflowResult, error) {
	req.WorkflowID = workflowID
	var out SubmitWorkflowResult
	err := c.do(ctx, http.MethodPost, c.url("/workflows/%s/executions", workflowID), req, &out)
	return out, err
}

func (c *httpClient) SubmitWorkflows(ctx context.Context, workflowID string, reqs []SubmitWorkflowRequest) ([]SubmitWorkflowResult, error) {
	for i := range reqs {
		reqs[i].WorkflowID = workflowID
	}
	var out []SubmitWorkflowResult
	err := c.do(ctx, http.MethodPost, c.url("/workflows/%s/executions/batch", workflowID), reqs, &out)
	return out, err
}

func (c *httpClient) GetStepOutput(ctx context.Context, executionID, stepKey string) (*StepRecord, error) {
	url := c.url("/executions/%s/steps/%s", executionID, stepKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindPermanent, err, "orchestrator: build request")
	}
	req.Header.Set("X-Project-ID", c.opts.ProjectID)
	if !c.opts.LocalMode && c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindTransient, err, "orchestrator: GET %s", url)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindTransient, err, "orchestrator: read response")
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, poloserr.New(poloserr.KindConflict, "orchestrator: GET %s: conflict: %s", url, string(raw))
	case resp.StatusCode >= 500:
		return nil, poloserr.New(poloserr.KindTransient, "orchestrator: GET %s: server error (%d): %s", url, resp.StatusCode, string(raw))
	case resp.StatusCode >= 400:
		return nil, poloserr.New(poloserr.KindPermanent, "orchestrator: GET %s: client error (%d): %s", url, resp.StatusCode, string(raw))
	}
	var out StepRecord
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, poloserr.Wrap(poloserr.KindTransient, err, "orchestrator: decode step record")
	}
	return &out, nil
}

func (c *httpClient) PutStepOutput(ctx context.Context, executionID, stepKey string, req PutStepOutputRequest) error {
	url := c.url("/executions/%s/steps/%s", executionID, stepKey)
	return c.do(ctx, http.MethodPut, url, req, nil)
}

func (c *httpClient) SetWaiting(ctx context.Context, executionID string, req WaitRequest) error {
	return c.do(ctx, http.MethodPut, c.url("/executions/%s/wait", executionID), req, nil)
}

func (c *httpClient) UpdateOtelSpanID(ctx context.Context, executionID, spanID string) error {
	body := map[string]string{"span_id": spanID}
	return c.do(ctx, http.MethodPut, c.url("/executions/%s/otel-span", executionID), body, nil)
}

func (c *httpClient) PublishEvents(ctx context.Context, topic string, events []PublishEventInput, executionID, rootExecutionID string) ([]int64, error) {
	body := map[string]any{
		"events":            events,
		"execution_id":      executionID,
		"root_execution_id": rootExecutionID,
	}
	var out struct {
		SequenceIDs []int64 `json:"sequence_ids"`
	}
	err := c.do(ctx, http.MethodPost, c.url("/topics/%s/events", topic), body, &out)
	return out.SequenceIDs, err
}

func (c *httpClient) GetExecution(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	var out ExecutionStatus
	err := c.do(ctx, http.MethodGet, c.url("/executions/%s", executionID), nil, &out)
	return &out, err
}

func (c *httpClient) CancelExecution(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, c.url("/executions/%s/cancel", executionID), nil, nil)
}

func (c *httpClient) ConfirmCancellation(ctx context.Context, executionID, workerID string) error {
	body := map[string]string{"worker_id": workerID}
	do := func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, c.url("/executions/%s/cancel/confirm", executionID), body, nil)
	}
	return c.opts.ReportBackoff.Do(ctx, do)
}

func (c *httpClient) ReportSuccess(ctx context.Context, executionID string, req ReportSuccessRequest) error {
	do := func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, c.url("/executions/%s/success", executionID), req, nil)
	}
	err := c.opts.ReportBackoff.Do(ctx, do)
	if poloserr.Conflict(err) {
		// Execution reassigned: drop silently per spec.md §7.
		return nil
	}
	return err
}

func (c *httpClient) ReportFailure(ctx context.Context, executionID string, req ReportFailureRequest) error {
	do := func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, c.url("/executions/%s/failure", executionID), req, nil)
	}
	err := c.opts.ReportBackoff.Do(ctx, do)
	if poloserr.Conflict(err) {
		return nil
	}
	return err
}

func (c *httpClient) GetSessionMemory(ctx context.Context, sessionID string) (*SessionMemory, error) {
	var out SessionMemory
	err := c.do(ctx, http.MethodGet, c.url("/sessions/%s/memory", sessionID), nil, &out)
	return &out, err
}

func (c *httpClient) PutSessionMemory(ctx context.Context, sessionID string, mem SessionMemory) error {
	return c.do(ctx, http.MethodPut, c.url("/sessions/%s/memory", sessionID), mem, nil)
}

func (c *httpClient) AddConversationHistory(ctx context.Context, sessionID string, messages []json.RawMessage) error {
	body := map[string]any{"messages": messages}
	return c.do(ctx, http.MethodPost, c.url("/sessions/%s/history", sessionID), body, nil)
}

func (c *httpClient) GetConversationHistory(ctx context.Context, sessionID string, window int) ([]json.RawMessage, error) {
	var out []json.RawMessage
	url := c.url("/sessions/%s/history?window=%d", sessionID, window)
	err := c.do(ctx, http.MethodGet, url, nil, &out)
	return out, err
}

func (c *httpClient) GetActiveWorkerIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := c.do(ctx, http.MethodGet, c.url("/workers/active"), nil, &ids); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
