package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/logging"
	"codeplane/internal/types"

	"github.com/google/uuid"
)

// DefaultDispatchTimeout bounds one outbound task dispatch.
const DefaultDispatchTimeout = 60 * time.Second

// TaskDispatch is the body sent to an external agent's /task endpoint.
type TaskDispatch struct {
	TaskID    uuid.UUID              `json:"task_id"`
	SessionID uuid.UUID              `json:"session_id"`
	Prompt    string                 `json:"prompt"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// TaskDispatchResult is an external agent's synchronous answer.
type TaskDispatchResult struct {
	Outcome   string                 `json:"outcome"` // success, failure, partial
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Artifacts []types.TaskArtifact   `json:"artifacts,omitempty"`
}

// Dispatcher delivers tasks to external agents over their registered
// endpoints.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	log     *logging.Logger
}

// NewDispatcher builds a Dispatcher with the given per-call timeout.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		log:     logging.Get(logging.CategoryAgent),
	}
}

// Dispatch sends a task to an external agent and decodes the synchronous
// response. The agent authenticates us by the X-Agent-Token header carrying
// its registration token.
func (d *Dispatcher) Dispatch(ctx context.Context, a *types.Agent, task TaskDispatch) (*TaskDispatchResult, error) {
	if !a.IsExternal || a.Endpoint == "" {
		return nil, apperrors.New(apperrors.CodeValidation,
			"agent %s is not dispatchable externally", a.Name)
	}

	body, err := json.Marshal(task)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to encode dispatch")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/task", a.Endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to build dispatch request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Token", a.AuthToken)

	d.log.Debug("dispatching task %s to %s", task.TaskID, a.Endpoint)
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Wrap(apperrors.CodeTimeout, err,
				"agent %s did not answer within %s", a.Name, d.timeout)
		}
		return nil, apperrors.Wrap(apperrors.CodeExecutorFailed, err,
			"dispatch to agent %s failed", a.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperrors.New(apperrors.CodeExecutorFailed,
			"agent %s answered %d: %s", a.Name, resp.StatusCode, string(payload))
	}

	var result TaskDispatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExecutorFailed, err,
			"agent %s returned an undecodable response", a.Name)
	}
	return &result, nil
}
