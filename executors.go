package stepflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// Names the built-in executors register under. AddServiceCall, AddScript and
// AddEmail reference these; hosts may register their own implementations
// under the same names to replace the built-ins.
const (
	ExecutorHTTP   = "http"
	ExecutorScript = "script"
	ExecutorEmail  = "email"
	ExecutorNoop   = "noop"
)

// RegisterBuiltinExecutors installs the built-in executors on an engine.
// LocalRunner and the bundles call this for you.
func RegisterBuiltinExecutors(eng Engine) error {
	builtins := map[string]api.StepExecutor{
		ExecutorHTTP:   NewHTTPExecutor(nil),
		ExecutorScript: ScriptExecutor{},
		ExecutorEmail:  NewEmailExecutor(nil),
		ExecutorNoop:   NoopExecutor{},
	}
	for name, ex := range builtins {
		if err := eng.RegisterNamedExecutor(name, ex); err != nil {
			return err
		}
	}
	return nil
}

// NoopExecutor succeeds without doing anything. Useful as a placeholder in
// examples and tests.
type NoopExecutor struct{}

var _ api.StepExecutor = NoopExecutor{}

func (NoopExecutor) Execute(ctx context.Context, ec api.ExecutionContext) (api.ExecutionResult, error) {
	return api.Success(nil), nil
}

// HTTPExecutor performs SERVICE_CALL steps: it sends the step input as a
// JSON body to the configured URL and merges a JSON response object back
// into the instance context under "response".
type HTTPExecutor struct {
	client *http.Client
}

var _ api.StepExecutor = (*HTTPExecutor)(nil)

// NewHTTPExecutor wraps the given client; nil means http.DefaultClient.
// Per-attempt deadlines come from the step timeout through ctx, so the
// client itself needs no Timeout.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Execute(ctx context.Context, ec api.ExecutionContext) (api.ExecutionResult, error) {
	url := ec.Step.ConfigString(api.ConfigKeyURL)
	if url == "" {
		return api.ExecutionResult{}, api.NewConfigurationError(ec.Step.Name, "service call requires a target URL")
	}
	method := ec.Step.ConfigString(api.ConfigKeyMethod)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(ec.Input) > 0 && method != http.MethodGet {
		payload, err := json.Marshal(ec.Input)
		if err != nil {
			return api.ExecutionResult{}, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return api.ExecutionResult{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return api.ExecutionResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return api.ExecutionResult{}, err
	}
	if resp.StatusCode >= 400 {
		return api.ExecutionResult{}, fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}

	output := map[string]any{"statusCode": resp.StatusCode}
	var parsed map[string]any
	if json.Unmarshal(data, &parsed) == nil {
		output["response"] = parsed
	} else if len(data) > 0 {
		output["response"] = string(data)
	}
	return api.Success(output), nil
}

// ScriptExecutor runs SCRIPT steps: the configured script is interpreted as
// a Go expression over `vars map[string]interface{}` and its result is
// stored in the instance context under "result". A fresh interpreter per
// execution keeps scripts from leaking state into one another.
type ScriptExecutor struct{}

var _ api.StepExecutor = ScriptExecutor{}

func (ScriptExecutor) Execute(ctx context.Context, ec api.ExecutionContext) (res api.ExecutionResult, err error) {
	script := ec.Step.ConfigString(api.ConfigKeyScript)
	if script == "" {
		return api.ExecutionResult{}, api.NewConfigurationError(ec.Step.Name, "script step requires a script body")
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script step %s: %v", ec.Step.Name, r)
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return api.ExecutionResult{}, fmt.Errorf("script step %s: %w", ec.Step.Name, err)
	}

	v, err := i.Eval("func(vars map[string]interface{}) interface{} { return " + script + " }")
	if err != nil {
		return api.ExecutionResult{}, fmt.Errorf("script step %s: %w", ec.Step.Name, err)
	}
	fn, ok := v.Interface().(func(map[string]interface{}) interface{})
	if !ok {
		return api.ExecutionResult{}, fmt.Errorf("script step %s: script did not produce a callable expression", ec.Step.Name)
	}

	vars := ec.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return api.Success(map[string]any{"result": fn(vars)}), nil
}

// EmailExecutor logs EMAIL steps instead of sending anything. It stands in
// for a host-provided mail integration; register your own executor under
// ExecutorEmail to actually deliver.
type EmailExecutor struct {
	logger *slog.Logger
}

var _ api.StepExecutor = (*EmailExecutor)(nil)

// NewEmailExecutor logs through the given logger; nil means slog.Default.
func NewEmailExecutor(logger *slog.Logger) *EmailExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailExecutor{logger: logger}
}

func (e *EmailExecutor) Execute(ctx context.Context, ec api.ExecutionContext) (api.ExecutionResult, error) {
	to := ec.Step.ConfigString(api.ConfigKeyRecipient)
	subject := ec.Step.ConfigString(api.ConfigKeySubject)
	if to == "" || subject == "" {
		return api.ExecutionResult{}, api.NewConfigurationError(ec.Step.Name, "email step requires a recipient and a subject")
	}

	e.logger.InfoContext(ctx, "email dispatched",
		"instance", ec.InstanceID,
		"step", ec.Step.Name,
		"to", to,
		"subject", subject)

	return api.Success(map[string]any{
		"emailSent": true,
		"to":        strings.TrimSpace(to),
		"subject":   subject,
	}), nil
}
