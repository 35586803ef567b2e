package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	svcerrors "github.com/replfleet/replfleet/infrastructure/errors"
	"github.com/replfleet/replfleet/infrastructure/logging"
)

// orchestratorRequest mirrors the Orchestrator's POST /api/containers/create
// body (spec.md §6). Kept local rather than imported from internal/orchestrator
// since the two communicate only over HTTP, never in-process.
type orchestratorRequest struct {
	Image   string   `json:"image"`
	Command []string `json:"command"`
}

type orchestratorResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Output  string `json:"output"`
}

var exitedPattern = regexp.MustCompile(`^exited (-?\d+)$`)

// Service validates and forwards executions to the Orchestrator, discovered
// fresh on every call (spec.md §4.4 Discovery).
type Service struct {
	resolve    func(ctx context.Context) (string, error)
	httpClient *http.Client
	validator  *Validator
	logger     *logging.Logger
}

// NewService builds a Service. resolve typically wraps discovery.Client.Resolve
// bound to "orchestrator" with an ORCHESTRATOR_URL fallback baked in.
func NewService(resolve func(ctx context.Context) (string, error), httpClient *http.Client, validator *Validator, logger *logging.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * DefaultExecutionTimeout}
	}
	if validator == nil {
		validator = NewValidator(nil)
	}
	if logger == nil {
		logger = logging.NewFromEnv("gateway")
	}
	return &Service{resolve: resolve, httpClient: httpClient, validator: validator, logger: logger}
}

// DefaultExecutionTimeout mirrors the Orchestrator's MAX_EXECUTION_TIME; the
// Gateway's HTTP client timeout is 2x that for the long-poll path (spec.md §5).
const DefaultExecutionTimeout = 30 * time.Second

// buildCommand renders req into the image and shell command the language
// mapping table describes (spec.md §4.4).
func buildCommand(req ExecutionRequest) (image string, command []string) {
	spec := languageSpecs[req.Language]
	args := spec.InterpreterArgs(req.Code)

	if len(req.Dependencies) == 0 {
		return spec.Image, args
	}

	prelude := spec.DepsPrelude(req.Dependencies)
	invocation := shellQuoteJoin(args)
	return spec.Image, []string{"sh", "-c", prelude + " " + invocation}
}

func shellQuoteJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

// Execute validates req, forwards it to the Orchestrator, and returns the
// non-streaming result (spec.md §4.4 Execute).
func (s *Service) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResponse, error) {
	req = Normalize(req)
	if err := s.validator.Validate(req); err != nil {
		return ExecutionResponse{}, err
	}

	base, err := s.resolve(ctx)
	if err != nil {
		return ExecutionResponse{}, svcerrors.DiscoveryFailed("orchestrator", err)
	}

	image, command := buildCommand(req)
	body, err := json.Marshal(orchestratorRequest{Image: image, Command: command})
	if err != nil {
		return ExecutionResponse{}, svcerrors.Internal("marshal orchestrator request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/containers/create", bytes.NewReader(body))
	if err != nil {
		return ExecutionResponse{}, svcerrors.Internal("build orchestrator request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return ExecutionResponse{}, svcerrors.Upstream("orchestrator", 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		s.logger.WithError(fmt.Errorf("orchestrator returned %d", resp.StatusCode)).Warn("orchestrator upstream error")
		return ExecutionResponse{}, svcerrors.Upstream("orchestrator", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusRequestTimeout {
		return ExecutionResponse{}, svcerrors.Timeout("execution")
	}
	if resp.StatusCode != http.StatusOK {
		return ExecutionResponse{}, svcerrors.Upstream("orchestrator", resp.StatusCode)
	}

	var out orchestratorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExecutionResponse{}, svcerrors.Internal("decode orchestrator response", err)
	}

	return ExecutionResponse{Result: out.Output, Success: exitedZero(out.Message)}, nil
}

// ExecuteStream validates req, then pipes the Orchestrator's SSE stream
// byte-for-byte into out, without reparsing or buffering more than one
// write's worth of bytes (spec.md §4.4 SSE forwarding). The returned error,
// if any, should be surfaced to the client as an SSE error frame by the
// caller rather than an HTTP status, since headers are already flushed.
func (s *Service) ExecuteStream(ctx context.Context, req ExecutionRequest, out io.Writer) error {
	req = Normalize(req)
	if err := s.validator.Validate(req); err != nil {
		return err
	}

	base, err := s.resolve(ctx)
	if err != nil {
		return svcerrors.DiscoveryFailed("orchestrator", err)
	}

	image, command := buildCommand(req)
	body, err := json.Marshal(orchestratorRequest{Image: image, Command: command})
	if err != nil {
		return svcerrors.Internal("marshal orchestrator request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/containers/create/stream", bytes.NewReader(body))
	if err != nil {
		return svcerrors.Internal("build orchestrator request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return svcerrors.Upstream("orchestrator", 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return svcerrors.Upstream("orchestrator", resp.StatusCode)
	}

	_, err = io.Copy(out, resp.Body)
	return err
}

func exitedZero(message string) bool {
	m := exitedPattern.FindStringSubmatch(message)
	if m == nil {
		return false
	}
	code, err := strconv.Atoi(m[1])
	return err == nil && code == 0
}
