package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/replfleet/replfleet/infrastructure/errors"
)

func resolveTo(url string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return url, nil }
}

func TestBuildCommandWithoutDependencies(t *testing.T) {
	image, command := buildCommand(ExecutionRequest{Language: "python", Code: "print(1)"})
	assert.Equal(t, "python:3.11-slim", image)
	assert.Equal(t, []string{"python", "-c", "print(1)"}, command)
}

func TestBuildCommandWithDependenciesWrapsInShell(t *testing.T) {
	image, command := buildCommand(ExecutionRequest{
		Language:     "python",
		Code:         "import requests",
		Dependencies: []string{"requests"},
	})
	assert.Equal(t, "python:3.11-slim", image)
	require.Len(t, command, 3)
	assert.Equal(t, "sh", command[0])
	assert.Equal(t, "-c", command[1])
	assert.Contains(t, command[2], "pip install --quiet requests &&")
}

func TestBuildCommandGoEmbedsCodeAsHeredoc(t *testing.T) {
	image, command := buildCommand(ExecutionRequest{Language: "go", Code: `package main`})
	assert.Equal(t, "golang:1.22-alpine", image)
	require.Len(t, command, 3)
	assert.Contains(t, command[2], "cat > /t.go <<'REPLFLEET_EOF'")
	assert.Contains(t, command[2], "go run /t.go")
}

func TestServiceExecuteForwardsToOrchestratorAndReportsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/containers/create", r.URL.Path)
		var body orchestratorRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "python:3.11-slim", body.Image)

		_ = json.NewEncoder(w).Encode(orchestratorResponse{
			ID:      "c1",
			Message: "exited 0",
			Output:  "hello\n",
		})
	}))
	defer srv.Close()

	svc := NewService(resolveTo(srv.URL), srv.Client(), nil, nil)
	resp, err := svc.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "print('hello')"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "hello\n", resp.Result)
}

func TestServiceExecuteReportsFailureOnNonZeroExit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(orchestratorResponse{ID: "c1", Message: "exited 1", Output: "boom"})
	}))
	defer srv.Close()

	svc := NewService(resolveTo(srv.URL), srv.Client(), nil, nil)
	resp, err := svc.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "raise"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "boom", resp.Result)
}

func TestServiceExecuteRejectsInvalidRequestBeforeCallingOrchestrator(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	svc := NewService(resolveTo(srv.URL), srv.Client(), nil, nil)
	_, err := svc.Execute(context.Background(), ExecutionRequest{Language: "cobol", Code: "x"})
	require.Error(t, err)
	assert.False(t, called)
}

func TestServiceExecutePropagatesDiscoveryFailure(t *testing.T) {
	svc := NewService(func(context.Context) (string, error) {
		return "", assertErr{}
	}, nil, nil, nil)

	_, err := svc.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "pass"})
	require.Error(t, err)
	assert.Equal(t, svcerrors.ErrCodeDiscoveryFailed, svcerrors.GetServiceError(err).Code)
}

func TestServiceExecuteSurfacesUpstreamServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewService(resolveTo(srv.URL), srv.Client(), nil, nil)
	_, err := svc.Execute(context.Background(), ExecutionRequest{Language: "python", Code: "pass"})
	require.Error(t, err)
	assert.Equal(t, svcerrors.ErrCodeUpstream, svcerrors.GetServiceError(err).Code)
}

func TestServiceExecuteStreamCopiesBytesVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/containers/create/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: line one\n\n"))
		_, _ = w.Write([]byte("event: done\ndata: exited 0\n\n"))
	}))
	defer srv.Close()

	svc := NewService(resolveTo(srv.URL), srv.Client(), nil, nil)
	var out bytes.Buffer
	err := svc.ExecuteStream(context.Background(), ExecutionRequest{Language: "python", Code: "pass"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "data: line one\n\nevent: done\ndata: exited 0\n\n", out.String())
}

type assertErr struct{}

func (assertErr) Error() string { return "discovery boom" }
