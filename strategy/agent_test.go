package strategy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepansarkar03/streamverse/engine"
	"github.com/deepansarkar03/streamverse/source"
	"github.com/deepansarkar03/streamverse/store"
)

// fakeAgent serves the import start/poll/cancel contract with scripted
// poll responses.
type fakeAgent struct {
	t      *testing.T
	secret string
	polls  []store.JobRecord

	mu        sync.Mutex
	started   Request
	pollCount int
	cancelled bool
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.secret != "" && r.Header.Get(SecretHeader) != a.secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/imports":
		if err := json.NewDecoder(r.Body).Decode(&a.started); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Accepted{JobID: "remote-1", DestinationName: a.started.DestinationName})
	case r.Method == http.MethodGet && r.URL.Path == "/api/imports/remote-1":
		i := a.pollCount
		if i >= len(a.polls) {
			i = len(a.polls) - 1
		}
		a.pollCount++
		json.NewEncoder(w).Encode(a.polls[i])
	case r.Method == http.MethodDelete && r.URL.Path == "/api/imports/remote-1":
		a.cancelled = true
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func credentialedJob() engine.TransferJob {
	return engine.TransferJob{
		ID: "job-1",
		Source: &source.HTTPSource{
			URL:          "https://drive.google.com/uc?export=download&id=abc&confirm=t",
			Credential:   source.Credential{Cookies: "SID=xyz"},
			Credentialed: true,
		},
		DestinationName: "movie.mp4",
		ContentType:     "video/mp4",
	}
}

func agentOptions(url string) AgentOptions {
	return AgentOptions{
		URL:          url,
		Secret:       "s3cret",
		PollInterval: 5 * time.Millisecond,
		StallWindow:  80 * time.Millisecond,
	}
}

func TestAgentStrategy_Applicable(t *testing.T) {
	s := NewAgentStrategy(agentOptions("http://agent"), nil)
	assert.True(t, s.Applicable(credentialedJob()))

	plain := credentialedJob()
	plain.Source = &source.HTTPSource{URL: "https://cdn.example.com/a.mp4"}
	assert.False(t, s.Applicable(plain))

	assert.False(t, NewAgentStrategy(AgentOptions{}, nil).Applicable(credentialedJob()))
}

func TestAgentStrategy_Success(t *testing.T) {
	agent := &fakeAgent{t: t, secret: "s3cret", polls: []store.JobRecord{
		{Status: store.StatusActive, BytesTransferred: 100, TotalBytes: 400},
		{Status: store.StatusActive, BytesTransferred: 300, TotalBytes: 400},
		{Status: store.StatusCompleted, BytesTransferred: 400, TotalBytes: 400, Checksum: "crc64:00000000000000ff"},
	}}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	p, s := newTestProgress(t, "job-1")

	out, err := NewAgentStrategy(agentOptions(srv.URL+"/"), nil).Attempt(context.Background(), credentialedJob(), p)
	require.NoError(t, err)
	assert.Equal(t, int64(400), out.Bytes)
	assert.Equal(t, "crc64:00000000000000ff", out.Checksum)

	agent.mu.Lock()
	assert.Equal(t, "movie.mp4", agent.started.DestinationName)
	require.NotNil(t, agent.started.Credential)
	assert.Equal(t, "SID=xyz", agent.started.Credential.Cookies)
	assert.True(t, strings.HasPrefix(agent.started.SourceURL, "https://drive.google.com/"))
	agent.mu.Unlock()

	record, _ := s.Get("job-1")
	assert.Equal(t, AgentName, record.Strategy)
	assert.Equal(t, int64(400), record.BytesTransferred)
}

func TestAgentStrategy_WrongSecretIsRetryable(t *testing.T) {
	srv := httptest.NewServer(&fakeAgent{t: t, secret: "other"})
	defer srv.Close()

	p, _ := newTestProgress(t, "job-1")

	_, err := NewAgentStrategy(agentOptions(srv.URL), nil).Attempt(context.Background(), credentialedJob(), p)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrAgentStatus)
}

func TestAgentStrategy_StallBeforeProgressIsRetryable(t *testing.T) {
	agent := &fakeAgent{t: t, secret: "s3cret", polls: []store.JobRecord{
		{Status: store.StatusPending},
	}}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	p, _ := newTestProgress(t, "job-1")

	_, err := NewAgentStrategy(agentOptions(srv.URL), nil).Attempt(context.Background(), credentialedJob(), p)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, engine.ErrStalled)

	agent.mu.Lock()
	assert.True(t, agent.cancelled, "stalled remote job should be cancelled")
	agent.mu.Unlock()
}

func TestAgentStrategy_FailureAfterProgressIsFatal(t *testing.T) {
	agent := &fakeAgent{t: t, secret: "s3cret", polls: []store.JobRecord{
		{Status: store.StatusActive, BytesTransferred: 50, TotalBytes: 400},
		{Status: store.StatusFailed, BytesTransferred: 50, Error: "stage block 1: timeout"},
	}}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	p, _ := newTestProgress(t, "job-1")

	_, err := NewAgentStrategy(agentOptions(srv.URL), nil).Attempt(context.Background(), credentialedJob(), p)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "stage block 1: timeout")
}
