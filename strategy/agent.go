package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deepansarkar03/streamverse/engine"
	"github.com/deepansarkar03/streamverse/logging"
	"github.com/deepansarkar03/streamverse/store"
)

// AgentName identifies the remote-agent strategy.
const AgentName = "remote-agent"

// SecretHeader carries the shared secret between servers and agents.
const SecretHeader = "X-Transfer-Secret"

// ErrAgentStatus is wrapped when the agent answers with an unexpected status.
var ErrAgentStatus = errors.New("agent returned an error status")

// AgentStrategy delegates a credentialed import to another streamverse
// server that sits close to the block store, and mirrors its progress.
type AgentStrategy struct {
	baseURL      string
	secret       string
	client       *http.Client
	pollInterval time.Duration
	stallWindow  time.Duration
	log          logging.Logger
}

// AgentOptions configures the agent strategy.
type AgentOptions struct {
	URL          string
	Secret       string
	Client       *http.Client
	PollInterval time.Duration
	StallWindow  time.Duration
}

// NewAgentStrategy creates the strategy. An empty URL makes it never apply.
func NewAgentStrategy(opts AgentOptions, log logging.Logger) *AgentStrategy {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StallWindow <= 0 {
		opts.StallWindow = time.Minute
	}
	if log == nil {
		log = logging.Discard()
	}
	return &AgentStrategy{
		baseURL:      strings.TrimRight(opts.URL, "/"),
		secret:       opts.Secret,
		client:       opts.Client,
		pollInterval: opts.PollInterval,
		stallWindow:  opts.StallWindow,
		log:          log,
	}
}

func (s *AgentStrategy) Name() string { return AgentName }

func (s *AgentStrategy) Applicable(job engine.TransferJob) bool {
	return s.baseURL != "" && job.Source != nil && job.Source.RequiresCredential()
}

func (s *AgentStrategy) Attempt(ctx context.Context, job engine.TransferJob, p *engine.Progress) (Outcome, error) {
	req := Request{
		SourceURL:       job.Source.String(),
		DestinationName: job.DestinationName,
	}
	if src, ok := httpSource(job); ok && !src.Credential.IsZero() {
		cred := src.Credential
		req.Credential = &cred
	}

	if err := p.SetStrategy(AgentName, "remote agent is fetching the source"); err != nil {
		return Outcome{}, err
	}

	var accepted Accepted
	if err := s.do(ctx, http.MethodPost, "/api/imports", req, &accepted); err != nil {
		return Outcome{}, Retryable(AgentName, fmt.Errorf("start remote import: %w", err))
	}
	if accepted.JobID == "" {
		return Outcome{}, Retryable(AgentName, errors.New("agent returned no job id"))
	}

	log := s.log.With("job", p.ID(), "agent_job", accepted.JobID)
	log.Info(ctx, "remote import started")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var moved int64
	lastChange := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.cancel(context.WithoutCancel(ctx), accepted.JobID)
			return Outcome{}, context.Cause(ctx)
		case <-ticker.C:
		}

		var remote store.JobRecord
		err := s.do(ctx, http.MethodGet, "/api/imports/"+url.PathEscape(accepted.JobID), nil, &remote)
		switch {
		case err != nil:
			log.Debug(ctx, "agent poll failed", "error", err)
		case remote.Status == store.StatusCompleted:
			p.Report(remote.BytesTransferred, remote.TotalBytes)
			return Outcome{Bytes: remote.BytesTransferred, Checksum: remote.Checksum}, nil
		case remote.Status == store.StatusFailed:
			return Outcome{}, s.failure(moved, fmt.Errorf("remote import failed: %s", remote.Error))
		case remote.BytesTransferred > moved:
			moved = remote.BytesTransferred
			lastChange = time.Now()
			p.Report(moved, remote.TotalBytes)
		}

		if time.Since(lastChange) > s.stallWindow {
			s.cancel(ctx, accepted.JobID)
			return Outcome{}, s.failure(moved, fmt.Errorf("%w: agent made no progress for %s", engine.ErrStalled, s.stallWindow))
		}
	}
}

// failure is retryable only while the agent has not reported any bytes.
func (s *AgentStrategy) failure(moved int64, err error) error {
	if moved == 0 {
		return Retryable(AgentName, err)
	}
	return err
}

func (s *AgentStrategy) cancel(ctx context.Context, jobID string) {
	if err := s.do(ctx, http.MethodDelete, "/api/imports/"+url.PathEscape(jobID), nil, nil); err != nil {
		s.log.Warn(ctx, "failed to cancel remote import", "agent_job", jobID, "error", err)
	}
}

func (s *AgentStrategy) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.secret != "" {
		req.Header.Set(SecretHeader, s.secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s", ErrAgentStatus, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
