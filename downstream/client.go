// Package downstream holds the HTTP clients for the two services the core
// drives: the transcription service (audio in, transcript out) and the agent
// service (transcript in, structured note out). Both are treated opaquely;
// only their errors are inspected, by the error classifier.
package downstream

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Service names used for circuit breakers, error classification and metrics.
const (
	ServiceTranscription = "transcription"
	ServiceAgent         = "agent"
)

// transcriptResponse is the transcription service's reply envelope.
type transcriptResponse struct {
	Transcript string `json:"transcript"`
}

// noteResponse is the agent service's reply envelope.
type noteResponse struct {
	Note string `json:"note"`
}

// TranscriptionClient calls the transcription service.
type TranscriptionClient struct {
	client  *resty.Client
	baseURL string
}

// NewTranscriptionClient creates a client with the given per-call timeout.
func NewTranscriptionClient(baseURL string, timeout time.Duration) *TranscriptionClient {
	return &TranscriptionClient{
		client:  resty.New().SetTimeout(timeout),
		baseURL: baseURL,
	}
}

// Transcribe posts the audio payload as multipart and returns the
// transcript text.
func (c *TranscriptionClient) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	var out transcriptResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFileReader("audio", filename, bytes.NewReader(audio)).
		SetResult(&out).
		Post(c.baseURL + "/transcribe")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("transcription service returned %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Transcript, nil
}

// Healthy probes the service's health endpoint.
func (c *TranscriptionClient) Healthy(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get(c.baseURL + "/health")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("transcription health probe returned %d", resp.StatusCode())
	}
	return nil
}

// AgentClient calls the agent (note-generation) service.
type AgentClient struct {
	client  *resty.Client
	baseURL string
}

// NewAgentClient creates a client with the given per-call timeout.
func NewAgentClient(baseURL string, timeout time.Duration) *AgentClient {
	return &AgentClient{
		client:  resty.New().SetTimeout(timeout),
		baseURL: baseURL,
	}
}

// GenerateNote sends a transcript and returns the structured note text.
func (c *AgentClient) GenerateNote(ctx context.Context, transcript, sessionID string) (string, error) {
	var out noteResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"transcript": transcript,
			"session_id": sessionID,
		}).
		SetResult(&out).
		Post(c.baseURL + "/notes")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("agent service returned %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Note, nil
}

// Healthy probes the service's health endpoint.
func (c *AgentClient) Healthy(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get(c.baseURL + "/health")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("agent health probe returned %d", resp.StatusCode())
	}
	return nil
}
