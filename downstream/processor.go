package downstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/hahnben/cura-snap-ai/jobs"
)

// Transcriber is the call surface of the transcription service.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// NoteGenerator is the call surface of the agent service.
type NoteGenerator interface {
	GenerateNote(ctx context.Context, transcript, sessionID string) (string, error)
}

// BreakerExecutor is the narrow breaker registry surface the pipeline uses.
type BreakerExecutor interface {
	Execute(ctx context.Context, serviceName string, primary func() (any, error), fallback func() (any, error)) (any, error)
}

// AudioFetcher resolves an offloaded audio object back to its bytes.
// Implemented by objstore.AudioStore.
type AudioFetcher interface {
	GetAudio(ctx context.Context, object string) ([]byte, error)
}

// MetricsSink mirrors jobs.MetricsSink for call accounting.
type MetricsSink interface {
	Increment(name string, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// ErrMissingInput is wrapped into validation-shaped errors when a job's
// input data lacks the field its pipeline needs.
var ErrMissingInput = errors.New("invalid input data")

// Pipeline implements jobs.Processor: it routes a job through the
// transcription and agent services according to its type, wrapping each
// downstream call in that service's circuit breaker and tagging failures
// with their origin.
type Pipeline struct {
	transcriber Transcriber
	agent       NoteGenerator
	breakers    BreakerExecutor
	audio       AudioFetcher
	metrics     MetricsSink
}

// NewPipeline wires the processor. audio may be nil when payload offload is
// disabled; metrics may be nil.
func NewPipeline(transcriber Transcriber, agent NoteGenerator, breakers BreakerExecutor, audio AudioFetcher, metrics MetricsSink) *Pipeline {
	return &Pipeline{
		transcriber: transcriber,
		agent:       agent,
		breakers:    breakers,
		audio:       audio,
		metrics:     metrics,
	}
}

// Process runs one job to completion. The returned map is the job's result
// payload; errors are *jobs.ServiceError so the worker can classify them
// against the right service.
func (p *Pipeline) Process(ctx context.Context, job *jobs.Job) (map[string]string, error) {
	switch job.JobType {
	case jobs.JobTypeAudioProcessing:
		transcript, err := p.transcribe(ctx, job)
		if err != nil {
			return nil, err
		}
		note, err := p.generateNote(ctx, transcript, job.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"transcript": transcript, "note": note}, nil

	case jobs.JobTypeTranscriptionOnly:
		transcript, err := p.transcribe(ctx, job)
		if err != nil {
			return nil, err
		}
		return map[string]string{"transcript": transcript}, nil

	case jobs.JobTypeTextProcessing:
		text, ok := job.InputData["text"]
		if !ok || text == "" {
			return nil, &jobs.ServiceError{
				Service: ServiceAgent,
				Err:     fmt.Errorf("%w: missing text field", ErrMissingInput),
			}
		}
		note, err := p.generateNote(ctx, text, job.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"note": note}, nil
	}

	return nil, &jobs.ServiceError{
		Service: ServiceTranscription,
		Err:     fmt.Errorf("%w: unknown job type %q", ErrMissingInput, job.JobType),
	}
}

// transcribe resolves the audio payload and runs it through the
// transcription service under its breaker.
func (p *Pipeline) transcribe(ctx context.Context, job *jobs.Job) (string, error) {
	audio, err := p.resolveAudio(ctx, job)
	if err != nil {
		return "", &jobs.ServiceError{Service: ServiceTranscription, Err: err}
	}

	filename := job.InputData["filename"]
	if filename == "" {
		filename = job.JobID + ".wav"
	}

	result, err := p.call(ctx, ServiceTranscription, func() (any, error) {
		return p.transcriber.Transcribe(ctx, audio, filename)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// generateNote runs a transcript through the agent service under its
// breaker.
func (p *Pipeline) generateNote(ctx context.Context, transcript, sessionID string) (string, error) {
	result, err := p.call(ctx, ServiceAgent, func() (any, error) {
		return p.agent.GenerateNote(ctx, transcript, sessionID)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// call executes primary under the named service's breaker and accounts the
// outcome.
func (p *Pipeline) call(ctx context.Context, service string, primary func() (any, error)) (any, error) {
	start := time.Now()
	result, err := p.breakers.Execute(ctx, service, primary, nil)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if p.metrics != nil {
		p.metrics.Increment("downstream.calls.total", map[string]string{"service": service, "outcome": outcome})
		p.metrics.Observe("downstream.call.duration", float64(elapsed.Milliseconds()), map[string]string{"service": service})
	}

	if err != nil {
		return nil, &jobs.ServiceError{Service: service, Err: err}
	}
	return result, nil
}

// resolveAudio returns the raw audio bytes for a job: either inline base64
// under "audio", or fetched from the audio store when submission offloaded
// it under "audio_object". The core never inspects the bytes.
func (p *Pipeline) resolveAudio(ctx context.Context, job *jobs.Job) ([]byte, error) {
	if obj, ok := job.InputData["audio_object"]; ok && obj != "" {
		if p.audio == nil {
			return nil, fmt.Errorf("audio_object set but no audio store configured")
		}
		return p.audio.GetAudio(ctx, obj)
	}

	encoded, ok := job.InputData["audio"]
	if !ok || encoded == "" {
		return nil, fmt.Errorf("%w: missing audio field", ErrMissingInput)
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: audio is not valid base64: %v", ErrMissingInput, err)
	}
	return audio, nil
}
