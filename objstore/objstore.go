// Package objstore stores submitted audio payloads in an S3-compatible
// bucket so job records in Redis stay small. Unlike a generic object store,
// this one knows what it is holding: it enforces the payload size ceiling,
// derives the audio content type from the submitted filename, and owns the
// object naming scheme, so callers only ever exchange opaque object names.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

var (
	// ErrAudioTooLarge is returned when a payload exceeds the configured
	// ceiling. Submissions this size indicate a client bug, not a bigger
	// bucket requirement.
	ErrAudioTooLarge = errors.New("audio payload exceeds size limit")

	// ErrNotAudioObject is returned when an object name does not belong to
	// the audio namespace this store manages.
	ErrNotAudioObject = errors.New("object name outside audio namespace")
)

const (
	audioPrefix     = "audio/"
	defaultMaxBytes = 100 << 20 // 100 MiB, enough for hour-long visit recordings
)

// contentTypes maps the audio file extensions the transcription service
// accepts to their MIME types. Anything else is stored as an opaque stream
// and left for the downstream service to reject.
var contentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".flac": "audio/flac",
	".webm": "audio/webm",
}

// AudioStore persists audio payloads under the audio/ namespace of one
// bucket.
type AudioStore struct {
	client   *minio.Client
	bucket   string
	maxBytes int64
}

// NewAudioStore creates an AudioStore on an initialized MinIO client.
// maxBytes 0 applies the default ceiling.
func NewAudioStore(client *minio.Client, bucket string, maxBytes int64) *AudioStore {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &AudioStore{
		client:   client,
		bucket:   bucket,
		maxBytes: maxBytes,
	}
}

// PutAudio stores one submission's audio and returns the object name to
// carry in the job's input data. filename is the client-supplied name used
// only to derive the content type; the stored name is generated here.
func (s *AudioStore) PutAudio(ctx context.Context, userID, submissionID string, audio []byte, filename string) (string, error) {
	if int64(len(audio)) > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrAudioTooLarge, len(audio), s.maxBytes)
	}

	obj := objectName(userID, submissionID)
	_, err := s.client.PutObject(ctx, s.bucket, obj, bytes.NewReader(audio), int64(len(audio)), minio.PutObjectOptions{
		ContentType: ContentTypeFor(filename),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store audio object %s: %w", obj, err)
	}
	return obj, nil
}

// GetAudio fetches a payload previously stored by PutAudio. Object names
// outside the audio namespace are refused before any round trip, so a
// corrupted job record cannot read arbitrary bucket contents.
func (s *AudioStore) GetAudio(ctx context.Context, object string) ([]byte, error) {
	if !strings.HasPrefix(object, audioPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrNotAudioObject, object)
	}

	reader, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audio object %s: %w", object, err)
	}
	defer reader.Close()

	audio, err := io.ReadAll(io.LimitReader(reader, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio object %s: %w", object, err)
	}
	if int64(len(audio)) > s.maxBytes {
		return nil, fmt.Errorf("%w: object %s", ErrAudioTooLarge, object)
	}
	return audio, nil
}

// ContentTypeFor derives the MIME type from the submitted filename's
// extension, falling back to an opaque stream.
func ContentTypeFor(filename string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// objectName builds the stored name for one submission's audio. Grouping by
// day keeps bucket listings manageable for retention tooling.
func objectName(userID, submissionID string) string {
	return fmt.Sprintf("%s%s/%s/%s", audioPrefix, time.Now().UTC().Format("2006-01-02"), userID, submissionID)
}
