package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

const manifestName = "images.json"

// ImageRecord is one image a CI run built and pushed
type ImageRecord struct {
	Name     string `json:"name"`
	Registry string `json:"registry"`
	Tag      string `json:"tag"`
	Digest   string `json:"digest,omitempty"`
}

// Reference returns registry/name:tag, or registry/name@digest when the digest is known
func (i ImageRecord) Reference() string {
	repo := i.Name
	if i.Registry != "" {
		repo = strings.TrimSuffix(i.Registry, "/") + "/" + i.Name
	}
	if i.Digest != "" {
		return repo + "@" + i.Digest
	}
	return repo + ":" + i.Tag
}

// ImageManifest lists the images of a CI run
type ImageManifest struct {
	Images []ImageRecord `json:"images"`
}

// ArtifactStore archives run logs and image manifests
type ArtifactStore interface {
	// PutLog stores a log under the run and returns its key
	PutLog(ctx context.Context, runID, name string, body []byte) (string, error)

	// PutManifest stores the image manifest of the run and returns its key
	PutManifest(ctx context.Context, runID string, manifest ImageManifest) (string, error)

	// GetManifest loads the image manifest of the run
	GetManifest(ctx context.Context, runID string) (*ImageManifest, error)
}

// ArtifactKey returns the object key of an artifact of a run
func ArtifactKey(runID, name string) string {
	return fmt.Sprintf("runs/%s/%s", strings.NewReplacer(":", "/").Replace(runID), name)
}

type s3ArtifactStore struct {
	s3Client *s3.Client
	bucket   string
	logger   zerolog.Logger
}

func NewS3ArtifactStore(s3Client *s3.Client, bucket string, logger zerolog.Logger) ArtifactStore {
	return &s3ArtifactStore{
		s3Client: s3Client,
		bucket:   bucket,
		logger:   logger.With().Str("service", "artifact_store").Str("s3_bucket", bucket).Logger(),
	}
}

func (s *s3ArtifactStore) put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("s3_key", key).Msg("failed to upload artifact")
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	s.logger.Info().Str("s3_key", key).Int("bytes", len(body)).Msg("uploaded artifact")
	return nil
}

func (s *s3ArtifactStore) PutLog(ctx context.Context, runID, name string, body []byte) (string, error) {
	key := ArtifactKey(runID, name)
	return key, s.put(ctx, key, "text/plain; charset=utf-8", body)
}

func (s *s3ArtifactStore) PutManifest(ctx context.Context, runID string, manifest ImageManifest) (string, error) {
	data, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal image manifest: %w", err)
	}
	key := ArtifactKey(runID, manifestName)
	return key, s.put(ctx, key, "application/json", data)
}

func (s *s3ArtifactStore) GetManifest(ctx context.Context, runID string) (*ImageManifest, error) {
	key := ArtifactKey(runID, manifestName)

	output, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer output.Body.Close()

	return decodeManifest(output.Body, key)
}

// localArtifactStore keeps artifacts under a directory for runs without AWS access
type localArtifactStore struct {
	dir string
}

func NewLocalArtifactStore(dir string) ArtifactStore {
	return &localArtifactStore{dir: dir}
}

func (l *localArtifactStore) put(key string, body []byte) error {
	path := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (l *localArtifactStore) PutLog(ctx context.Context, runID, name string, body []byte) (string, error) {
	key := ArtifactKey(runID, name)
	return key, l.put(key, body)
}

func (l *localArtifactStore) PutManifest(ctx context.Context, runID string, manifest ImageManifest) (string, error) {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal image manifest: %w", err)
	}
	key := ArtifactKey(runID, manifestName)
	return key, l.put(key, data)
}

func (l *localArtifactStore) GetManifest(ctx context.Context, runID string) (*ImageManifest, error) {
	key := ArtifactKey(runID, manifestName)
	f, err := os.Open(filepath.Join(l.dir, filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer f.Close()

	return decodeManifest(f, key)
}

func decodeManifest(r io.Reader, key string) (*ImageManifest, error) {
	var manifest ImageManifest
	if err := json.NewDecoder(r).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return &manifest, nil
}
