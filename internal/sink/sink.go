// Package sink persists compiled artifacts and delivers completion callbacks.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/editalflow/api/internal/client"
	"github.com/editalflow/api/internal/model"
)

const (
	resultFile  = "resultado.json"
	summaryFile = "summary.json"
	tablesFile  = "tables.xlsx"

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ErrResultNotFound is returned by Load for unknown references.
var ErrResultNotFound = errors.New("result not found")

// WorkbookURLTTL bounds presigned workbook links.
const WorkbookURLTTL = 15 * time.Minute

// URLSigner is implemented by object stores that can hand out temporary
// download links.
type URLSigner interface {
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// StorageError wraps a failed object store operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Sink writes artifacts under {prefix}/{jobID}/ in an object store.
type Sink struct {
	objects client.ObjectStore
	prefix  string
	logger  *slog.Logger
}

func New(objects client.ObjectStore, prefix string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "results"
	}
	return &Sink{objects: objects, prefix: strings.Trim(prefix, "/"), logger: logger}
}

func (s *Sink) key(jobID, name string) string {
	return path.Join(s.prefix, jobID, name)
}

// Persist writes resultado.json, summary.json and, when tables were found,
// tables.xlsx. The returned reference is the key of resultado.json.
func (s *Sink) Persist(ctx context.Context, job *model.Job, artifact *model.Artifact) (string, error) {
	result, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}
	summary, err := json.MarshalIndent(artifact.Summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode summary: %w", err)
	}

	ref := s.key(job.ID, resultFile)
	if err := s.put(ctx, ref, result, "application/json"); err != nil {
		return "", err
	}
	if err := s.put(ctx, s.key(job.ID, summaryFile), summary, "application/json"); err != nil {
		return "", err
	}
	if len(artifact.Tables) > 0 {
		workbook, err := BuildWorkbook(artifact)
		if err != nil {
			return "", fmt.Errorf("failed to build workbook: %w", err)
		}
		if err := s.put(ctx, s.key(job.ID, tablesFile), workbook, xlsxContentType); err != nil {
			return "", err
		}
	}

	s.logger.Info("sink.persist.ok", "job_id", job.ID, "ref", ref, "tables", len(artifact.Tables))
	return ref, nil
}

func (s *Sink) put(ctx context.Context, key string, data []byte, contentType string) error {
	if _, err := s.objects.Put(ctx, key, data, contentType); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Load reads an artifact back by the reference Persist returned.
func (s *Sink) Load(ctx context.Context, ref string) (*model.Artifact, error) {
	data, err := s.objects.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, client.ErrObjectNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, &StorageError{Op: "get", Key: ref, Err: err}
	}
	var artifact model.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", ref, err)
	}
	return &artifact, nil
}

// Workbook returns the tables.xlsx written for jobID. When the object store
// can presign, only url is set and the bytes stay in storage.
func (s *Sink) Workbook(ctx context.Context, jobID string) (data []byte, url string, err error) {
	key := s.key(jobID, tablesFile)
	if signer, ok := s.objects.(URLSigner); ok {
		if !s.exists(ctx, key) {
			return nil, "", ErrResultNotFound
		}
		url, err := signer.GetSignedURL(ctx, key, WorkbookURLTTL)
		if err != nil {
			return nil, "", &StorageError{Op: "presign", Key: key, Err: err}
		}
		return nil, url, nil
	}
	data, err = s.objects.Get(ctx, key)
	if errors.Is(err, client.ErrObjectNotFound) {
		return nil, "", ErrResultNotFound
	}
	if err != nil {
		return nil, "", &StorageError{Op: "get", Key: key, Err: err}
	}
	return data, "", nil
}

type statter interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// exists reports whether key is present; stores without a cheap existence
// check are assumed to have it.
func (s *Sink) exists(ctx context.Context, key string) bool {
	st, ok := s.objects.(statter)
	if !ok {
		return true
	}
	found, err := st.Exists(ctx, key)
	return err != nil || found
}
