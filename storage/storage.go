// Package storage persists monitored subjects and their alert state.
//
// Production mode writes JSON documents to a Cloud Storage bucket; local
// development mode writes to a directory. Alert-state commits go through
// CompareAndSwap so that two concurrent evaluations (a batch flush and a
// periodic tick racing on the same crossing) cannot both fire.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"eldercare-notifier/pkg/guardian"
)

// ErrConflict indicates a compare-and-swap lost to a concurrent writer.
// The caller discards its intents; another evaluation handled the crossing.
var ErrConflict = errors.New("storage: subject generation conflict")

// ErrNotFound indicates the subject document does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store handles subject persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string

	// Local mode only: in-memory generation counters keyed by object key.
	mu        sync.Mutex
	localGens map[string]int64
}

// New creates a storage handler. Either client+bucket (production) or
// localPath (development) must be set.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		localGens: make(map[string]int64),
	}
}

// SubjectKey generates a stable object name from a family ID.
// Rejects IDs that could escape the key namespace.
func SubjectKey(familyID string) string {
	if familyID == "" || len(familyID) > 64 {
		return ""
	}
	for _, c := range familyID {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_'
		if !ok {
			return ""
		}
	}
	return fmt.Sprintf("subject-%s.json", familyID)
}

// LoadSubject loads a subject and the generation of its document. The
// generation is passed back to CompareAndSwap to make alert-state writes
// conditional.
func (s *Store) LoadSubject(ctx context.Context, familyID string) (*guardian.Subject, int64, error) {
	key := SubjectKey(familyID)
	if key == "" {
		return nil, 0, ErrNotFound
	}

	var data []byte
	var gen int64

	if s.localPath != "" {
		s.mu.Lock()
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			s.mu.Unlock()
			if os.IsNotExist(err) {
				return nil, 0, ErrNotFound
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
		// Seed a counter for documents that predate this process.
		if s.localGens[key] == 0 {
			s.localGens[key] = 1
		}
		gen = s.localGens[key]
		s.mu.Unlock()
	} else {
		notFound := false
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						notFound = true
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				gen = r.Attrs.Generation

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(30*time.Second),
			retry.MaxJitter(5*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			if notFound {
				return nil, 0, ErrNotFound
			}
			return nil, 0, fmt.Errorf("load after retries: %w", err)
		}
	}

	var subject guardian.Subject
	if err := json.Unmarshal(data, &subject); err != nil {
		return nil, 0, fmt.Errorf("unmarshal subject: %w", err)
	}

	return &subject, gen, nil
}

// SaveSubject writes a subject unconditionally. Used for registration and
// settings updates, where last-writer-wins is acceptable.
func (s *Store) SaveSubject(ctx context.Context, subject *guardian.Subject) error {
	key := SubjectKey(subject.FamilyID)
	if key == "" {
		return errors.New("invalid family ID format")
	}
	s.logger.Debug("Saving subject", "key", key, "family_id", subject.FamilyID)

	data, err := json.MarshalIndent(subject, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subject: %w", err)
	}

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := os.WriteFile(filepath.Join(s.localPath, key), data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if s.localGens[key] == 0 {
			s.localGens[key] = 1
		} else {
			s.localGens[key]++
		}
		s.logger.Info("Subject saved to local storage", "key", key, "family_id", subject.FamilyID)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Subject saved", "key", key, "family_id", subject.FamilyID)
	return nil
}

// CompareAndSwap writes a subject only if its document generation still
// matches gen. A gen of zero means the document must not already exist.
// Returns ErrConflict when the document changed underneath the caller.
// Conflicts are not retried here; losing the race means another evaluation
// already committed this crossing.
func (s *Store) CompareAndSwap(ctx context.Context, subject *guardian.Subject, gen int64) error {
	key := SubjectKey(subject.FamilyID)
	if key == "" {
		return errors.New("invalid family ID format")
	}

	data, err := json.MarshalIndent(subject, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subject: %w", err)
	}

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		current := s.localGens[key]
		if current == 0 {
			if _, statErr := os.Stat(filepath.Join(s.localPath, key)); statErr == nil {
				current = 1
				s.localGens[key] = 1
			}
		}
		if current != gen {
			return ErrConflict
		}
		if err := os.WriteFile(filepath.Join(s.localPath, key), data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.localGens[key] = gen + 1
		return nil
	}

	conflict := false
	err = retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(key)
			if gen == 0 {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			} else {
				obj = obj.If(storage.Conditions{GenerationMatch: gen})
			}
			w := obj.NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					conflict = true
					return retry.Unrecoverable(ErrConflict)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying conditional save after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if conflict {
			return ErrConflict
		}
		return fmt.Errorf("conditional save after retries: %w", err)
	}

	return nil
}

// isPreconditionFailed reports whether an error is a Cloud Storage
// generation precondition failure (HTTP 412).
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// DeleteSubject removes a subject. Deletion is idempotent.
func (s *Store) DeleteSubject(ctx context.Context, familyID string) error {
	key := SubjectKey(familyID)
	if key == "" {
		return errors.New("invalid family ID format")
	}
	s.logger.Debug("Deleting subject", "key", key, "family_id", familyID)

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		delete(s.localGens, key)
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Subject deleted", "key", key, "family_id", familyID)
	return nil
}

// ListSubjects lists all monitored subjects.
func (s *Store) ListSubjects(ctx context.Context) ([]*guardian.Subject, error) {
	var subjects []*guardian.Subject

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, "subject-") || !strings.HasSuffix(name, ".json") {
				continue
			}
			familyID := strings.TrimSuffix(strings.TrimPrefix(name, "subject-"), ".json")
			subject, _, err := s.LoadSubject(ctx, familyID)
			if err != nil {
				s.logger.Warn("Failed to load subject", "file", name, "error", err)
				continue
			}
			subjects = append(subjects, subject)
		}
		return subjects, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "subject-",
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		familyID := strings.TrimSuffix(strings.TrimPrefix(attrs.Name, "subject-"), ".json")
		subject, _, err := s.LoadSubject(ctx, familyID)
		if err != nil {
			s.logger.Warn("Failed to load subject", "key", attrs.Name, "error", err)
			continue
		}
		subjects = append(subjects, subject)
	}

	return subjects, nil
}

// IsNotFound checks if an error indicates a subject was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
