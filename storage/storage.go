// Package storage persists listings, filter specs and the notification ledger
// as JSON objects in Cloud Storage or in a local directory.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"carwatch/pkg/carwatch"
)

const (
	listingPrefix = "listing-"
	filterPrefix  = "filter-"
	sentPrefix    = "sent-"

	maxUpsertAttempts = 5
)

var (
	errExists   = errors.New("object already exists")
	errConflict = errors.New("object changed concurrently")
)

// Store handles listing, filter and ledger persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
	mu        sync.Mutex // serializes local read-modify-write
}

// New creates a new storage handler. A non-empty localPath selects the local
// directory backend; otherwise objects go to bucket.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		now:       time.Now,
		localPath: localPath,
		bucket:    bucket,
	}
}

func sentKey(user, listingID, filterID string) string {
	sum := sha256.Sum256([]byte(user + "\x00" + listingID + "\x00" + filterID))
	return sentPrefix + hex.EncodeToString(sum[:]) + ".json"
}

// validID rejects ids that could escape the key namespace.
func validID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_'
		if !ok {
			return false
		}
	}
	return true
}

// UpsertListing inserts c keyed on (source, external_id), or refreshes the
// stored listing's last-seen time. Stored fields are never overwritten.
func (s *Store) UpsertListing(ctx context.Context, c *carwatch.Candidate) (*carwatch.Listing, bool, error) {
	if c == nil || c.Source == "" || c.ExternalID == "" {
		return nil, false, errors.New("candidate needs source and external id")
	}
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	id := carwatch.ListingID(c.Source, c.ExternalID)
	key := listingPrefix + id + ".json"
	now := s.now().UTC()

	l := &carwatch.Listing{Candidate: *c, ID: id, FirstSeenAt: now, LastSeenAt: now}
	if l.ObservedAt.IsZero() {
		l.ObservedAt = now
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, false, fmt.Errorf("marshal listing: %w", err)
	}

	err = s.create(ctx, key, data)
	if err == nil {
		s.logger.Debug("Listing inserted", "listing_id", id, "external_id", c.ExternalID)
		return l, true, nil
	}
	if !errors.Is(err, errExists) {
		return nil, false, err
	}

	for range maxUpsertAttempts {
		raw, gen, err := s.read(ctx, key)
		if err != nil {
			return nil, false, err
		}
		var existing carwatch.Listing
		if err := json.Unmarshal(raw, &existing); err != nil {
			// A corrupt object is replaced by the fresh observation.
			s.logger.Warn("Replacing unreadable listing", "listing_id", id, "error", err)
			err = s.replace(ctx, key, data, gen)
			if errors.Is(err, errConflict) {
				continue
			}
			if err != nil {
				return nil, false, err
			}
			return l, true, nil
		}
		if now.After(existing.LastSeenAt) {
			existing.LastSeenAt = now
		}
		data, err := json.Marshal(&existing)
		if err != nil {
			return nil, false, fmt.Errorf("marshal listing: %w", err)
		}
		err = s.replace(ctx, key, data, gen)
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	return nil, false, fmt.Errorf("refresh listing %s: %w", id, errConflict)
}

// Listing loads a listing by id.
func (s *Store) Listing(ctx context.Context, id string) (*carwatch.Listing, error) {
	if !validID(id) {
		return nil, carwatch.ErrNotFound
	}
	raw, _, err := s.read(ctx, listingPrefix+id+".json")
	if err != nil {
		return nil, err
	}
	var l carwatch.Listing
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("unmarshal listing %s: %w", id, err)
	}
	return &l, nil
}

// SaveFilter validates and stores f, assigning an id and creation time when unset.
func (s *Store) SaveFilter(ctx context.Context, f *carwatch.FilterSpec) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if !validID(f.ID) {
		return fmt.Errorf("%w: malformed id %q", carwatch.ErrInvalidFilter, f.ID)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	if err := s.put(ctx, filterPrefix+f.ID+".json", data); err != nil {
		return err
	}
	s.logger.Info("Filter saved", "filter_id", f.ID, "owner", f.Owner, "active", f.Active)
	return nil
}

// ActiveFilters returns every active filter, oldest first.
func (s *Store) ActiveFilters(ctx context.Context) ([]*carwatch.FilterSpec, error) {
	return s.filters(ctx, func(f *carwatch.FilterSpec) bool { return f.Active })
}

// FiltersByOwner returns all filters belonging to owner, active or not.
func (s *Store) FiltersByOwner(ctx context.Context, owner string) ([]*carwatch.FilterSpec, error) {
	return s.filters(ctx, func(f *carwatch.FilterSpec) bool { return f.Owner == owner })
}

// DeactivateFilter marks a filter inactive.
func (s *Store) DeactivateFilter(ctx context.Context, id string) error {
	if !validID(id) {
		return carwatch.ErrNotFound
	}
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	f, err := s.loadFilter(ctx, filterPrefix+id+".json")
	if err != nil {
		return err
	}
	f.Active = false
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	if err := s.put(ctx, filterPrefix+id+".json", data); err != nil {
		return err
	}
	s.logger.Info("Filter deactivated", "filter_id", id, "owner", f.Owner)
	return nil
}

// WasNotified reports whether the ledger holds the triple.
func (s *Store) WasNotified(ctx context.Context, user, listingID, filterID string) (bool, error) {
	_, _, err := s.read(ctx, sentKey(user, listingID, filterID))
	if errors.Is(err, carwatch.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordNotified writes a ledger entry if absent. A second write of the same
// triple returns carwatch.ErrAlreadyNotified.
func (s *Store) RecordNotified(ctx context.Context, rec *carwatch.NotificationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	err = s.create(ctx, sentKey(rec.User, rec.ListingID, rec.FilterID), data)
	if errors.Is(err, errExists) {
		return carwatch.ErrAlreadyNotified
	}
	return err
}

func (s *Store) filters(ctx context.Context, keep func(*carwatch.FilterSpec) bool) ([]*carwatch.FilterSpec, error) {
	keys, err := s.list(ctx, filterPrefix)
	if err != nil {
		return nil, err
	}
	var out []*carwatch.FilterSpec
	for _, key := range keys {
		f, err := s.loadFilter(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load filter", "key", key, "error", err)
			continue
		}
		if keep(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) loadFilter(ctx context.Context, key string) (*carwatch.FilterSpec, error) {
	raw, _, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	var f carwatch.FilterSpec
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unmarshal filter: %w", err)
	}
	return &f, nil
}

// read returns the object body and its generation. Missing objects return
// carwatch.ErrNotFound.
func (s *Store) read(ctx context.Context, key string) ([]byte, int64, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if os.IsNotExist(err) {
			return nil, 0, carwatch.ErrNotFound
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
		return data, 0, nil
	}

	var data []byte
	var gen int64
	err := s.withRetry(ctx, "load", key, func() error {
		r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return carwatch.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("open storage reader: %w", err)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				s.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()
		b, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read from storage: %w", err)
		}
		data, gen = b, r.Attrs.Generation
		return nil
	})
	return data, gen, err
}

// create writes key only if it does not exist yet, returning errExists otherwise.
func (s *Store) create(ctx context.Context, key string, data []byte) error {
	if s.localPath != "" {
		tmp, err := s.writeTemp(key, data)
		if err != nil {
			return err
		}
		defer func() {
			_ = os.Remove(tmp)
		}()
		// Link fails if key exists, and never exposes a partly written body.
		err = os.Link(tmp, filepath.Join(s.localPath, key))
		if os.IsExist(err) {
			return errExists
		}
		if err != nil {
			return fmt.Errorf("create in local storage: %w", err)
		}
		return nil
	}

	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	err := s.withRetry(ctx, "create", key, func() error {
		return s.write(ctx, obj, data)
	})
	if isPreconditionFailed(err) {
		return errExists
	}
	return err
}

// replace overwrites key if it is still at generation gen. The local backend
// relies on the caller holding s.mu.
func (s *Store) replace(ctx context.Context, key string, data []byte, gen int64) error {
	if s.localPath != "" {
		return s.put(ctx, key, data)
	}
	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{GenerationMatch: gen})
	err := s.withRetry(ctx, "replace", key, func() error {
		return s.write(ctx, obj, data)
	})
	if isPreconditionFailed(err) {
		return errConflict
	}
	return err
}

// put overwrites key unconditionally.
func (s *Store) put(ctx context.Context, key string, data []byte) error {
	if s.localPath != "" {
		tmp, err := s.writeTemp(key, data)
		if err != nil {
			return err
		}
		if err := os.Rename(tmp, filepath.Join(s.localPath, key)); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("rename into place: %w", err)
		}
		return nil
	}

	obj := s.client.Bucket(s.bucket).Object(key)
	return s.withRetry(ctx, "save", key, func() error {
		return s.write(ctx, obj, data)
	})
}

// writeTemp writes data to a new temp file beside key and returns its path.
func (s *Store) writeTemp(key string, data []byte) (string, error) {
	f, err := os.CreateTemp(s.localPath, key+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write to local storage: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			s.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return fmt.Errorf("write to storage: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close storage writer: %w", err)
	}
	return nil
}

// list returns the keys under prefix.
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// withRetry runs a Cloud Storage operation with backoff. Missing objects and
// failed preconditions are final.
func (s *Store) withRetry(ctx context.Context, op, key string, fn func() error) error {
	err := retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", retryErr)
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, carwatch.ErrNotFound) && !isPreconditionFailed(err)
		}),
	)
	if errors.Is(err, carwatch.ErrNotFound) {
		return carwatch.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
