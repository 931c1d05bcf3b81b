package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acme/session-dispatch/internal/domain"
	"github.com/acme/session-dispatch/internal/fsutil"
	apperrors "github.com/acme/session-dispatch/pkg/errors"
)

const (
	recordExt  = ".json"
	sessionExt = ".session"

	keyQuarantine  = "quarantine_until"
	keyStopSending = "stop_sending"
	keyPhoneBook   = "phone_book"
	keyBusy        = "busy"
)

// Store is the durable per-identity state the scheduler reads and mutates.
type Store interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, name string) (*domain.Identity, error)
	Write(ctx context.Context, ident *domain.Identity) error
	MarkFallen(ctx context.Context, name string) error
}

// FileStore keeps one JSON record per identity next to its session file.
type FileStore struct {
	workDir string
	badDir  string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the working directories when missing.
func NewFileStore(workDir, badDir string) (*FileStore, error) {
	for _, dir := range []string{workDir, badDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("identity store: create %s: %w", dir, err)
		}
	}
	return &FileStore{workDir: workDir, badDir: badDir, locks: make(map[string]*sync.Mutex)}, nil
}

// WorkDir exposes the watched directory.
func (s *FileStore) WorkDir() string {
	return s.workDir
}

// List returns every identity name that has a record or a session file.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.workDir)
	if err != nil {
		return nil, fmt.Errorf("identity store: list: %w", err)
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != recordExt && ext != sessionExt {
			continue
		}
		seen[strings.TrimSuffix(e.Name(), ext)] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Read loads the record, creating an empty one on first reference.
func (s *FileStore) Read(ctx context.Context, name string) (*domain.Identity, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	raw, err := s.readRaw(name)
	if errors.Is(err, fs.ErrNotExist) {
		raw = map[string]json.RawMessage{}
		if err := s.writeRaw(name, raw); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return decodeIdentity(name, raw)
}

// Write persists the scheduler-owned fields and the untouched attributes.
func (s *FileStore) Write(ctx context.Context, ident *domain.Identity) error {
	if ident == nil {
		return fmt.Errorf("%w: nil identity", apperrors.ErrValidation)
	}
	if err := validName(ident.Name); err != nil {
		return err
	}
	lock := s.lockFor(ident.Name)
	lock.Lock()
	defer lock.Unlock()

	raw, err := encodeIdentity(ident)
	if err != nil {
		return err
	}
	return s.writeRaw(ident.Name, raw)
}

// MarkFallen moves the identity's files into the bad directory.
func (s *FileStore) MarkFallen(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	moved := 0
	for _, ext := range []string{recordExt, sessionExt} {
		src := filepath.Join(s.workDir, name+ext)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(s.badDir, name+ext)); err != nil {
			return fmt.Errorf("identity store: move %s: %w", src, err)
		}
		moved++
	}
	if moved == 0 {
		return fmt.Errorf("identity store: %s: %w", name, apperrors.ErrNotFound)
	}
	return nil
}

// ResetBusy clears stale busy flags left behind by an interrupted process.
// Names for which keep returns true are left untouched.
func (s *FileStore) ResetBusy(ctx context.Context, keep func(name string) bool) (int, error) {
	names, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, name := range names {
		if keep != nil && keep(name) {
			continue
		}
		ident, err := s.Read(ctx, name)
		if err != nil {
			return reset, err
		}
		if !ident.Busy {
			continue
		}
		ident.Busy = false
		if err := s.Write(ctx, ident); err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}

func (s *FileStore) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[name]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[name] = l
	return l
}

func (s *FileStore) recordPath(name string) string {
	return filepath.Join(s.workDir, name+recordExt)
}

func (s *FileStore) readRaw(name string) (map[string]json.RawMessage, error) {
	content, err := os.ReadFile(s.recordPath(name))
	if err != nil {
		return nil, err
	}
	raw := map[string]json.RawMessage{}
	if len(strings.TrimSpace(string(content))) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("identity store: decode %s: %w", name, err)
	}
	return raw, nil
}

func (s *FileStore) writeRaw(name string, raw map[string]json.RawMessage) error {
	content, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("identity store: encode %s: %w", name, err)
	}
	if err := fsutil.AtomicWrite(s.recordPath(name), content); err != nil {
		return fmt.Errorf("identity store: write %s: %w", name, err)
	}
	return nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid identity name %q", apperrors.ErrValidation, name)
	}
	return nil
}

func decodeIdentity(name string, raw map[string]json.RawMessage) (*domain.Identity, error) {
	ident := &domain.Identity{Name: name, Attributes: map[string]any{}}
	for key, value := range raw {
		switch key {
		case keyQuarantine:
			ident.QuarantineUntil = decodeEpoch(value)
		case keyStopSending:
			ident.StopSendingUntil = decodeEpoch(value)
		case keyBusy:
			_ = json.Unmarshal(value, &ident.Busy)
		case keyPhoneBook:
			var entries []phoneBookEntry
			if err := json.Unmarshal(value, &entries); err != nil {
				// A malformed phone book is treated as empty, like a missing one.
				continue
			}
			for _, e := range entries {
				ident.PhoneBook = append(ident.PhoneBook, e.toModel())
			}
		default:
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, fmt.Errorf("identity store: decode %s.%s: %w", name, key, err)
			}
			ident.Attributes[key] = v
		}
	}
	return ident, nil
}

func encodeIdentity(ident *domain.Identity) (map[string]json.RawMessage, error) {
	raw := make(map[string]json.RawMessage, len(ident.Attributes)+4)
	for key, value := range ident.Attributes {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("identity store: encode %s.%s: %w", ident.Name, key, err)
		}
		raw[key] = b
	}
	raw[keyQuarantine] = encodeEpoch(ident.QuarantineUntil)
	raw[keyStopSending] = encodeEpoch(ident.StopSendingUntil)
	raw[keyBusy], _ = json.Marshal(ident.Busy)

	entries := make([]phoneBookEntry, 0, len(ident.PhoneBook))
	for _, item := range ident.PhoneBook {
		entries = append(entries, fromModel(item))
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("identity store: encode phone book: %w", err)
	}
	raw[keyPhoneBook] = b
	return raw, nil
}

func decodeEpoch(value json.RawMessage) time.Time {
	var secs *float64
	if err := json.Unmarshal(value, &secs); err != nil || secs == nil || *secs <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(*secs), 0).UTC()
}

func encodeEpoch(t time.Time) json.RawMessage {
	if t.IsZero() {
		return json.RawMessage("null")
	}
	b, _ := json.Marshal(t.Unix())
	return b
}
