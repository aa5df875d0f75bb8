package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

// ConsoleSnapshot captures the console state that survives a restart: the
// tabs with their segment history, and the fleet audit resume cursor.
type ConsoleSnapshot struct {
	Tabs        []schema.TabSnapshot `json:"tabs"`
	AuditCursor int64                `json:"audit_cursor,omitempty"`
}

// Store persists console snapshots to disk, one file per profile.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a profile snapshot from disk. ok is false when none exists.
func (s *Store) Load(profile string) (ConsoleSnapshot, bool, error) {
	data, err := os.ReadFile(s.pathForProfile(profile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("state load miss", "profile", profile)
			return ConsoleSnapshot{}, false, nil
		}
		s.warn("state load failed", profile, err)
		return ConsoleSnapshot{}, false, err
	}
	var snapshot ConsoleSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.warn("state load failed", profile, err)
		return ConsoleSnapshot{}, false, err
	}
	s.debug("state load ok", "profile", profile, "tabs", len(snapshot.Tabs), "audit_cursor", snapshot.AuditCursor)
	return snapshot, true, nil
}

// Save atomically replaces the profile snapshot on disk.
func (s *Store) Save(profile string, snapshot ConsoleSnapshot) error {
	path := s.pathForProfile(profile)
	if err := s.write(path, snapshot); err != nil {
		s.warn("state save failed", profile, err)
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "profile", profile, "tabs", len(snapshot.Tabs))
	}
	return nil
}

func (s *Store) write(path string, snapshot ConsoleSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg, profile string, err error) {
	if s.log != nil {
		s.log.Warn(msg, "profile", profile, "err", err)
	}
}

func (s *Store) pathForProfile(profile string) string {
	name := sanitize(profile)
	if name == "" {
		name = "default"
	}
	return filepath.Join(s.dir, name+".json")
}

// ProfileForURL derives a stable profile name from a gateway URL so each
// gateway keeps its own tabs.
func ProfileForURL(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, prefix := range []string{"wss://", "ws://", "https://", "http://"} {
		raw = strings.TrimPrefix(raw, prefix)
	}
	return sanitize(strings.TrimRight(raw, "/"))
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
