// Package statusfile reads the files agents leave in a project's .claude
// directory: status records with YAML frontmatter, and compaction markers.
package statusfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/fleetconsole/schema"
)

const (
	dirName      = ".claude"
	statusPrefix = "status.v5."
	statusSuffix = ".md"
	markerPrefix = "compacted."
	markerSuffix = ".marker"
)

var (
	// ErrNoFrontmatter indicates a status file without a leading --- block.
	ErrNoFrontmatter = errors.New("status file has no frontmatter")
	// ErrInvalidStatus indicates an unknown status value.
	ErrInvalidStatus = errors.New("invalid status value")
)

type frontmatter struct {
	Status  string `yaml:"status"`
	Updated string `yaml:"updated"`
	Task    string `yaml:"task"`
}

// StatusPath returns the status file path for a session rooted at dir.
func StatusPath(dir string, sessionID schema.SessionID) string {
	return filepath.Join(dir, dirName, statusPrefix+string(sessionID)+statusSuffix)
}

// MarkerPath returns the compaction marker path for a session rooted at dir.
func MarkerPath(dir string, sessionID schema.SessionID) string {
	return filepath.Join(dir, dirName, markerPrefix+string(sessionID)+markerSuffix)
}

// ParseStatus parses a status file body.
func ParseStatus(data []byte) (schema.FileStatus, error) {
	head, body, err := splitFrontmatter(data)
	if err != nil {
		return schema.FileStatus{}, err
	}
	var fm frontmatter
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return schema.FileStatus{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	value := schema.FileStatusValue(strings.TrimSpace(fm.Status))
	if !value.Valid() {
		return schema.FileStatus{}, fmt.Errorf("%w: %q", ErrInvalidStatus, fm.Status)
	}
	updated, err := time.Parse(time.RFC3339, strings.TrimSpace(fm.Updated))
	if err != nil {
		return schema.FileStatus{}, fmt.Errorf("parse updated: %w", err)
	}
	return schema.FileStatus{
		Status:    value,
		UpdatedAt: updated.UTC(),
		Task:      strings.TrimSpace(fm.Task),
		Summary:   section(body, "Summary"),
	}, nil
}

// ReadStatus reads the status file for sessionID under dir.
func ReadStatus(dir string, sessionID schema.SessionID) (schema.FileStatus, error) {
	data, err := os.ReadFile(StatusPath(dir, sessionID))
	if err != nil {
		return schema.FileStatus{}, err
	}
	return ParseStatus(data)
}

// Entry is one status file found in a project directory.
type Entry struct {
	SessionID schema.SessionID
	Path      string
	Status    schema.FileStatus
	Err       error
}

// Scan returns every status file under dir, newest first. Unparseable files
// are returned with Err set so callers can report them.
func Scan(dir string) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, dirName, statusPrefix+"*"+statusSuffix))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		id := strings.TrimSuffix(strings.TrimPrefix(name, statusPrefix), statusSuffix)
		entry := Entry{SessionID: schema.SessionID(id), Path: path}
		data, err := os.ReadFile(path)
		if err == nil {
			entry.Status, err = ParseStatus(data)
		}
		entry.Err = err
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Status.UpdatedAt.After(entries[j].Status.UpdatedAt)
	})
	return entries, nil
}

// CompactionMarker records that an agent session was replaced by compaction.
type CompactionMarker struct {
	NewSessionID schema.SessionID `json:"newSessionId"`
	Cwd          string           `json:"cwd"`
	CompactedAt  time.Time        `json:"compactedAt"`
}

// ParseMarker parses a compaction marker body.
func ParseMarker(data []byte) (CompactionMarker, error) {
	var marker CompactionMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return CompactionMarker{}, fmt.Errorf("parse marker: %w", err)
	}
	if marker.NewSessionID == "" || strings.TrimSpace(marker.Cwd) == "" {
		return CompactionMarker{}, errors.New("marker requires newSessionId and cwd")
	}
	return marker, nil
}

// Markers returns every parseable compaction marker under dir, oldest first.
func Markers(dir string) ([]CompactionMarker, error) {
	matches, err := filepath.Glob(filepath.Join(dir, dirName, markerPrefix+"*"+markerSuffix))
	if err != nil {
		return nil, err
	}
	out := make([]CompactionMarker, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		marker, err := ParseMarker(data)
		if err != nil {
			continue
		}
		out = append(out, marker)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompactedAt.Before(out[j].CompactedAt) })
	return out, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	data = bytes.TrimLeft(data, "\ufeff \t\r\n")
	if !bytes.HasPrefix(data, []byte("---")) {
		return nil, nil, ErrNoFrontmatter
	}
	rest := data[3:]
	if idx := bytes.IndexByte(rest, '\n'); idx >= 0 {
		rest = rest[idx+1:]
	} else {
		return nil, nil, ErrNoFrontmatter
	}
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, nil, ErrNoFrontmatter
	}
	head := rest[:end]
	body := rest[end+4:]
	if idx := bytes.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = nil
	}
	return head, body, nil
}

func section(body []byte, title string) string {
	lines := strings.Split(string(body), "\n")
	var b strings.Builder
	in := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			if in {
				break
			}
			in = strings.EqualFold(strings.TrimSpace(trimmed[3:]), title)
			continue
		}
		if in {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSpace(b.String())
}
