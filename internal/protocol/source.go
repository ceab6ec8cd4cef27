package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/StudyPush/internal/cache"
)

// Source fetches every protocol it knows about, keyed by project id, or by
// "project/subject" for a participant-specific override.
type Source interface {
	FetchAll(ctx context.Context) (map[string]*Protocol, error)
}

// Default path-resolution cache timers of FileSource.
const (
	DefaultPathTTL   = 3 * time.Hour
	DefaultPathRetry = 4 * time.Minute
)

// protocolFile is one resolved protocol file and the key it serves.
type protocolFile struct {
	Key  string
	Path string
}

// FileSource reads protocols from a directory tree:
//
//	<root>/<project>.yaml              protocol of a project
//	<root>/<project>/<subject>.yaml    override for one participant
//
// YAML (.yaml, .yml) and JSON (.json) files are accepted. The directory
// listing is cached separately from the file contents.
type FileSource struct {
	root  string
	paths *cache.Cache[string, []protocolFile]
}

// NewFileSource creates a FileSource rooted at root. Options configure the
// path-resolution cache (defaults: 3h TTL, 4min retry).
func NewFileSource(root string, opts ...cache.Option) *FileSource {
	s := &FileSource{root: root}
	all := append([]cache.Option{cache.WithTTL(DefaultPathTTL), cache.WithRetryTime(DefaultPathRetry)}, opts...)
	s.paths = cache.New(s.resolve, all...)
	return s
}

// Root returns the directory the source reads from.
func (s *FileSource) Root() string { return s.root }

// InvalidatePaths forgets the cached directory listing.
func (s *FileSource) InvalidatePaths() { s.paths.Remove(s.root) }

func isProtocolFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func (s *FileSource) resolve(ctx context.Context, root string) ([]protocolFile, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list protocol directory %s: %w", root, err)
	}
	var files []protocolFile
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !e.IsDir() {
			if isProtocolFile(name) {
				files = append(files, protocolFile{
					Key:  strings.TrimSuffix(name, filepath.Ext(name)),
					Path: filepath.Join(root, name),
				})
			}
			continue
		}
		sub, err := os.ReadDir(filepath.Join(root, name))
		if err != nil {
			slog.Warn("FileSource.resolve: skipping unreadable project directory", "dir", name, "error", err)
			continue
		}
		for _, f := range sub {
			if f.IsDir() || !isProtocolFile(f.Name()) || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			subject := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
			files = append(files, protocolFile{
				Key:  name + "/" + subject,
				Path: filepath.Join(root, name, f.Name()),
			})
		}
	}
	slog.Debug("FileSource.resolve: resolved protocol files", "root", root, "count", len(files))
	return files, nil
}

// FetchAll reads and parses every protocol file. A file that fails to parse
// is skipped and logged; a listing failure falls back to the last
// listing that succeeded.
func (s *FileSource) FetchAll(ctx context.Context) (map[string]*Protocol, error) {
	files, err := s.paths.GetOrStale(ctx, s.root)
	if err != nil {
		return nil, err
	}
	protocols := make(map[string]*Protocol, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := ReadFile(f.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Listing is cached; the file may be gone already.
				continue
			}
			slog.Error("FileSource.FetchAll: skipping protocol", "key", f.Key, "path", f.Path, "error", err)
			continue
		}
		protocols[f.Key] = p
	}
	slog.Debug("FileSource.FetchAll: protocols loaded", "count", len(protocols))
	return protocols, nil
}

// ReadFile parses and validates one protocol file.
func ReadFile(path string) (*Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, strings.ToLower(filepath.Ext(path)) == ".json")
}

// Parse decodes a protocol document. Unknown fields are rejected. An invalid
// assessment is logged and kept so that the generator leaves only its own
// schedule empty. A protocol without an explicit version is versioned by a
// hash of its content.
func Parse(data []byte, isJSON bool) (*Protocol, error) {
	var p Protocol
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode protocol json: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode protocol yaml: %w", err)
		}
	}
	for i := range p.Assessments {
		if err := p.Assessments[i].Validate(); err != nil {
			slog.Warn("protocol.Parse: invalid assessment, it will produce no tasks",
				"protocol", p.Name, "assessment", p.Assessments[i].Name, "error", err)
		}
	}
	if p.Version == "" {
		h := fnv.New64a()
		h.Write(data)
		p.Version = fmt.Sprintf("%016x", h.Sum64())
	}
	return &p, nil
}
