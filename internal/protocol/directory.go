package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPush/internal/cache"
)

// ErrProtocolNotFound is returned when no protocol applies to a participant.
var ErrProtocolNotFound = errors.New("protocol not found")

// Default directory cache timers.
const (
	DefaultDirectoryTTL   = time.Hour
	DefaultDirectoryRetry = 2 * time.Hour
)

// Directory caches the full set of protocols from a Source. Lookups fall back
// to the last fetched set when the source fails, and only fail outright when
// no set was ever fetched.
type Directory struct {
	source Source
	cache  *cache.MapCache[string, *Protocol]
}

// NewDirectory wraps source. Options configure the whole-map cache (defaults:
// 1h TTL, 2h retry for missing keys).
func NewDirectory(source Source, opts ...cache.Option) *Directory {
	all := append([]cache.Option{cache.WithTTL(DefaultDirectoryTTL), cache.WithRetryTime(DefaultDirectoryRetry)}, opts...)
	return &Directory{
		source: source,
		cache:  cache.NewMapCache(source.FetchAll, all...),
	}
}

// SubjectKey is the directory key of a participant-specific protocol.
func SubjectKey(projectID, subjectID string) string {
	return projectID + "/" + subjectID
}

// ForParticipant returns the protocol of a participant: its own override when
// one exists, else its project's protocol.
func (d *Directory) ForParticipant(ctx context.Context, projectID, subjectID string) (*Protocol, error) {
	if subjectID != "" {
		p, ok, err := d.lookup(ctx, SubjectKey(projectID, subjectID))
		if err != nil {
			return nil, err
		}
		if ok {
			return p, nil
		}
	}
	p, ok, err := d.lookup(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: project %s", ErrProtocolNotFound, projectID)
	}
	return p, nil
}

func (d *Directory) lookup(ctx context.Context, key string) (*Protocol, bool, error) {
	p, ok, err := d.cache.GetKey(ctx, key)
	if err == nil {
		return p, ok, nil
	}
	if _, cached := d.cache.Cached(); !cached {
		return nil, false, fmt.Errorf("fetch protocols: %w", err)
	}
	slog.Warn("Directory.lookup: protocol source failed, using cached protocols", "key", key, "fetchedAt", d.cache.FetchedAt(), "error", err)
	p, ok = d.cache.CachedKey(key)
	return p, ok, nil
}

// All returns every protocol, falling back to the last fetched set on error.
func (d *Directory) All(ctx context.Context) (map[string]*Protocol, error) {
	m, err := d.cache.Get(ctx)
	if err == nil {
		return m, nil
	}
	if cached, ok := d.cache.Cached(); ok {
		slog.Warn("Directory.All: protocol source failed, using cached protocols", "error", err)
		return cached, nil
	}
	return nil, fmt.Errorf("fetch protocols: %w", err)
}

// Invalidate forces the next lookup to refetch.
func (d *Directory) Invalidate() {
	if fs, ok := d.source.(*FileSource); ok {
		fs.InvalidatePaths()
	}
	d.cache.Invalidate()
}
