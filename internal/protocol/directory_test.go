package protocol

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPush/internal/cache"
)

type fakeSource struct {
	mu        sync.Mutex
	protocols map[string]*Protocol
	err       error
	calls     int
}

func (f *fakeSource) FetchAll(ctx context.Context) (map[string]*Protocol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]*Protocol, len(f.protocols))
	for k, v := range f.protocols {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSource) set(protocols map[string]*Protocol, err error) {
	f.mu.Lock()
	f.protocols, f.err = protocols, err
	f.mu.Unlock()
}

func TestDirectory_ForParticipantPrefersSubjectOverride(t *testing.T) {
	project := &Protocol{Version: "p"}
	override := &Protocol{Version: "s"}
	src := &fakeSource{protocols: map[string]*Protocol{
		"radar":                      project,
		SubjectKey("radar", "sub-1"): override,
	}}
	dir := NewDirectory(src)
	ctx := context.Background()

	got, err := dir.ForParticipant(ctx, "radar", "sub-1")
	if err != nil || got != override {
		t.Fatalf("Expected subject override, got %+v %v", got, err)
	}
	got, err = dir.ForParticipant(ctx, "radar", "sub-2")
	if err != nil || got != project {
		t.Fatalf("Expected project protocol, got %+v %v", got, err)
	}
	if _, err := dir.ForParticipant(ctx, "other", "sub-1"); !errors.Is(err, ErrProtocolNotFound) {
		t.Fatalf("Expected ErrProtocolNotFound, got %v", err)
	}
}

func TestDirectory_StaleFallbackOnSourceFailure(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	src := &fakeSource{}
	dir := NewDirectory(src, cache.WithClock(clock))
	ctx := context.Background()

	src.set(nil, errors.New("offline"))
	if _, err := dir.ForParticipant(ctx, "radar", ""); err == nil {
		t.Fatal("Expected failure when nothing was ever fetched")
	}

	v1 := &Protocol{Version: "1"}
	src.set(map[string]*Protocol{"radar": v1}, nil)
	if got, err := dir.ForParticipant(ctx, "radar", ""); err != nil || got != v1 {
		t.Fatalf("Expected v1, got %+v %v", got, err)
	}

	src.set(nil, errors.New("offline again"))
	advance(2 * time.Hour)
	got, err := dir.ForParticipant(ctx, "radar", "")
	if err != nil || got != v1 {
		t.Fatalf("Expected stale v1 on failure, got %+v %v", got, err)
	}
	all, err := dir.All(ctx)
	if err != nil || all["radar"] != v1 {
		t.Fatalf("Expected stale map from All, got %v %v", all, err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileSource_FetchAll(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "radar.yaml"), sampleYAML)
	writeFile(t, filepath.Join(root, "radar", "sub-1.json"), `{"version":"override","protocols":[]}`)
	writeFile(t, filepath.Join(root, "broken.yaml"), "protocols: [ {name: x, protocol: {repeatProtocol: {unit: day")
	writeFile(t, filepath.Join(root, "typo.json"), `{"protocols":[],"protocol":[]}`)
	writeFile(t, filepath.Join(root, "README.md"), "ignored")

	src := NewFileSource(root)
	got, err := src.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 protocols (broken skipped), got %d: %v", len(got), got)
	}
	if got["radar"].Version != "3" {
		t.Errorf("Unexpected project protocol %+v", got["radar"])
	}
	if got[SubjectKey("radar", "sub-1")].Version != "override" {
		t.Errorf("Unexpected override %+v", got[SubjectKey("radar", "sub-1")])
	}
}

func TestDirectory_InvalidAssessmentKeepsSiblings(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "proj.yaml"), `
version: "1"
protocols:
  - name: Good
    protocol:
      repeatProtocol:
        unit: day
        amount: 1
  - name: Broken
    protocol:
      repeatProtocol:
        unit: day
`)
	dir := NewDirectory(NewFileSource(root))
	p, err := dir.ForParticipant(context.Background(), "proj", "sub1")
	if err != nil {
		t.Fatalf("ForParticipant failed: %v", err)
	}
	if len(p.Assessments) != 2 || p.Assessments[0].Name != "Good" {
		t.Fatalf("Expected both assessments, got %+v", p.Assessments)
	}
	if err := p.Assessments[0].Validate(); err != nil {
		t.Errorf("Good assessment should validate: %v", err)
	}
	if err := p.Assessments[1].Validate(); !errors.Is(err, ErrInvalidRepeatProtocol) {
		t.Errorf("Expected the broken assessment to stay invalid, got %v", err)
	}
}

func TestFileSource_ListingIsCachedUntilInvalidated(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.json"), `{"protocols":[]}`)
	src := NewFileSource(root)
	ctx := context.Background()
	if got, _ := src.FetchAll(ctx); len(got) != 1 {
		t.Fatalf("Expected 1 protocol, got %d", len(got))
	}

	writeFile(t, filepath.Join(root, "b.json"), `{"protocols":[]}`)
	if got, _ := src.FetchAll(ctx); len(got) != 1 {
		t.Fatalf("Expected cached listing with 1 protocol, got %d", len(got))
	}
	src.InvalidatePaths()
	if got, _ := src.FetchAll(ctx); len(got) != 2 {
		t.Fatalf("Expected 2 protocols after invalidation, got %d", len(got))
	}
}

func TestWatch_InvalidatesOnChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "radar.json"), `{"version":"1","protocols":[]}`)
	src := NewFileSource(root)
	dir := NewDirectory(src)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if p, err := dir.ForParticipant(ctx, "radar", ""); err != nil || p.Version != "1" {
		t.Fatalf("initial lookup: %+v %v", p, err)
	}

	changed := make(chan struct{}, 1)
	go func() {
		_ = Watch(ctx, dir, src, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(root, "radar.json"), `{"version":"2","protocols":[]}`)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
	p, err := dir.ForParticipant(ctx, "radar", "")
	if err != nil || p.Version != "2" {
		t.Fatalf("Expected reloaded version 2, got %+v %v", p, err)
	}
}
