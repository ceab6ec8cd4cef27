// Package testutil provides fixtures shared by StudyPush package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/protocol"
	"github.com/BTreeMap/StudyPush/internal/store"
)

// NewStore opens a SQLite store in a per-test temporary directory and closes
// it when the test ends.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// MustUser stores a UTC, English-speaking participant enrolled at enrolled.
func MustUser(t testing.TB, st *store.Store, projectID, subjectID string, enrolled time.Time) *models.User {
	t.Helper()
	u := &models.User{
		ProjectID:     projectID,
		SubjectID:     subjectID,
		EnrolmentDate: enrolled,
		Timezone:      "UTC",
		Language:      "en",
	}
	if err := st.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("UpsertUser %s/%s: %v", projectID, subjectID, err)
	}
	return u
}

// Protocols is an in-memory protocol lookup keyed by subject id.
type Protocols struct {
	mu        sync.Mutex
	bySubject map[string]*protocol.Protocol
}

// NewProtocols returns an empty Protocols.
func NewProtocols() *Protocols {
	return &Protocols{bySubject: make(map[string]*protocol.Protocol)}
}

// Set assigns p to subjectID, or removes the assignment when p is nil.
func (p *Protocols) Set(subjectID string, proto *protocol.Protocol) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if proto == nil {
		delete(p.bySubject, subjectID)
		return
	}
	p.bySubject[subjectID] = proto
}

// ForParticipant returns the protocol set for subjectID.
func (p *Protocols) ForParticipant(_ context.Context, projectID, subjectID string) (*protocol.Protocol, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if proto, ok := p.bySubject[subjectID]; ok {
		return proto, nil
	}
	return nil, fmt.Errorf("%s/%s: %w", projectID, subjectID, protocol.ErrProtocolNotFound)
}

// DailyProtocol has one assessment, "PHQ8", repeating every `every` days with a
// one-day completion window.
func DailyProtocol(every int) *protocol.Protocol {
	return &protocol.Protocol{
		Version: fmt.Sprint(every),
		Name:    "radar",
		Assessments: []protocol.Assessment{{
			Name:                    "PHQ8",
			EstimatedCompletionTime: 5,
			Protocol: protocol.AssessmentProtocol{
				RepeatProtocol:   &protocol.RepeatProtocol{Unit: protocol.UnitDay, Amount: &every},
				CompletionWindow: &protocol.TimePeriod{Unit: protocol.UnitDay, Amount: 1},
			},
		}},
	}
}

// Response is the decoded envelope of an API response.
type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// DecodeResponse decodes the JSON envelope written to rr.
func DecodeResponse(t testing.TB, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return resp
}

// DecodeResult unmarshals the result of resp into target.
func DecodeResult(t testing.TB, resp Response, target any) {
	t.Helper()
	if err := json.Unmarshal(resp.Result, target); err != nil {
		t.Fatalf("invalid result %s: %v", resp.Result, err)
	}
}
