package testutil

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPush/internal/protocol"
)

func TestProtocols(t *testing.T) {
	p := NewProtocols()
	ctx := context.Background()
	if _, err := p.ForParticipant(ctx, "radar", "s1"); !errors.Is(err, protocol.ErrProtocolNotFound) {
		t.Fatalf("expected ErrProtocolNotFound, got %v", err)
	}
	p.Set("s1", DailyProtocol(2))
	got, err := p.ForParticipant(ctx, "radar", "s1")
	if err != nil || got.Version != "2" {
		t.Fatalf("unexpected lookup %+v, %v", got, err)
	}
	p.Set("s1", nil)
	if _, err := p.ForParticipant(ctx, "radar", "s1"); err == nil {
		t.Error("expected the assignment to be removed")
	}
}

func TestDailyProtocolIsValid(t *testing.T) {
	if err := DailyProtocol(1).Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestMustUser(t *testing.T) {
	st := NewStore(t)
	u := MustUser(t, st, "radar", "s1", time.Now())
	if u.ID == 0 {
		t.Fatal("expected an assigned id")
	}
	got, err := st.GetUser(context.Background(), "radar", "s1")
	if err != nil || got.ID != u.ID {
		t.Errorf("unexpected user %+v, %v", got, err)
	}
}

func TestDecodeResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteString(`{"status":"ok","result":{"deleted":2}}`)
	resp := DecodeResponse(t, rr)
	var result map[string]int
	DecodeResult(t, resp, &result)
	if resp.Status != "ok" || result["deleted"] != 2 {
		t.Errorf("unexpected response %+v %v", resp, result)
	}
}
