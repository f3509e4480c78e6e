package session

import (
	"testing"
	"time"

	"github.com/toolmeter/gateway/internal/clock"
)

func TestCreateAndRecordCall(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	m := New(Config{MaxActiveSessions: 5, DefaultTTL: time.Minute}, mock)

	s, err := m.CreateSession(CreateRequest{Key: "k1"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if s.Status != StatusActive {
		t.Fatalf("expected active status, got %s", s.Status)
	}

	if err := m.RecordCall(s.ID, "search", 2.5); err != nil {
		t.Fatalf("record call failed: %v", err)
	}

	rep, err := m.GetSessionReport(s.ID)
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if rep.TotalCalls != 1 || rep.TotalCredits != 2.5 {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestMaxActiveSessionsEnforced(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	m := New(Config{MaxActiveSessions: 1, DefaultTTL: time.Minute}, mock)

	if _, err := m.CreateSession(CreateRequest{Key: "k1"}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := m.CreateSession(CreateRequest{Key: "k1"}); err != ErrTooManyActiveSessions {
		t.Fatalf("expected ErrTooManyActiveSessions, got %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	m := New(Config{MaxActiveSessions: 5, DefaultTTL: time.Second}, mock)

	s, _ := m.CreateSession(CreateRequest{Key: "k1"})
	mock.Advance(2 * time.Second)

	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("expected status expired on lazy read, got %s", got.Status)
	}
}

func TestRecordCallRejectedOnEndedSession(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	m := New(Config{MaxActiveSessions: 5, DefaultTTL: time.Minute}, mock)

	s, _ := m.CreateSession(CreateRequest{Key: "k1"})
	if err := m.EndSession(s.ID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if err := m.RecordCall(s.ID, "search", 1); err != ErrSessionNotActive {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
}

func TestGetKeyReportAggregatesAcrossSessions(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	m := New(Config{MaxActiveSessions: 5, DefaultTTL: time.Minute}, mock)

	s1, _ := m.CreateSession(CreateRequest{Key: "k1"})
	m.RecordCall(s1.ID, "search", 1)
	m.EndSession(s1.ID)

	s2, _ := m.CreateSession(CreateRequest{Key: "k1"})
	m.RecordCall(s2.ID, "search", 2)
	m.RecordCall(s2.ID, "fetch", 5)

	rep := m.GetKeyReport("k1")
	if rep.TotalCalls != 3 || rep.TotalCredits != 8 {
		t.Errorf("unexpected aggregate report: %+v", rep)
	}
	if len(rep.ByTool) != 2 || rep.ByTool[0].Tool != "fetch" {
		t.Errorf("expected fetch first (descending credits), got %+v", rep.ByTool)
	}
}

func TestCleanupRemovesOldEndedSessions(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	m := New(Config{MaxActiveSessions: 5, DefaultTTL: time.Minute}, mock)

	s, _ := m.CreateSession(CreateRequest{Key: "k1"})
	m.EndSession(s.ID)

	mock.Advance(2 * time.Hour)
	removed := m.Cleanup(int((time.Hour).Milliseconds()))
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := m.GetSession(s.ID); err != ErrSessionNotFound {
		t.Errorf("expected session to be gone, got err=%v", err)
	}
}

func TestEndSessionNotFound(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	m := New(Config{MaxActiveSessions: 5, DefaultTTL: time.Minute}, mock)

	if err := m.EndSession("sess_ghost"); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
