package cluster

import (
	"testing"
	"time"
)

func TestUpsertNodeTracksSlotOwnership(t *testing.T) {
	s := NewState("me")
	s.UpsertNode(NodeInfo{ID: "n1", Flags: FlagPrimary, Slots: []uint16{1, 2, 3}})

	if owner := s.OwnerOfSlot(2); owner != "n1" {
		t.Fatalf("expected n1 to own slot 2, got %q", owner)
	}
	if s.IOwnSlot(2) {
		t.Fatal("me does not own slot 2")
	}
}

func TestRemoveNodeClearsSlots(t *testing.T) {
	s := NewState("me")
	s.UpsertNode(NodeInfo{ID: "n1", Flags: FlagPrimary, Slots: []uint16{5}})
	s.RemoveNode("n1")
	if owner := s.OwnerOfSlot(5); owner != "" {
		t.Fatalf("expected slot 5 to be unowned after removal, got %q", owner)
	}
}

func TestCheckTimeoutsMarksPFail(t *testing.T) {
	s := NewState("me")
	s.UpsertNode(NodeInfo{ID: "n1", Flags: FlagPrimary})
	past := time.Now().Add(-10 * time.Second)
	s.MarkPongReceived("n1", past)

	pfail := s.CheckTimeouts(1*time.Second, time.Now())
	if len(pfail) != 1 || pfail[0] != "n1" {
		t.Fatalf("expected n1 to be flagged PFAIL, got %v", pfail)
	}
	info, _ := s.Node("n1")
	if !info.Flags.Has(FlagPFail) {
		t.Fatal("expected FlagPFail to be set")
	}
}

func TestMarkPongReceivedClearsPFail(t *testing.T) {
	s := NewState("me")
	s.UpsertNode(NodeInfo{ID: "n1", Flags: FlagPrimary | FlagPFail})
	s.MarkPongReceived("n1", time.Now())
	info, _ := s.Node("n1")
	if info.Flags.Has(FlagPFail) {
		t.Fatal("a fresh PONG must clear PFAIL")
	}
}

func TestRecordPFailReportReachesQuorum(t *testing.T) {
	s := NewState("me")
	s.UpsertNode(NodeInfo{ID: "primary", Flags: FlagPrimary})
	s.UpsertNode(NodeInfo{ID: "p2", Flags: FlagPrimary})
	s.UpsertNode(NodeInfo{ID: "p3", Flags: FlagPrimary})

	if s.RecordPFailReport("primary", "p2", time.Now()) {
		t.Fatal("one report out of three primaries should not reach quorum")
	}
	if !s.RecordPFailReport("primary", "p3", time.Now()) {
		t.Fatal("two reports out of three primaries should reach quorum")
	}
}

func TestCleanStalePFailReportsExpires(t *testing.T) {
	s := NewState("me")
	s.UpsertNode(NodeInfo{ID: "primary", Flags: FlagPrimary})
	s.UpsertNode(NodeInfo{ID: "p2", Flags: FlagPrimary})
	s.UpsertNode(NodeInfo{ID: "p3", Flags: FlagPrimary})
	old := time.Now().Add(-time.Hour)
	s.RecordPFailReport("primary", "reporter", old)
	s.CleanStalePFailReports(1*time.Second, time.Now())

	if s.RecordPFailReport("primary", "other-reporter", time.Now()) {
		t.Fatal("stale report should have been purged, leaving only one fresh report out of quorum 2")
	}
}
