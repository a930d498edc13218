package models

import "testing"

func TestIsValidStatus(t *testing.T) {
	valid := []ConversationStatus{
		StatusStarted, StatusAsked, StatusQuestionSent, StatusWritingAnswer,
		StatusWaitingApproval, StatusPending, StatusFinished,
	}
	for _, s := range valid {
		if !IsValidStatus(s) {
			t.Errorf("IsValidStatus(%q) = false, want true", s)
		}
	}
	if IsValidStatus("bogus") {
		t.Error("IsValidStatus accepted an unknown status")
	}
}

func TestOccupiesResponder(t *testing.T) {
	busy := []ConversationStatus{StatusQuestionSent, StatusWritingAnswer, StatusWaitingApproval}
	for _, s := range busy {
		if !s.OccupiesResponder() {
			t.Errorf("%q should occupy the responder", s)
		}
	}
	free := []ConversationStatus{StatusStarted, StatusAsked, StatusPending, StatusFinished}
	for _, s := range free {
		if s.OccupiesResponder() {
			t.Errorf("%q should not occupy the responder", s)
		}
	}
}

func TestOccupiesAsker(t *testing.T) {
	if StatusFinished.OccupiesAsker() {
		t.Error("finished conversation should free the asker")
	}
	if !StatusPending.OccupiesAsker() {
		t.Error("pending conversation should keep the asker committed")
	}
}

func TestRoleOf(t *testing.T) {
	conv := Conversation{ID: 1, AskerID: 10, ActiveResponderID: 20}
	if got := conv.RoleOf(10); got != RoleAsker {
		t.Errorf("RoleOf(10) = %q, want %q", got, RoleAsker)
	}
	if got := conv.RoleOf(20); got != RoleResponder {
		t.Errorf("RoleOf(20) = %q, want %q", got, RoleResponder)
	}
	if got := conv.RoleOf(30); got != RoleNone {
		t.Errorf("RoleOf(30) = %q, want %q", got, RoleNone)
	}

	// Zero responder id means nobody is assigned; user 0 must not match it.
	parked := Conversation{ID: 2, AskerID: 10}
	if got := parked.RoleOf(0); got != RoleNone {
		t.Errorf("RoleOf(0) on unassigned conversation = %q, want %q", got, RoleNone)
	}
}

func TestTrackingDataRoundTrip(t *testing.T) {
	in := TrackingData{
		ConversationID: 42,
		Flow:           "approval",
		UnansweredIDs:  map[string]int64{"1": 7, "2": 9},
	}
	out := ParseTrackingData(in.Encode())
	if out.ConversationID != in.ConversationID || out.Flow != in.Flow {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
	if len(out.UnansweredIDs) != 2 || out.UnansweredIDs["1"] != 7 || out.UnansweredIDs["2"] != 9 {
		t.Errorf("unanswered ids did not round trip: %+v", out.UnansweredIDs)
	}
}

func TestParseTrackingDataTolerance(t *testing.T) {
	if got := ParseTrackingData(""); got.ConversationID != 0 {
		t.Errorf("empty payload should yield zero value, got %+v", got)
	}
	if got := ParseTrackingData("{not json"); got.ConversationID != 0 {
		t.Errorf("malformed payload should yield zero value, got %+v", got)
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	ok := Success([]int{1, 2})
	if ok.Status != string(APIStatusOK) || ok.Result == nil {
		t.Errorf("Success produced %+v", ok)
	}
	withMsg := SuccessWithMessage("created", nil)
	if withMsg.Status != string(APIStatusOK) || withMsg.Message != "created" {
		t.Errorf("SuccessWithMessage produced %+v", withMsg)
	}
	bad := Error("boom")
	if bad.Status != string(APIStatusError) || bad.Message != "boom" {
		t.Errorf("Error produced %+v", bad)
	}
}
