// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// =====================================================
// UUID Type Tests
// =====================================================

func TestUUID_Value(t *testing.T) {
	uuid := UUID("123e4567-e89b-42d3-a456-426614174000")

	val, err := uuid.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if val != "123e4567-e89b-42d3-a456-426614174000" {
		t.Errorf("Value() = %v", val)
	}
}

func TestUUID_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    UUID
		wantErr bool
	}{
		{"nil", nil, "", false},
		{"string", "abc", "abc", false},
		{"bytes", []byte("abc"), "abc", false},
		{"int", 42, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u UUID
			err := u.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Scan(%v) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if u != tt.want {
				t.Errorf("Scan(%v) = %q, want %q", tt.input, u, tt.want)
			}
		})
	}
}

// =====================================================
// Record Tests
// =====================================================

func TestRecord_IsDirty(t *testing.T) {
	r := Record{Table: TableUsers, ID: "u1"}
	if r.IsDirty() {
		t.Error("IsDirty() = true for clean record")
	}
	r.LocalModifiedAt = 10
	if !r.IsDirty() {
		t.Error("IsDirty() = false for modified record")
	}
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	r := Record{Table: TableUsers, ID: "u1", Data: map[string]interface{}{"a": 1}}
	c := r.Clone()
	c.Data["a"] = 2
	c.Data["b"] = 3

	if r.Data["a"] != 1 {
		t.Errorf("original modified: %v", r.Data)
	}
	if _, ok := r.Data["b"]; ok {
		t.Error("key added to original")
	}
}

func TestRecord_CanonicalDataIgnoresKeyOrder(t *testing.T) {
	a := Record{Data: map[string]interface{}{"x": 1, "y": "two"}}
	b := Record{Data: map[string]interface{}{"y": "two", "x": 1}}

	ja, _ := a.CanonicalData()
	jb, _ := b.CanonicalData()
	if string(ja) != string(jb) {
		t.Errorf("canonical forms differ: %s vs %s", ja, jb)
	}

	empty, _ := Record{}.CanonicalData()
	if string(empty) != "{}" {
		t.Errorf("nil data = %s, want {}", empty)
	}
}

func TestIsSyncTable(t *testing.T) {
	for _, name := range SyncTables {
		if !IsSyncTable(name) {
			t.Errorf("IsSyncTable(%q) = false", name)
		}
	}
	if IsSyncTable("offline_actions") {
		t.Error("offline_actions must not be a sync table")
	}
}

// =====================================================
// Typed View Tests
// =====================================================

func TestUser_RecordConversion(t *testing.T) {
	u := &User{ID: "u1", DisplayName: "Ada", Level: 3, XP: 120, UpdatedAt: 1000}

	rec, err := u.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord() error = %v", err)
	}
	if rec.Table != TableUsers || rec.ID != "u1" || rec.UpdatedAt != 1000 {
		t.Errorf("envelope = %+v", rec)
	}
	if _, ok := rec.Data["id"]; ok {
		t.Error("id must not be duplicated in data")
	}

	back, err := UserFromRecord(rec)
	if err != nil {
		t.Fatalf("UserFromRecord() error = %v", err)
	}
	if back.DisplayName != "Ada" || back.XP != 120 || back.ID != "u1" {
		t.Errorf("UserFromRecord() = %+v", back)
	}
}

func TestResponse_OwnedBySession(t *testing.T) {
	r := &Response{ID: "r1", SessionID: "s1", ContentID: "c1", Answer: "42"}
	rec, err := r.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord() error = %v", err)
	}
	if rec.Owner != "s1" {
		t.Errorf("Owner = %q, want s1", rec.Owner)
	}
}

func TestKnowledgeState_OwnedByUser(t *testing.T) {
	k := &KnowledgeState{ID: "k1", UserID: "u1", ContentID: "c1", Mastery: 0.5}
	rec, err := k.ToRecord()
	if err != nil {
		t.Fatalf("ToRecord() error = %v", err)
	}
	if rec.Owner != "u1" {
		t.Errorf("Owner = %q, want u1", rec.Owner)
	}
	back, err := KnowledgeStateFromRecord(rec)
	if err != nil {
		t.Fatalf("KnowledgeStateFromRecord() error = %v", err)
	}
	if back.Mastery != 0.5 {
		t.Errorf("Mastery = %v", back.Mastery)
	}
}

// =====================================================
// OfflineAction Tests
// =====================================================

func TestOfflineAction_TableName(t *testing.T) {
	if got := (OfflineAction{}).TableName(); got != "offline_actions" {
		t.Errorf("TableName() = %q", got)
	}
}

func TestOfflineAction_WillEvictOnFailure(t *testing.T) {
	tests := []struct {
		retry, max int
		want       bool
	}{
		{0, 3, false},
		{1, 3, false},
		{2, 3, true},
		{0, 1, true},
	}
	for _, tt := range tests {
		a := &OfflineAction{RetryCount: tt.retry, MaxRetries: tt.max}
		if got := a.WillEvictOnFailure(); got != tt.want {
			t.Errorf("retry=%d max=%d: got %v, want %v", tt.retry, tt.max, got, tt.want)
		}
	}
}

func TestOfflineAction_MarshalJSONTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &OfflineAction{
		ID:        "a1",
		Type:      ActionFriendAdded,
		Payload:   &FriendAdded{UserID: "u1", FriendID: "u2"},
		Timestamp: ts.UnixMilli(),
	}

	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if out["timestamp"] != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %v", out["timestamp"])
	}
	payload, _ := out["payload"].(map[string]interface{})
	if payload["friend_id"] != "u2" {
		t.Errorf("payload = %v", out["payload"])
	}
}

// =====================================================
// Payload Registry Tests
// =====================================================

func TestDecodePayload_KnownTypes(t *testing.T) {
	p, err := DecodePayload(ActionAnswerSubmitted, []byte(`{"session_id":"s1","content_id":"c1","answer":"b","correct":true}`))
	if err != nil {
		t.Fatalf("DecodePayload error = %v", err)
	}
	ans, ok := p.(*AnswerSubmitted)
	if !ok {
		t.Fatalf("payload type = %T", p)
	}
	if !ans.Correct || ans.Answer != "b" {
		t.Errorf("decoded = %+v", ans)
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload("teleported", []byte(`{}`))
	var unknown *ErrUnknownActionType
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want ErrUnknownActionType", err)
	}
	if unknown.Type != "teleported" {
		t.Errorf("Type = %q", unknown.Type)
	}
}

func TestDecodePayload_Malformed(t *testing.T) {
	_, err := DecodePayload(ActionFriendAdded, []byte(`{not json`))
	if err == nil || !strings.Contains(err.Error(), "friend_added") {
		t.Errorf("error = %v", err)
	}
}

func TestRegisteredActionTypes(t *testing.T) {
	types := RegisteredActionTypes()
	want := map[ActionType]bool{
		ActionAnswerSubmitted: true,
		ActionProfileUpdated:  true,
		ActionFriendAdded:     true,
		ActionProgressSynced:  true,
	}
	for _, typ := range types {
		delete(want, typ)
	}
	if len(want) != 0 {
		t.Errorf("missing types: %v", want)
	}
}

func TestPayloads_Touches(t *testing.T) {
	tests := []struct {
		name    string
		payload ActionPayload
		want    []RecordRef
	}{
		{"answer", &AnswerSubmitted{ResponseID: "r1"}, []RecordRef{{TableResponses, "r1"}}},
		{"answer without response", &AnswerSubmitted{}, nil},
		{"profile", &ProfileUpdated{UserID: "u1"}, []RecordRef{{TableUsers, "u1"}}},
		{"friend", &FriendAdded{UserID: "u1", FriendID: "u2"}, nil},
		{"progress", &ProgressSynced{StateID: "k1"}, []RecordRef{{TableKnowledgeStates, "k1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.payload.Touches()
			if len(got) != len(tt.want) {
				t.Fatalf("Touches() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Touches()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPayloads_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload ActionPayload
		wantErr bool
	}{
		{"answer ok", &AnswerSubmitted{SessionID: "s", ContentID: "c"}, false},
		{"answer missing session", &AnswerSubmitted{ContentID: "c"}, true},
		{"profile no fields", &ProfileUpdated{UserID: "u"}, true},
		{"profile ok", &ProfileUpdated{UserID: "u", Fields: map[string]interface{}{"bio": "x"}}, false},
		{"friend self", &FriendAdded{UserID: "u", FriendID: "u"}, true},
		{"progress out of range", &ProgressSynced{UserID: "u", ContentID: "c", Mastery: 1.5}, true},
		{"progress ok", &ProgressSynced{UserID: "u", ContentID: "c", Mastery: 0.7}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// =====================================================
// Conflict / Cache Tests
// =====================================================

func TestParseResolutionType(t *testing.T) {
	tests := []struct {
		in      string
		want    ResolutionType
		wantErr bool
	}{
		{"CLIENT_WINS", ClientWins, false},
		{"server_wins", ServerWins, false},
		{" merge ", Merge, false},
		{"Manual", Manual, false},
		{"last_write_wins", "", true},
	}
	for _, tt := range tests {
		got, err := ParseResolutionType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseResolutionType(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestCacheEntry_Expired(t *testing.T) {
	past := int64(100)
	e := &CacheEntry{ExpiresAt: &past}
	if !e.Expired(100) {
		t.Error("entry must be expired at its expiry instant")
	}
	if e.Expired(99) {
		t.Error("entry expired early")
	}
	if (&CacheEntry{}).Expired(1 << 60) {
		t.Error("entry without expiry must never expire")
	}
}

func TestSyncMetadata_LastSyncTime(t *testing.T) {
	m := &SyncMetadata{}
	if !m.LastSyncTime().IsZero() {
		t.Error("never-synced metadata should return zero time")
	}
	m.LastSyncAt = 5000
	if m.LastSyncTime().UnixMilli() != 5000 {
		t.Errorf("LastSyncTime() = %v", m.LastSyncTime())
	}
}
