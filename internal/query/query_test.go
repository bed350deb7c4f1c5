package query

import (
	"reflect"
	"testing"

	"github.com/mwhitfield/rosterboard/internal/store"
)

func testRecords() []store.Record {
	return []store.Record{
		{ID: "1", Group: "A", Name: "Ann", DateOfBirth: "2000-01-01", Reason: "transfer"},
		{ID: "2", Group: "B", Name: "Bob", DateOfBirth: "2001-02-02", Reason: "new enrollment"},
		{ID: "3", Group: "A", Name: "Carol", DateOfBirth: "1999-12-31", Reason: "re-admission"},
	}
}

func TestSearch(t *testing.T) {
	records := testRecords()

	tests := []struct {
		name    string
		term    string
		wantIDs []string
	}{
		{"matches name", "ann", []string{"1"}},
		{"case insensitive", "BOB", []string{"2"}},
		{"matches group", "b", []string{"1", "2"}},
		{"matches date of birth", "1999", []string{"3"}},
		{"matches reason", "admission", []string{"3"}},
		{"no match", "zzz", []string{}},
		{"empty term matches all", "", []string{"1", "2", "3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Search(records, tt.term)
			gotIDs := make([]string, 0, len(got))
			for _, r := range got {
				gotIDs = append(gotIDs, r.ID)
			}
			if !reflect.DeepEqual(gotIDs, tt.wantIDs) {
				t.Errorf("Search(%q) = %v, want %v", tt.term, gotIDs, tt.wantIDs)
			}
		})
	}
}

func TestSearch_Idempotent(t *testing.T) {
	records := testRecords()

	first := Search(records, "a")
	second := Search(records, "a")
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Search() not idempotent: %v != %v", first, second)
	}
}

func TestSearch_DoesNotMutateInput(t *testing.T) {
	records := testRecords()
	want := testRecords()

	Search(records, "ann")
	if !reflect.DeepEqual(records, want) {
		t.Error("Search() mutated its input")
	}
}

func TestFilterGroup(t *testing.T) {
	records := testRecords()

	got := FilterGroup(records, "A")
	if len(got) != 2 {
		t.Fatalf("FilterGroup(\"A\") = %d records, want 2", len(got))
	}
	if got[0].ID != "1" || got[1].ID != "3" {
		t.Errorf("FilterGroup(\"A\") order = [%s %s], want [1 3]", got[0].ID, got[1].ID)
	}

	if got := FilterGroup(records, "C"); len(got) != 0 {
		t.Errorf("FilterGroup(\"C\") = %d records, want 0", len(got))
	}
}

func TestFilterGroup_AllSentinel(t *testing.T) {
	records := testRecords()

	got := FilterGroup(records, GroupAll)
	if !reflect.DeepEqual(got, records) {
		t.Errorf("FilterGroup(GroupAll) = %v, want full collection", got)
	}

	// returned slice must be a copy
	got[0].Name = "mutated"
	if records[0].Name == "mutated" {
		t.Error("FilterGroup(GroupAll) returned the input slice, want copy")
	}
}
