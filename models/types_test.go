// ABOUTME: Tests for sync engine data models
// ABOUTME: Validates tag set algebra, credential expiry and canonical field building
package models

import (
	"testing"
	"time"
)

func TestTagSetAlgebra(t *testing.T) {
	current := NewTagSet("1", "2")
	requested := NewTagSet("2", "3")
	removal := NewTagSet("1", "9")

	add := requested.Minus(current)
	if len(add) != 1 || !add.Has("3") {
		t.Errorf("expected add {3}, got %v", add.Sorted())
	}

	remove := removal.Intersect(current)
	if len(remove) != 1 || !remove.Has("1") {
		t.Errorf("expected remove {1}, got %v", remove.Sorted())
	}
}

func TestNewTagSetIgnoresEmpty(t *testing.T) {
	s := NewTagSet("", "a", "a")
	if len(s) != 1 {
		t.Errorf("expected 1 tag, got %d", len(s))
	}
}

func TestCredentialExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		expires  *time.Time
		expected bool
	}{
		{"no expiry", nil, false},
		{"past", &past, true},
		{"future", &future, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Credential{ExpiresAt: tt.expires}
			if got := c.Expired(now, 30*time.Second); got != tt.expected {
				t.Errorf("Expired() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCanonicalFields(t *testing.T) {
	u := &LocalUser{
		Email:  "a@x.com",
		Name:   "Alice",
		Fields: map[string]any{"city": "Chicago"},
	}

	fields := u.CanonicalFields()
	if fields[FieldEmail] != "a@x.com" {
		t.Errorf("expected email in canonical fields, got %v", fields[FieldEmail])
	}
	if fields["city"] != "Chicago" {
		t.Errorf("expected city in canonical fields, got %v", fields["city"])
	}

	fields["city"] = "Paris"
	if u.Fields["city"] != "Chicago" {
		t.Error("canonical fields must not alias the user's field map")
	}
}

func TestFieldMappingParticipates(t *testing.T) {
	if (FieldMapping{LocalKey: "a", RemoteKey: "", Active: true}).Participates() {
		t.Error("mapping with empty remote key must not participate")
	}
	if (FieldMapping{LocalKey: "a", RemoteKey: "b", Active: false}).Participates() {
		t.Error("inactive mapping must not participate")
	}
	if !(FieldMapping{LocalKey: "a", RemoteKey: "b", Active: true}).Participates() {
		t.Error("active mapping should participate")
	}
}
