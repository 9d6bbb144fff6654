package main

import (
	"testing"

	"stageline/internal/domain"
)

func TestParseSubmit(t *testing.T) {
	cases := []struct {
		in   string
		want domain.Action
		ok   bool
	}{
		{"home:bob/hello=openSUSE:Factory", domain.Action{Type: domain.ActionSubmit, SourceProject: "home:bob", SourcePackage: "hello", TargetProject: "openSUSE:Factory"}, true},
		{"home:bob/hello=openSUSE:Factory/hello2", domain.Action{Type: domain.ActionSubmit, SourceProject: "home:bob", SourcePackage: "hello", TargetProject: "openSUSE:Factory", TargetPackage: "hello2"}, true},
		{"home:bob/hello", domain.Action{}, false},
		{"home:bob=openSUSE:Factory", domain.Action{}, false},
		{"home:bob/hello=", domain.Action{}, false},
	}
	for _, tc := range cases {
		got, err := parseSubmit(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("%q: unexpected error state %v", tc.in, err)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("%q: got %+v want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseReviewSubjectKeepsProjectColons(t *testing.T) {
	subj, err := parseReviewSubject("project:openSUSE:Factory:Staging:A")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if subj.Scope != domain.ScopeProject || subj.ID != "openSUSE:Factory:Staging:A" {
		t.Fatalf("unexpected subject %+v", subj)
	}
	if _, err := parseReviewSubject("maintainers"); err == nil {
		t.Fatalf("expected error without scope")
	}
	if _, err := parseDelete("openSUSE:Factory"); err == nil {
		t.Fatalf("expected error without package")
	}
}
