package main

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"A=1", "B=x=y", "C="})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["A"] != "1" || got["B"] != "x=y" || got["C"] != "" {
		t.Errorf("unexpected pairs: %v", got)
	}
	for _, bad := range []string{"NOEQUALS", "=value"} {
		if _, err := parseAssignments([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestScopedRoutes(t *testing.T) {
	projectFlag, envFlag, pathFlag = "p 1", "prod", "/api/db"
	t.Cleanup(func() { projectFlag, envFlag, pathFlag = "", "", "/" })

	route := scoped(projectPath("secrets", "DB_URL"), url.Values{"recursive": {"true"}})
	u, err := url.Parse(route)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.EscapedPath() != "/v1/projects/p%201/secrets/DB_URL" {
		t.Errorf("path = %q", u.EscapedPath())
	}
	q := u.Query()
	if q.Get("environment") != "prod" || q.Get("path") != "/api/db" || q.Get("recursive") != "true" {
		t.Errorf("query = %v", q)
	}
}

func TestParseResponse(t *testing.T) {
	respond := func(status int, body string) *http.Response {
		rec := httptest.NewRecorder()
		rec.WriteHeader(status)
		rec.WriteString(body)
		return rec.Result()
	}

	got, err := parseResponse(respond(http.StatusOK, `{"data":{"key":"A"}}`))
	if err != nil {
		t.Fatalf("ok response: %v", err)
	}
	if _, pending := got["pending_review"]; pending {
		t.Error("200 must not be marked pending")
	}

	got, err = parseResponse(respond(http.StatusAccepted, `{"data":{"approval_request":{"id":"r1"}}}`))
	if err != nil || got["pending_review"] != true {
		t.Errorf("202 should be pending review: %v %v", got, err)
	}

	got, err = parseResponse(respond(http.StatusNoContent, ""))
	if err != nil || len(got) != 0 {
		t.Errorf("empty body: %v %v", got, err)
	}

	_, err = parseResponse(respond(http.StatusBadRequest, `{"errors":["not enough approvals"],"code":"NOT_ENOUGH_APPROVALS"}`))
	if err == nil || !strings.Contains(err.Error(), "NOT_ENOUGH_APPROVALS") {
		t.Errorf("error should carry the code: %v", err)
	}

	_, err = parseResponse(respond(http.StatusBadGateway, "<html>"))
	if err == nil || err.Error() != "HTTP 502" {
		t.Errorf("non-JSON error: %v", err)
	}
}

func TestEntryName(t *testing.T) {
	secret := map[string]any{"mode": "deleted", "pre": map[string]any{"folder_path": "/api/", "key": "TOKEN"}}
	if got := entryName(secret); got != "/api/TOKEN" {
		t.Errorf("secret entry = %q", got)
	}
	folder := map[string]any{"mode": "created", "post": map[string]any{"path": "/api/v2"}}
	if got := entryName(folder); got != "/api/v2" {
		t.Errorf("folder entry = %q", got)
	}
}
