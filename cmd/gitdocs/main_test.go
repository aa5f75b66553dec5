package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/maruel/gitdocs/internal/docstore"
)

func TestParseWhere(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		field string
		op    docstore.FilterOp
		value any
	}{
		{"age:gt:30", "age", docstore.OpGreater, 30.0},
		{"name:eq:Alice", "name", docstore.OpEquals, "Alice"},
		{`name:eq:"30"`, "name", docstore.OpEquals, "30"},
		{"url:starts_with:http://x", "url", docstore.OpStartsWith, "http://x"},
		{"ok:eq:true", "ok", docstore.OpEquals, true},
		{"tags:is_empty", "tags", docstore.OpIsEmpty, nil},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			field, op, value, err := parseWhere(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if field != tc.field || op != tc.op || value != tc.value {
				t.Errorf("got %q %q %#v", field, op, value)
			}
		})
	}
	for _, bad := range []string{"", "age", ":eq:1", "age:like:1"} {
		if _, _, _, err := parseWhere(bad); err == nil {
			t.Errorf("parseWhere(%q) expected error", bad)
		}
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), 1},
		{&docstore.ValidationError{Collection: "users", Field: "email", Reason: docstore.ReasonRequired}, 2},
		{fmt.Errorf("users: %w", docstore.ErrConflict), 3},
		{fmt.Errorf("%w: 3 in users", errNotFound), 4},
	}
	for _, tc := range tests {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "gitdocs.yaml")
	gitDir := filepath.Join(dir, "repo")
	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		cmd := newRootCmd(&out)
		cmd.SetArgs(append([]string{"--config", cfgPath, "--env", "", "--git-dir", gitDir, "--log-level", "error"}, args...))
		err := cmd.ExecuteContext(t.Context())
		return out.String(), err
	}
	mustRun := func(args ...string) string {
		t.Helper()
		out, err := run(args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out
	}

	if out := mustRun("get", "users"); out != "[]\n" {
		t.Errorf("get empty = %q", out)
	}
	var r docstore.Record
	if err := json.Unmarshal([]byte(mustRun("insert", "users", `{"name":"Alice","age":31}`)), &r); err != nil {
		t.Fatal(err)
	}
	if r.ID() != "1" || r.UID() == "" || r["name"] != "Alice" {
		t.Errorf("inserted %v", r)
	}
	mustRun("bulk-insert", "users", `[{"name":"Bob","age":25},{"name":"Carol","age":40}]`)

	var got []docstore.Record
	if err := json.Unmarshal([]byte(mustRun("query", "users", "--where", "age:gt:30", "--sort", "age", "--desc", "--fields", "name")), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0]["name"] != "Carol" || got[1]["name"] != "Alice" || len(got[0]) != 1 {
		t.Errorf("query = %v", got)
	}

	mustRun("update", "users", "2", `{"age":26}`)
	if err := json.Unmarshal([]byte(mustRun("item", "users", "2")), &r); err != nil {
		t.Fatal(err)
	}
	if r["age"] != 26.0 || r["name"] != "Bob" {
		t.Errorf("updated %v", r)
	}

	mustRun("delete", "users", "1")
	if _, err := run("item", "users", "1"); exitCode(err) != 4 {
		t.Errorf("item after delete: %v", err)
	}
	if _, err := run("update", "users", "99", `{"a":1}`); exitCode(err) != 4 {
		t.Errorf("update missing: %v", err)
	}

	var names []string
	if err := json.Unmarshal([]byte(mustRun("collections")), &names); err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "users" {
		t.Errorf("collections = %v", names)
	}

	var commits []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(mustRun("history", "users")), &commits); err != nil {
		t.Fatal(err)
	}
	want := []string{"delete users: id 1", "update users: id 2", "insert users: ids 2-3", "insert users: id 1", "create users"}
	if len(commits) != len(want) {
		t.Fatalf("history = %v", commits)
	}
	for i, c := range commits {
		if c.Message != want[i] {
			t.Errorf("commit %d = %q, want %q", i, c.Message, want[i])
		}
	}

	if _, err := run("insert", "users", `[1]`); err == nil {
		t.Error("expected invalid record error")
	}
	if _, err := run("get", "a/b"); !errors.Is(err, docstore.ErrInvalidCollection) {
		t.Errorf("get a/b: %v", err)
	}
}
