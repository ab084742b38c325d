package transfer

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Fuabioo/recmerge/internal/record"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeJSON(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", name, err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	return string(data)
}

func mustParse(t *testing.T, s string) *record.Collection {
	t.Helper()
	c, err := record.Parse([]byte(s))
	if err != nil {
		t.Fatalf("Parse(%s): %v", s, err)
	}
	return c
}

func encode(t *testing.T, c *record.Collection) string {
	t.Helper()
	data, err := c.MarshalIndent()
	if err != nil {
		t.Fatalf("MarshalIndent: %v", err)
	}
	return string(data)
}

func TestTransferAddsMissingField(t *testing.T) {
	dir := t.TempDir()
	src := writeJSON(t, dir, "source.json", `{"m1": {"MonsterType": "Boss"}}`)
	dst := writeJSON(t, dir, "target.json", `{"m1": {"Name": "Slime"}}`)
	out := filepath.Join(dir, "out.json")

	res, err := New(testLogger()).Transfer(Request{
		Source: src,
		Target: dst,
		Output: out,
		Fields: []string{"MonsterType"},
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if res.Count != 1 {
		t.Errorf("Count = %d, want 1", res.Count)
	}
	if res.Output != out {
		t.Errorf("Output = %q, want %q", res.Output, out)
	}
	if len(res.Skips) != 0 {
		t.Errorf("Skips = %v, want none", res.Skips)
	}

	want := `{
  "m1": {
    "Name": "Slime",
    "MonsterType": "Boss"
  }
}
`
	if diff := cmp.Diff(want, readFile(t, out)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	// The target itself is untouched when an output path is given.
	if got := readFile(t, dst); got != `{"m1": {"Name": "Slime"}}` {
		t.Errorf("target modified: %s", got)
	}
}

func TestTransferFillMissingKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	src := writeJSON(t, dir, "source.json", `{"m1": {"MonsterType": "Boss"}}`)
	dst := writeJSON(t, dir, "target.json", `{"m1": {"Name": "Slime", "MonsterType": "Normal"}}`)
	out := filepath.Join(dir, "out.json")

	res, err := New(testLogger()).Transfer(Request{
		Source: src,
		Target: dst,
		Output: out,
		Fields: []string{"MonsterType"},
		Policy: FillMissing,
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("Count = %d, want 0", res.Count)
	}
	if len(res.Skips) != 0 {
		t.Errorf("Skips = %v, want none", res.Skips)
	}

	want := `{
  "m1": {
    "Name": "Slime",
    "MonsterType": "Normal"
  }
}
`
	if diff := cmp.Diff(want, readFile(t, out)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferIdentifierMissingFromSource(t *testing.T) {
	dir := t.TempDir()
	src := writeJSON(t, dir, "source.json", `{"m1": {"MonsterType": "Boss"}, "m9": {"MonsterType": "Elite"}}`)
	dst := writeJSON(t, dir, "target.json", `{"m1": {"Name": "Slime"}, "m2": {"Name": "Bat"}}`)

	res, err := New(testLogger()).Transfer(Request{
		Source: src,
		Target: dst,
		Fields: []string{"MonsterType"},
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("Count = %d, want 1", res.Count)
	}

	wantSkips := []Skip{{ID: "m2", Reason: ReasonIDNotFound}}
	if diff := cmp.Diff(wantSkips, res.Skips); diff != "" {
		t.Errorf("Skips mismatch (-want +got):\n%s", diff)
	}

	// No output path: the target is rewritten in place, m9 is not added.
	if res.Output != dst {
		t.Errorf("Output = %q, want %q", res.Output, dst)
	}
	want := `{
  "m1": {
    "Name": "Slime",
    "MonsterType": "Boss"
  },
  "m2": {
    "Name": "Bat"
  }
}
`
	if diff := cmp.Diff(want, readFile(t, dst)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferWarnsForEachSkip(t *testing.T) {
	dir := t.TempDir()
	src := writeJSON(t, dir, "source.json", `{"m1": {"Name": "Slime"}}`)
	dst := writeJSON(t, dir, "target.json", `{"m1": {}, "m2": {}}`)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	res, err := New(logger).Transfer(Request{
		Source: src,
		Target: dst,
		Fields: []string{"Name", "MonsterType"},
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("Count = %d, want 1", res.Count)
	}

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2:\n%s", len(lines), logs.String())
	}

	tests := []struct {
		line string
		want []string
	}{
		{lines[0], []string{"level=WARN", `msg="field not found in source"`, "id=m1", "field=MonsterType"}},
		{lines[1], []string{"level=WARN", `msg="identifier not found in source"`, "id=m2"}},
	}
	for _, tt := range tests {
		for _, want := range tt.want {
			if !strings.Contains(tt.line, want) {
				t.Errorf("log line %q missing %q", tt.line, want)
			}
		}
	}
	if strings.Contains(lines[1], "field=") {
		t.Errorf("identifier skip should not carry a field: %q", lines[1])
	}
}

func TestTransferWritesEscapedInputLiterally(t *testing.T) {
	dir := t.TempDir()
	src := writeJSON(t, dir, "source.json", `{"m1": {"MonsterType": "\u0411\u043e\u0441\u0441"}}`)
	dst := writeJSON(t, dir, "target.json", `{"m1": {"Name": "\u0421\u043b\u0438\u0437\u044c"}}`)
	out := filepath.Join(dir, "out.json")

	res, err := New(testLogger()).Transfer(Request{
		Source: src,
		Target: dst,
		Output: out,
		Fields: []string{"MonsterType"},
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("Count = %d, want 1", res.Count)
	}

	want := `{
  "m1": {
    "Name": "Слизь",
    "MonsterType": "Босс"
  }
}
`
	if diff := cmp.Diff(want, readFile(t, out)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferMalformedInputWritesNothing(t *testing.T) {
	tests := []struct {
		name   string
		source string
		target string
	}{
		{"malformed source", `{"m1": {`, `{"m1": {"Name": "Slime"}}`},
		{"malformed target", `{"m1": {"MonsterType": "Boss"}}`, `not json`},
		{"target not an object", `{"m1": {"MonsterType": "Boss"}}`, `[1, 2, 3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src := writeJSON(t, dir, "source.json", tt.source)
			dst := writeJSON(t, dir, "target.json", tt.target)
			out := filepath.Join(dir, "out.json")

			res, err := New(testLogger()).Transfer(Request{
				Source: src,
				Target: dst,
				Output: out,
				Fields: []string{"MonsterType"},
			})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if KindOf(err) != KindMalformedInput {
				t.Errorf("Kind = %v, want %v", KindOf(err), KindMalformedInput)
			}
			if res.Count != 0 {
				t.Errorf("Count = %d, want 0", res.Count)
			}
			if _, err := os.Stat(out); !os.IsNotExist(err) {
				t.Errorf("output file should not exist, stat err = %v", err)
			}
			if got := readFile(t, dst); got != tt.target {
				t.Errorf("target modified: %s", got)
			}
		})
	}
}

func TestTransferFileNotFound(t *testing.T) {
	dir := t.TempDir()
	dst := writeJSON(t, dir, "target.json", `{}`)
	missing := filepath.Join(dir, "missing.json")

	_, err := New(nil).Transfer(Request{Source: missing, Target: dst, Fields: []string{"a"}})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("error %T is not *Error", err)
	}
	if te.Kind != KindFileNotFound {
		t.Errorf("Kind = %v, want %v", te.Kind, KindFileNotFound)
	}
	if te.Path != missing {
		t.Errorf("Path = %q, want %q", te.Path, missing)
	}

	_, err = New(nil).Transfer(Request{Source: dst, Target: missing, Fields: []string{"a"}})
	if KindOf(err) != KindFileNotFound {
		t.Errorf("missing target: Kind = %v, want %v", KindOf(err), KindFileNotFound)
	}
}

func TestTransferUnwritableOutput(t *testing.T) {
	dir := t.TempDir()
	src := writeJSON(t, dir, "source.json", `{"m1": {"a": 1}}`)
	dst := writeJSON(t, dir, "target.json", `{"m1": {}}`)
	// A regular file where a parent directory is expected.
	blocker := writeJSON(t, dir, "blocker", ``)

	_, err := New(nil).Transfer(Request{
		Source: src,
		Target: dst,
		Output: filepath.Join(blocker, "out.json"),
		Fields: []string{"a"},
	})
	if KindOf(err) != KindUnexpected {
		t.Errorf("Kind = %v, want %v (err = %v)", KindOf(err), KindUnexpected, err)
	}
}

func TestBatchTransferForcesOverwrite(t *testing.T) {
	dir := t.TempDir()
	src := writeJSON(t, dir, "source.json", `{"m1": {"MonsterType": "Boss"}}`)
	dst := writeJSON(t, dir, "target.json", `{"m1": {"MonsterType": "Normal"}}`)

	res, err := New(nil).BatchTransfer(Request{
		Source: src,
		Target: dst,
		Fields: []string{"MonsterType"},
		Policy: FillMissing,
	})
	if err != nil {
		t.Fatalf("BatchTransfer: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("Count = %d, want 1", res.Count)
	}

	got := mustParse(t, readFile(t, dst))
	rec, _ := got.Get("m1")
	if v, _ := rec.Get("MonsterType"); string(v) != `"Boss"` {
		t.Errorf("MonsterType = %s, want \"Boss\"", v)
	}
}

func TestTransferIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := writeJSON(t, dir, "source.json", `{"m1": {"MonsterType": "Boss", "Level": 9}, "m2": {"Level": 1}}`)
	dst := writeJSON(t, dir, "target.json", `{"m1": {"Name": "Slime", "Level": 2}, "m2": {"Name": "Bat"}, "m3": {}}`)
	m := New(nil)
	req := Request{Source: src, Target: dst, Fields: []string{"MonsterType", "Level"}}

	first, err := m.Transfer(req)
	if err != nil {
		t.Fatalf("first Transfer: %v", err)
	}
	afterFirst := readFile(t, dst)

	second, err := m.Transfer(req)
	if err != nil {
		t.Fatalf("second Transfer: %v", err)
	}
	if diff := cmp.Diff(afterFirst, readFile(t, dst)); diff != "" {
		t.Errorf("second run changed output (-first +second):\n%s", diff)
	}
	if first.Count != second.Count {
		t.Errorf("counts differ: %d then %d", first.Count, second.Count)
	}
}

func TestMergeCount(t *testing.T) {
	const source = `{
		"m1": {"a": 1, "b": 2, "c": 3},
		"m2": {"a": 10},
		"m4": {"a": 40}
	}`
	const target = `{
		"m1": {"a": 0, "x": "keep"},
		"m2": {"b": 0},
		"m3": {"a": 0}
	}`

	tests := []struct {
		name      string
		fields    []string
		policy    Policy
		wantCount int
		wantSkips []Skip
	}{
		{
			name:      "overwrite counts present and absent",
			fields:    []string{"a", "b"},
			policy:    Overwrite,
			wantCount: 3, // m1.a, m1.b, m2.a
			wantSkips: []Skip{
				{ID: "m2", Field: "b", Reason: ReasonFieldNotFound},
				{ID: "m3", Reason: ReasonIDNotFound},
			},
		},
		{
			name:      "fill missing counts absent only",
			fields:    []string{"a", "b"},
			policy:    FillMissing,
			wantCount: 2, // m1.b, m2.a
			wantSkips: []Skip{
				{ID: "m2", Field: "b", Reason: ReasonFieldNotFound},
				{ID: "m3", Reason: ReasonIDNotFound},
			},
		},
		{
			name:      "repeated field under overwrite counts each copy",
			fields:    []string{"c", "c"},
			policy:    Overwrite,
			wantCount: 2,
			wantSkips: []Skip{
				{ID: "m2", Field: "c", Reason: ReasonFieldNotFound},
				{ID: "m2", Field: "c", Reason: ReasonFieldNotFound},
				{ID: "m3", Reason: ReasonIDNotFound},
			},
		},
		{
			name:      "repeated field under fill missing counts once",
			fields:    []string{"c", "c"},
			policy:    FillMissing,
			wantCount: 1,
			wantSkips: []Skip{
				{ID: "m2", Field: "c", Reason: ReasonFieldNotFound},
				{ID: "m2", Field: "c", Reason: ReasonFieldNotFound},
				{ID: "m3", Reason: ReasonIDNotFound},
			},
		},
		{
			name:      "no fields",
			fields:    nil,
			policy:    Overwrite,
			wantCount: 0,
			wantSkips: []Skip{{ID: "m3", Reason: ReasonIDNotFound}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := mustParse(t, source)
			dst := mustParse(t, target)

			res := Merge(src, dst, tt.fields, tt.policy)
			if res.Count != tt.wantCount {
				t.Errorf("Count = %d, want %d", res.Count, tt.wantCount)
			}
			if diff := cmp.Diff(tt.wantSkips, res.Skips); diff != "" {
				t.Errorf("Skips mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeKeepsIdentifierSet(t *testing.T) {
	src := mustParse(t, `{"a": {"f": 1}, "b": {"f": 2}, "only-source": {"f": 3}}`)
	dst := mustParse(t, `{"b": {}, "only-target": {"g": true}, "a": {"f": 0}}`)
	before := dst.IDs()

	Merge(src, dst, []string{"f"}, Overwrite)

	if diff := cmp.Diff(before, dst.IDs()); diff != "" {
		t.Errorf("identifier set changed (-before +after):\n%s", diff)
	}

	rec, _ := dst.Get("only-target")
	if rec.Len() != 1 {
		t.Errorf("only-target record changed: %d fields", rec.Len())
	}
}

func TestMergeFillMissingNeverChangesExisting(t *testing.T) {
	src := mustParse(t, `{"a": {"f": "new", "g": {"deep": 1}}, "b": {"f": null}}`)
	dst := mustParse(t, `{"a": {"f": "old", "g": [1, 2]}, "b": {"f": false}}`)
	before := encode(t, dst)

	res := Merge(src, dst, []string{"f", "g"}, FillMissing)

	if res.Count != 0 {
		t.Errorf("Count = %d, want 0", res.Count)
	}
	if diff := cmp.Diff(before, encode(t, dst)); diff != "" {
		t.Errorf("target changed (-before +after):\n%s", diff)
	}
}

func TestMergeShallowCopy(t *testing.T) {
	src := mustParse(t, `{"a": {"Stats": {"hp": 10}}}`)
	dst := mustParse(t, `{"a": {"Stats": {"mp": 5, "hp": 1}}}`)

	Merge(src, dst, []string{"Stats"}, Overwrite)

	rec, _ := dst.Get("a")
	v, _ := rec.Get("Stats")
	if string(v) != `{"hp": 10}` {
		t.Errorf("Stats = %s, want source value replaced wholesale", v)
	}

	// Mutating the source afterwards must not leak into the target.
	srec, _ := src.Get("a")
	sv, _ := srec.Get("Stats")
	sv[0] = 'X'
	if v, _ := rec.Get("Stats"); v[0] != '{' {
		t.Errorf("target shares memory with source: %s", v)
	}
}
