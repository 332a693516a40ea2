package toolkit

import (
	"os"
	"path/filepath"
	"testing"
)

const editFixture = "const x = 1;\nconst y = 2;\nconst z = 3;\n"

func editFixtureFile(t *testing.T, k *Kernel) string {
	t.Helper()
	writeWorkspaceFile(t, k.WorkspaceRoot(), "x.ts", editFixture)
	return filepath.Join(k.WorkspaceRoot(), "x.ts")
}

func readBack(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	return string(data)
}

func TestEditReplaceLine(t *testing.T) {
	k := newTestKernel(t)
	path := editFixtureFile(t, k)

	result, err := execute(t, k, "repo.edit", map[string]any{
		"path": "x.ts",
		"operations": []map[string]any{
			{"type": "replace-line", "line": 1, "expectedHash": "749b17", "content": "const x = 10;"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	edit := result.(*EditResult)
	if edit.AppliedOperations != 1 || len(edit.FailedOperations) != 0 {
		t.Fatalf("result = %+v, want 1 applied", edit)
	}
	want := "const x = 10;\nconst y = 2;\nconst z = 3;\n"
	if got := readBack(t, path); got != want {
		t.Errorf("file = %q, want %q", got, want)
	}
	if edit.FileHash != FileHash([]byte(want)) {
		t.Errorf("fileHash = %s, want hash of updated bytes", edit.FileHash)
	}
}

func TestEditAnchorMismatchAtomic(t *testing.T) {
	k := newTestKernel(t)
	path := editFixtureFile(t, k)

	result, err := execute(t, k, "repo.edit", map[string]any{
		"path": "x.ts",
		"operations": []map[string]any{
			{"type": "replace-line", "line": 1, "expectedHash": "ffffff", "content": "const x = 10;"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	edit := result.(*EditResult)
	if edit.AppliedOperations != 0 || len(edit.FailedOperations) != 1 {
		t.Fatalf("result = %+v, want 0 applied 1 failed", edit)
	}
	fail := edit.FailedOperations[0]
	if fail.Code != FailAnchorMismatch || fail.Index != 0 {
		t.Errorf("failure = %+v", fail)
	}
	// Window covers line 1 and its only neighbor.
	if len(fail.AnchorWindow) != 2 || fail.AnchorWindow[0] != (Anchor{Line: 1, Hash: "749b17"}) {
		t.Errorf("anchorWindow = %v", fail.AnchorWindow)
	}
	if got := readBack(t, path); got != editFixture {
		t.Errorf("file changed: %q", got)
	}
}

func TestEditStaleBase(t *testing.T) {
	k := newTestKernel(t)
	path := editFixtureFile(t, k)

	result, err := execute(t, k, "repo.edit", map[string]any{
		"path":     "x.ts",
		"baseHash": "0000000000000000000000000000000000000000",
		"operations": []map[string]any{
			{"type": "replace-line", "line": 1, "expectedHash": "749b17", "content": "const x = 10;"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	edit := result.(*EditResult)
	if edit.AppliedOperations != 0 || len(edit.FailedOperations) != 1 || edit.FailedOperations[0].Code != FailStaleBase {
		t.Fatalf("result = %+v, want stale-base with 0 applied", edit)
	}
	if got := readBack(t, path); got != editFixture {
		t.Errorf("file changed: %q", got)
	}
}

func TestEditBaseHashAccepted(t *testing.T) {
	k := newTestKernel(t)
	editFixtureFile(t, k)

	result, err := execute(t, k, "repo.edit", map[string]any{
		"path":     "x.ts",
		"baseHash": FileHash([]byte(editFixture)),
		"operations": []map[string]any{
			{"type": "insert-after", "line": 1, "expectedHash": "749b17", "content": "const w = 0;"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	edit := result.(*EditResult)
	if edit.AppliedOperations != 1 || len(edit.FailedOperations) != 0 {
		t.Fatalf("result = %+v, want 1 applied", edit)
	}
}

func TestEditInsertAfter(t *testing.T) {
	k := newTestKernel(t)
	path := editFixtureFile(t, k)

	if _, err := execute(t, k, "repo.edit", map[string]any{
		"path": "x.ts",
		"operations": []map[string]any{
			{"type": "insert-after", "line": 1, "expectedHash": "749b17", "content": "const w = 0;"},
		},
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "const x = 1;\nconst w = 0;\nconst y = 2;\nconst z = 3;\n"
	if got := readBack(t, path); got != want {
		t.Errorf("file = %q, want %q", got, want)
	}
}

func TestEditReplaceRange(t *testing.T) {
	k := newTestKernel(t)
	path := editFixtureFile(t, k)

	result, err := execute(t, k, "repo.edit", map[string]any{
		"path": "x.ts",
		"operations": []map[string]any{
			{
				"type": "replace-range", "startLine": 2, "endLine": 3,
				"startHash": LineHash("const y = 2;"), "endHash": LineHash("const z = 3;"),
				"content": "const sum = 5;",
			},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	edit := result.(*EditResult)
	if edit.AppliedOperations != 1 {
		t.Fatalf("result = %+v", edit)
	}
	want := "const x = 1;\nconst sum = 5;\n"
	if got := readBack(t, path); got != want {
		t.Errorf("file = %q, want %q", got, want)
	}
}

func TestEditInvalidRange(t *testing.T) {
	k := newTestKernel(t)
	editFixtureFile(t, k)

	tests := []struct {
		name string
		op   map[string]any
	}{
		{"line beyond file", map[string]any{"type": "replace-line", "line": 9, "expectedHash": "ffffff", "content": "x"}},
		{"line zero", map[string]any{"type": "replace-line", "line": 0, "expectedHash": "ffffff", "content": "x"}},
		{"end before start", map[string]any{"type": "replace-range", "startLine": 3, "endLine": 1, "startHash": "ffffff", "endHash": "ffffff", "content": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := execute(t, k, "repo.edit", map[string]any{
				"path":       "x.ts",
				"operations": []map[string]any{tt.op},
			})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			edit := result.(*EditResult)
			if edit.AppliedOperations != 0 || len(edit.FailedOperations) != 1 || edit.FailedOperations[0].Code != FailInvalidRange {
				t.Errorf("result = %+v, want invalid-range", edit)
			}
		})
	}
}

func TestEditAtomicRollsBackOnPartialFailure(t *testing.T) {
	k := newTestKernel(t)
	path := editFixtureFile(t, k)

	result, err := execute(t, k, "repo.edit", map[string]any{
		"path": "x.ts",
		"operations": []map[string]any{
			{"type": "replace-line", "line": 1, "expectedHash": "749b17", "content": "const x = 10;"},
			{"type": "replace-line", "line": 2, "expectedHash": "ffffff", "content": "const y = 20;"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	edit := result.(*EditResult)
	if edit.AppliedOperations != 0 || len(edit.FailedOperations) != 1 {
		t.Fatalf("result = %+v, want rollback with 1 failure", edit)
	}
	if got := readBack(t, path); got != editFixture {
		t.Errorf("file changed: %q", got)
	}
	if edit.FileHash != FileHash([]byte(editFixture)) {
		t.Errorf("fileHash = %s, want on-disk hash", edit.FileHash)
	}
}

func TestEditBestEffortPersistsPartial(t *testing.T) {
	k := newTestKernel(t)
	path := editFixtureFile(t, k)

	result, err := execute(t, k, "repo.edit", map[string]any{
		"path": "x.ts",
		"mode": "best-effort",
		"operations": []map[string]any{
			{"type": "replace-line", "line": 1, "expectedHash": "749b17", "content": "const x = 10;"},
			{"type": "replace-line", "line": 2, "expectedHash": "ffffff", "content": "const y = 20;"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	edit := result.(*EditResult)
	if edit.AppliedOperations != 1 || len(edit.FailedOperations) != 1 {
		t.Fatalf("result = %+v, want 1 applied 1 failed", edit)
	}
	want := "const x = 10;\nconst y = 2;\nconst z = 3;\n"
	if got := readBack(t, path); got != want {
		t.Errorf("file = %q, want %q", got, want)
	}
}
