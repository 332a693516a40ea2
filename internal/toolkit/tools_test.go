package toolkit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeWorkspaceFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestRepoRead(t *testing.T) {
	k := newTestKernel(t)
	writeWorkspaceFile(t, k.WorkspaceRoot(), "src/x.ts", "const x = 1;\nconst y = 2;\nconst z = 3;\n")

	t.Run("whole file", func(t *testing.T) {
		result, err := execute(t, k, "repo.read", map[string]any{"path": "src/x.ts"})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		read := result.(*ReadResult)
		if read.Content != "const x = 1;\nconst y = 2;\nconst z = 3;" {
			t.Errorf("content = %q", read.Content)
		}
		if read.TotalLines != 3 || read.StartLine != 1 || read.EndLine != 3 {
			t.Errorf("range = %d..%d of %d", read.StartLine, read.EndLine, read.TotalLines)
		}
		if read.Anchors != nil {
			t.Errorf("anchors = %v, want none without includeAnchors", read.Anchors)
		}
	})

	t.Run("line range with anchors", func(t *testing.T) {
		result, err := execute(t, k, "repo.read", map[string]any{
			"path": "src/x.ts", "startLine": 1, "endLine": 1, "includeAnchors": true,
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		read := result.(*ReadResult)
		if read.Content != "const x = 1;" {
			t.Errorf("content = %q, want first line", read.Content)
		}
		if len(read.Anchors) != 1 || read.Anchors[0] != (Anchor{Line: 1, Hash: "749b17"}) {
			t.Errorf("anchors = %v, want [{1 749b17}]", read.Anchors)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := execute(t, k, "repo.read", map[string]any{"path": "nope.ts"}); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("err = %v, want ErrFileNotFound", err)
		}
	})

	t.Run("jail enforced", func(t *testing.T) {
		if _, err := execute(t, k, "repo.read", map[string]any{"path": "../../etc/passwd"}); !errors.Is(err, ErrWorkspaceEscape) {
			t.Errorf("err = %v, want ErrWorkspaceEscape", err)
		}
	})
}

func TestRepoPatch(t *testing.T) {
	k := newTestKernel(t)

	t.Run("creates nested file", func(t *testing.T) {
		result, err := execute(t, k, "repo.patch", map[string]any{
			"path": "deep/dir/new.txt", "content": "one\ntwo\n",
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		patch := result.(*PatchResult)
		if !patch.Created || patch.LinesChanged != 2 {
			t.Errorf("result = %+v, want created with 2 lines changed", patch)
		}
		data, err := os.ReadFile(filepath.Join(k.WorkspaceRoot(), "deep/dir/new.txt"))
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if string(data) != "one\ntwo\n" {
			t.Errorf("content = %q", data)
		}
	})

	t.Run("overwrite counts changed lines", func(t *testing.T) {
		writeWorkspaceFile(t, k.WorkspaceRoot(), "count.txt", "a\nb\n")
		result, err := execute(t, k, "repo.patch", map[string]any{
			"path": "count.txt", "content": "a\nx\nc\n",
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		patch := result.(*PatchResult)
		// One line count delta plus b != x at index 1.
		if patch.Created || patch.LinesChanged != 2 {
			t.Errorf("result = %+v, want 2 lines changed on existing file", patch)
		}
	})

	t.Run("createIfMissing false", func(t *testing.T) {
		_, err := execute(t, k, "repo.patch", map[string]any{
			"path": "ghost.txt", "content": "x", "createIfMissing": false,
		})
		if !errors.Is(err, ErrFileNotFound) {
			t.Errorf("err = %v, want ErrFileNotFound", err)
		}
	})
}

func TestRepoSearch(t *testing.T) {
	k := newTestKernel(t)
	writeWorkspaceFile(t, k.WorkspaceRoot(), "a.go", "package main\n// needle here\n")
	writeWorkspaceFile(t, k.WorkspaceRoot(), "docs/b.txt", "needle\nneedle\n")
	writeWorkspaceFile(t, k.WorkspaceRoot(), ".git/config", "needle\n")

	t.Run("recursive case-sensitive", func(t *testing.T) {
		result, err := execute(t, k, "repo.search", map[string]any{"query": "needle"})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		search := result.(*SearchResult)
		if len(search.Matches) != 3 {
			t.Fatalf("matches = %v, want 3 outside .git", search.Matches)
		}
		for _, m := range search.Matches {
			if strings.HasPrefix(m.File, ".git/") {
				t.Errorf("match in denied path: %+v", m)
			}
		}
	})

	t.Run("case sensitivity", func(t *testing.T) {
		result, err := execute(t, k, "repo.search", map[string]any{"query": "NEEDLE"})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if search := result.(*SearchResult); len(search.Matches) != 0 {
			t.Errorf("matches = %v, want none", search.Matches)
		}
	})

	t.Run("glob filter", func(t *testing.T) {
		result, err := execute(t, k, "repo.search", map[string]any{"query": "needle", "globs": []string{"*.go"}})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		search := result.(*SearchResult)
		if len(search.Matches) != 1 || search.Matches[0].File != "a.go" || search.Matches[0].Line != 2 {
			t.Errorf("matches = %+v, want a.go line 2", search.Matches)
		}
	})

	t.Run("max results", func(t *testing.T) {
		result, err := execute(t, k, "repo.search", map[string]any{"query": "needle", "maxResults": 1})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		search := result.(*SearchResult)
		if len(search.Matches) != 1 || !search.Truncated {
			t.Errorf("matches = %d truncated = %v, want 1 truncated", len(search.Matches), search.Truncated)
		}
	})
}

func TestProcessRun(t *testing.T) {
	k := newTestKernel(t)

	t.Run("captures exit and streams", func(t *testing.T) {
		result, err := execute(t, k, "process.run", map[string]any{
			"command": "echo out; echo err 1>&2; exit 3",
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		proc := result.(*ProcessResult)
		if proc.ExitCode != 3 {
			t.Errorf("exitCode = %d, want 3", proc.ExitCode)
		}
		if proc.Stdout != "out\n" || proc.Stderr != "err\n" {
			t.Errorf("stdout = %q stderr = %q", proc.Stdout, proc.Stderr)
		}
		if proc.DurationMs < 0 {
			t.Errorf("durationMs = %d", proc.DurationMs)
		}
	})

	t.Run("cwd is jailed", func(t *testing.T) {
		if err := os.MkdirAll(filepath.Join(k.WorkspaceRoot(), "sub"), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		result, err := execute(t, k, "process.run", map[string]any{"command": "pwd", "cwd": "sub"})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		proc := result.(*ProcessResult)
		if !strings.HasSuffix(strings.TrimSpace(proc.Stdout), "/sub") {
			t.Errorf("pwd = %q, want .../sub", proc.Stdout)
		}

		if _, err := execute(t, k, "process.run", map[string]any{"command": "pwd", "cwd": "../.."}); !errors.Is(err, ErrWorkspaceEscape) {
			t.Errorf("err = %v, want ErrWorkspaceEscape", err)
		}
	})
}
