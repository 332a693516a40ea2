package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, root, name, doc string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SkillFilename), []byte(doc), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func skillDoc(name, description string) string {
	return "---\nname: " + name + "\ndescription: " + description + "\n---\nBody of " + name + "."
}

func TestDiscoverPriorityOrder(t *testing.T) {
	workspace := t.TempDir()
	home := t.TempDir()

	// The same name in all three roots; the agent dir must win.
	writeSkill(t, filepath.Join(workspace, ".agent", "skills"), "deploy", skillDoc("deploy", "agent version"))
	writeSkill(t, filepath.Join(workspace, ".skills"), "deploy", skillDoc("deploy", "workspace version"))
	writeSkill(t, filepath.Join(home, ".strand", "skills"), "deploy", skillDoc("deploy", "home version"))
	writeSkill(t, filepath.Join(home, ".strand", "skills"), "review", skillDoc("review", "only in home"))

	r := NewRegistry(workspace, home)
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	deploy, ok := r.Get("deploy")
	if !ok || deploy.Description != "agent version" {
		t.Errorf("deploy = %+v, want agent source to win", deploy)
	}
	if deploy.Source != SourceAgent {
		t.Errorf("source = %s, want agent", deploy.Source)
	}
	if _, ok := r.Get("review"); !ok {
		t.Error("review skill from home dir not discovered")
	}
}

func TestDiscoverExtraDirs(t *testing.T) {
	workspace := t.TempDir()
	extra := t.TempDir()
	writeSkill(t, extra, "extra-skill", skillDoc("extra-skill", "from extras"))

	r := NewRegistry(workspace, "", extra)
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	entry, ok := r.Get("extra-skill")
	if !ok || entry.Source != SourceExtra {
		t.Errorf("entry = %+v, want extra source", entry)
	}
}

func TestRegistryOperations(t *testing.T) {
	r := NewRegistry(t.TempDir(), "")
	seed := []*Entry{
		{Name: "alpha", Description: "First helper"},
		{Name: "beta", Description: "Second HELPER"},
		{Name: "gamma", Description: "Unrelated"},
	}
	for _, entry := range seed {
		if err := r.Register(entry); err != nil {
			t.Fatalf("Register %s: %v", entry.Name, err)
		}
	}

	t.Run("duplicate register fails", func(t *testing.T) {
		if err := r.Register(&Entry{Name: "alpha"}); err == nil {
			t.Error("duplicate register succeeded")
		}
	})

	t.Run("getAll sorted", func(t *testing.T) {
		all := r.GetAll()
		if len(all) != 3 || all[0].Name != "alpha" || all[2].Name != "gamma" {
			t.Errorf("GetAll = %v", all)
		}
	})

	t.Run("filter", func(t *testing.T) {
		got := r.Filter([]string{"gamma", "alpha", "missing"})
		if len(got) != 2 || got[0].Name != "gamma" || got[1].Name != "alpha" {
			t.Errorf("Filter = %v", got)
		}
		if all := r.Filter(nil); len(all) != 3 {
			t.Errorf("Filter(nil) = %d entries, want all", len(all))
		}
	})

	t.Run("search is case-insensitive", func(t *testing.T) {
		got := r.Search("helper")
		if len(got) != 2 {
			t.Errorf("Search = %v, want alpha and beta", got)
		}
		if got := r.Search("ALPHA"); len(got) != 1 || got[0].Name != "alpha" {
			t.Errorf("Search by name = %v", got)
		}
	})

	t.Run("listBySource", func(t *testing.T) {
		bySource := r.ListBySource()
		if len(bySource[SourceManual]) != 3 {
			t.Errorf("ListBySource = %v", bySource)
		}
	})
}

func TestManualSkillsSurviveRediscovery(t *testing.T) {
	workspace := t.TempDir()
	writeSkill(t, filepath.Join(workspace, ".skills"), "disk", skillDoc("disk", "on disk"))

	r := NewRegistry(workspace, "")
	if err := r.Register(&Entry{Name: "manual", Description: "in memory"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if _, ok := r.Get("disk"); !ok {
		t.Error("disk skill missing after discovery")
	}
	if _, ok := r.Get("manual"); !ok {
		t.Error("manual skill lost on rediscovery")
	}
}
