package state

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/giftpulse/instance/internal/engine"
	"github.com/giftpulse/instance/internal/group"
)

func TestStore_LoadMissing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.yaml"))

	got, found, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if found {
		t.Error("found = true for a missing file")
	}
	if len(got.Groups) != 0 || got.Target != 0 {
		t.Errorf("settings = %+v, want zero", got)
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	s := NewStore(path)

	want := engine.Settings{
		Groups: []group.Group{
			{ID: "roses", Name: "Roses", Color: "#ff0000", Goal: 100, GiftIDs: []int{5655}},
			{ID: "big", Name: "Big gifts", Goal: 10, GiftIDs: []int{6064, 7934}},
			{ID: "empty", Name: "Nothing yet", GiftIDs: []int{}},
		},
		Target: 25000,
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, found, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !found {
		t.Fatal("found = false after Save")
	}
	if got.Target != want.Target {
		t.Errorf("Target = %d, want %d", got.Target, want.Target)
	}
	if len(got.Groups) != len(want.Groups) {
		t.Fatalf("groups = %+v", got.Groups)
	}
	for i := range want.Groups {
		w, g := want.Groups[i], got.Groups[i]
		if g.ID != w.ID || g.Name != w.Name || g.Color != w.Color || g.Goal != w.Goal {
			t.Errorf("group[%d] = %+v, want %+v", i, g, w)
		}
		if len(w.GiftIDs) > 0 && !reflect.DeepEqual(g.GiftIDs, w.GiftIDs) {
			t.Errorf("group[%d] gift ids = %v, want %v", i, g.GiftIDs, w.GiftIDs)
		}
	}
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "settings.yaml"))

	for i := 0; i < 3; i++ {
		if err := s.Save(engine.Settings{Target: int64(i + 1)}); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
	got, _, _ := s.Load()
	if got.Target != 3 {
		t.Errorf("Target = %d, want last write", got.Target)
	}
}

func TestStore_LoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "groups: [unterminated\n"},
		{"future version", "version: 99\ntarget: 5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, _, err := NewStore(path).Load(); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestStore_SaveToUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(filepath.Join(blocker, "settings.yaml"))
	if err := s.Save(engine.Settings{Target: 1}); err == nil {
		t.Error("Save() under a regular file succeeded, want error")
	}
}

func TestStore_SatisfiesSettingsSaver(t *testing.T) {
	var _ engine.SettingsSaver = NewStore("unused")
}
