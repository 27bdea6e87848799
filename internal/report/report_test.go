package report

import (
	"errors"
	"os"
	"testing"

	"github.com/deixis/extbuild/internal/supervisor"
)

// memStore is a backing store that counts loads.
type memStore struct {
	results map[string]*supervisor.Result
	loads   int
}

func newMemStore() *memStore {
	return &memStore{results: make(map[string]*supervisor.Result)}
}

func (m *memStore) Save(r *supervisor.Result) error {
	m.results[r.RunID] = r
	return nil
}

func (m *memStore) Load(id string) (*supervisor.Result, error) {
	m.loads++
	r, ok := m.results[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func TestLRUStore_EvictsOldest(t *testing.T) {
	back := newMemStore()
	s := NewLRUStore(2, back)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Save(&supervisor.Result{RunID: id}); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}

	// "a" was evicted from memory but the backing store still has it.
	r, err := s.Load("a")
	if err != nil {
		t.Fatalf("Load(a): %v", err)
	}
	if r.RunID != "a" {
		t.Errorf("RunID = %q, want a", r.RunID)
	}
	if back.loads != 1 {
		t.Errorf("backing loads = %d, want 1", back.loads)
	}

	// "a" is now cached again.
	if _, err := s.Load("a"); err != nil {
		t.Fatal(err)
	}
	if back.loads != 1 {
		t.Errorf("backing loads = %d, want 1 after cache hit", back.loads)
	}
}

func TestLRUStore_Recent(t *testing.T) {
	s := NewLRUStore(5, newMemStore())
	for _, id := range []string{"a", "b", "c"} {
		_ = s.Save(&supervisor.Result{RunID: id})
	}
	_, _ = s.Load("a")

	got := s.Recent(2)
	if len(got) != 2 || got[0].RunID != "a" || got[1].RunID != "c" {
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.RunID
		}
		t.Errorf("Recent(2) = %v, want [a c]", ids)
	}
}

func TestLRUStore_RejectsEmptyRunID(t *testing.T) {
	s := NewLRUStore(1, newMemStore())
	if err := s.Save(&supervisor.Result{}); err == nil {
		t.Fatal("expected error for empty run ID")
	}
}

func TestDiskStore_RoundTripAndClose(t *testing.T) {
	s := NewDiskStore()
	in := &supervisor.Result{
		RunID:    "run-1",
		Status:   supervisor.NonZeroExit,
		ExitCode: 2,
		Stderr:   "error: gcc failed\n",
		Command:  []string{"python3", "setup.py"},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	dir := s.dir

	out, err := s.Load("run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Status != in.Status || out.ExitCode != in.ExitCode || out.Stderr != in.Stderr {
		t.Errorf("Load = %+v, want %+v", out, in)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("result directory still exists after Close: %v", err)
	}
}

func TestDiskStore_LoadRejectsPaths(t *testing.T) {
	s := NewDiskStore()
	defer s.Close()
	if _, err := s.Load("../etc/passwd"); err == nil {
		t.Fatal("expected error for path-like run ID")
	}
}

func TestSearch(t *testing.T) {
	r := &supervisor.Result{
		Stdout: "running build_ext\r\ncythonizing foo.pyx\n\nbuilding 'foo' extension\n",
		Stderr: "warning: foo.pyx:3: unused\rerror: command 'gcc' failed\n",
	}

	all := Search(r, "", "")
	if len(all) != 5 {
		t.Fatalf("Search(all) = %d lines, want 5: %+v", len(all), all)
	}
	if all[0].Stream != Stdout || all[4].Stream != Stderr {
		t.Errorf("stream order = %s..%s, want stdout..stderr", all[0].Stream, all[4].Stream)
	}

	got := Search(r, Stderr, "error")
	if len(got) != 1 {
		t.Fatalf("Search(stderr, error) = %+v, want 1 line", got)
	}
	if got[0].Number != 2 || got[0].Text != "error: command 'gcc' failed" {
		t.Errorf("line = %+v, want number 2 gcc error", got[0])
	}

	if got := Search(r, Stdout, "error"); len(got) != 0 {
		t.Errorf("Search(stdout, error) = %+v, want none", got)
	}
}

func TestTail(t *testing.T) {
	lines := []Line{{Number: 1}, {Number: 2}, {Number: 3}}
	if got := Tail(lines, 2); len(got) != 2 || got[0].Number != 2 {
		t.Errorf("Tail(2) = %+v, want lines 2-3", got)
	}
	if got := Tail(lines, 0); len(got) != 3 {
		t.Errorf("Tail(0) = %+v, want all", got)
	}
}
