package isdp

import (
	"errors"
	"regexp"
	"testing"
)

const (
	testEUICCID = "89012345678901234567"
	testICCID   = "8901234567890123456"
)

var aidPattern = regexp.MustCompile(`^A0000005591010[0-9A-F]{8}$`)

// constReader returns an endless stream of one byte value, forcing AID
// collisions.
type constReader struct{ b byte }

func (c constReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = c.b
	}
	return len(p), nil
}

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry(Config{})

	rec, err := r.Create(testEUICCID, 256)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !aidPattern.MatchString(rec.AID) {
		t.Errorf("AID = %q, want match for %q", rec.AID, aidPattern)
	}
	if rec.State != StateCreated {
		t.Errorf("State = %s, want %s", rec.State, StateCreated)
	}
	if rec.EUICCID != testEUICCID {
		t.Errorf("EUICCID = %q, want %q", rec.EUICCID, testEUICCID)
	}
	if rec.Memory != 256 {
		t.Errorf("Memory = %d, want 256", rec.Memory)
	}
	if rec.ICCID != "" {
		t.Errorf("ICCID = %q, want empty before install", rec.ICCID)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}
	if free := r.FreeMemory(testEUICCID); free != DefaultMemoryUnits-256 {
		t.Errorf("FreeMemory() = %d, want %d", free, DefaultMemoryUnits-256)
	}

	rec2, err := r.Create(testEUICCID, 256)
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if rec2.AID == rec.AID {
		t.Errorf("duplicate AID %q", rec.AID)
	}
	if free := r.FreeMemory(testEUICCID); free != 0 {
		t.Errorf("FreeMemory() = %d, want 0", free)
	}

	if _, err := r.Create(testEUICCID, 1); !errors.Is(err, ErrInsufficientMemory) {
		t.Errorf("Create() over budget error = %v, want ErrInsufficientMemory", err)
	}
}

func TestRegistryCreate_Invalid(t *testing.T) {
	r := NewRegistry(Config{})

	if _, err := r.Create("", 64); err == nil {
		t.Error("Create() with empty eUICC ID succeeded")
	}
	if _, err := r.Create(testEUICCID, -1); err == nil {
		t.Error("Create() with negative memory succeeded")
	}
}

func TestRegistryCreate_DeclaredMemory(t *testing.T) {
	r := NewRegistry(Config{})
	r.DeclareMemory(testEUICCID, 100)

	if _, err := r.Create(testEUICCID, 101); !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("Create() error = %v, want ErrInsufficientMemory", err)
	}
	if _, err := r.Create(testEUICCID, 100); err != nil {
		t.Fatalf("Create() within declared budget error = %v", err)
	}
	if free := r.FreeMemory(testEUICCID); free != 0 {
		t.Errorf("FreeMemory() = %d, want 0", free)
	}
}

func TestRegistryCreate_AIDCollision(t *testing.T) {
	r := NewRegistry(Config{Rand: constReader{b: 0xAB}})

	rec, err := r.Create(testEUICCID, 1)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.AID != AIDPrefix+"ABABABAB" {
		t.Fatalf("AID = %q, want %q", rec.AID, AIDPrefix+"ABABABAB")
	}

	// Every further draw yields the same AID.
	if _, err := r.Create(testEUICCID, 1); err == nil {
		t.Error("Create() with exhausted AID source succeeded")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry(Config{})
	rec, err := r.Create(testEUICCID, 128)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	aid := rec.AID

	steps := []struct {
		name string
		op   func() error
		want State
	}{
		{"upload", func() error { return r.Upload(aid) }, StateUploaded},
		{"install", func() error { return r.Install(aid, testICCID) }, StateInstalled},
		{"enable", func() error { return r.Enable(aid) }, StateEnabled},
		{"disable", func() error { return r.Disable(aid) }, StateDisabled},
		{"reenable", func() error { return r.Enable(aid) }, StateEnabled},
		{"delete", func() error { return r.Delete(aid) }, StateDeleted},
	}
	for _, step := range steps {
		if err := step.op(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		got, err := r.Get(aid)
		if err != nil {
			t.Fatalf("%s: Get() error = %v", step.name, err)
		}
		if got.State != step.want {
			t.Fatalf("%s: State = %s, want %s", step.name, got.State, step.want)
		}
	}

	got, _ := r.Get(aid)
	if got.ICCID != testICCID {
		t.Errorf("ICCID = %q, want %q", got.ICCID, testICCID)
	}
	if free := r.FreeMemory(testEUICCID); free != DefaultMemoryUnits {
		t.Errorf("FreeMemory() after delete = %d, want %d", free, DefaultMemoryUnits)
	}

	// DELETED is terminal.
	for name, op := range map[string]func() error{
		"upload":  func() error { return r.Upload(aid) },
		"install": func() error { return r.Install(aid, testICCID) },
		"enable":  func() error { return r.Enable(aid) },
		"disable": func() error { return r.Disable(aid) },
		"delete":  func() error { return r.Delete(aid) },
	} {
		if err := op(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s after delete: error = %v, want ErrInvalidTransition", name, err)
		}
	}
}

func TestRegistryInstall_FromCreated(t *testing.T) {
	r := NewRegistry(Config{})
	rec, err := r.Create(testEUICCID, 64)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := r.Install(rec.AID, testICCID); err != nil {
		t.Fatalf("Install() from CREATED error = %v", err)
	}
	got, _ := r.Get(rec.AID)
	if got.State != StateInstalled {
		t.Errorf("State = %s, want %s", got.State, StateInstalled)
	}
}

func TestRegistryInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		prep func(r *Registry, aid string) error
		op   func(r *Registry, aid string) error
	}{
		{
			name: "upload_after_install",
			prep: func(r *Registry, aid string) error { return r.Install(aid, testICCID) },
			op:   func(r *Registry, aid string) error { return r.Upload(aid) },
		},
		{
			name: "install_twice",
			prep: func(r *Registry, aid string) error { return r.Install(aid, testICCID) },
			op:   func(r *Registry, aid string) error { return r.Install(aid, testICCID) },
		},
		{
			name: "enable_from_created",
			prep: func(r *Registry, aid string) error { return nil },
			op:   func(r *Registry, aid string) error { return r.Enable(aid) },
		},
		{
			name: "enable_from_uploaded",
			prep: func(r *Registry, aid string) error { return r.Upload(aid) },
			op:   func(r *Registry, aid string) error { return r.Enable(aid) },
		},
		{
			name: "disable_from_installed",
			prep: func(r *Registry, aid string) error { return r.Install(aid, testICCID) },
			op:   func(r *Registry, aid string) error { return r.Disable(aid) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(Config{})
			rec, err := r.Create(testEUICCID, 16)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if err := tt.prep(r, rec.AID); err != nil {
				t.Fatalf("prep: %v", err)
			}
			if err := tt.op(r, rec.AID); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestRegistryInstall_NoProfile(t *testing.T) {
	r := NewRegistry(Config{})
	rec, err := r.Create(testEUICCID, 16)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := r.Install(rec.AID, ""); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Install() with empty ICCID error = %v, want ErrProfileNotFound", err)
	}
}

func TestRegistryEnable_NoProfile(t *testing.T) {
	r := NewRegistry(Config{})
	rec := &ISDP{
		AID:     AIDPrefix + "DEADBEEF",
		EUICCID: testEUICCID,
		Memory:  16,
		State:   StateInstalled,
	}
	if err := r.Restore(rec); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if err := r.Enable(rec.AID); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Enable() without bound profile error = %v, want ErrProfileNotFound", err)
	}
}

func TestRegistryRestore(t *testing.T) {
	r := NewRegistry(Config{})
	rec := &ISDP{
		AID:     AIDPrefix + "00000001",
		EUICCID: testEUICCID,
		ICCID:   testICCID,
		Memory:  200,
		State:   StateEnabled,
	}
	if err := r.Restore(rec); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	got, err := r.Get(rec.AID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != StateEnabled || got.ICCID != testICCID {
		t.Errorf("restored record = %+v", got)
	}
	if free := r.FreeMemory(testEUICCID); free != DefaultMemoryUnits-200 {
		t.Errorf("FreeMemory() = %d, want %d", free, DefaultMemoryUnits-200)
	}

	if err := r.Restore(rec); err == nil {
		t.Error("Restore() with duplicate AID succeeded")
	}
	if err := r.Restore(&ISDP{AID: AIDPrefix + "00000002", EUICCID: testEUICCID, State: StateUnknown}); err == nil {
		t.Error("Restore() with unknown state succeeded")
	}
	if err := r.Restore(&ISDP{EUICCID: testEUICCID, State: StateCreated}); err == nil {
		t.Error("Restore() without AID succeeded")
	}

	// Deleted records do not count against the budget.
	deleted := &ISDP{
		AID:     AIDPrefix + "00000003",
		EUICCID: testEUICCID,
		Memory:  300,
		State:   StateDeleted,
	}
	if err := r.Restore(deleted); err != nil {
		t.Fatalf("Restore() deleted record error = %v", err)
	}
	if free := r.FreeMemory(testEUICCID); free != DefaultMemoryUnits-200 {
		t.Errorf("FreeMemory() = %d, want %d", free, DefaultMemoryUnits-200)
	}
}

func TestRegistryNotFound(t *testing.T) {
	r := NewRegistry(Config{})
	const aid = AIDPrefix + "01234567"

	if _, err := r.Get(aid); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := r.FindByICCID(testICCID); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByICCID() error = %v, want ErrNotFound", err)
	}
	for name, op := range map[string]func() error{
		"upload":      func() error { return r.Upload(aid) },
		"install":     func() error { return r.Install(aid, testICCID) },
		"enable":      func() error { return r.Enable(aid) },
		"disable":     func() error { return r.Disable(aid) },
		"delete":      func() error { return r.Delete(aid) },
		"bind_keyset": func() error { return r.BindKeyset(aid, "scp03-01") },
	} {
		if err := op(); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: error = %v, want ErrNotFound", name, err)
		}
	}
}

func TestRegistryFindByICCID(t *testing.T) {
	r := NewRegistry(Config{})
	rec, err := r.Create(testEUICCID, 32)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.Install(rec.AID, testICCID); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	got, err := r.FindByICCID(testICCID)
	if err != nil {
		t.Fatalf("FindByICCID() error = %v", err)
	}
	if got.AID != rec.AID {
		t.Errorf("AID = %q, want %q", got.AID, rec.AID)
	}

	if err := r.Delete(rec.AID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := r.FindByICCID(testICCID); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByICCID() after delete error = %v, want ErrNotFound", err)
	}
}

func TestRegistryBindKeyset(t *testing.T) {
	r := NewRegistry(Config{})
	rec, err := r.Create(testEUICCID, 32)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := r.BindKeyset(rec.AID, "scp03-01"); err != nil {
		t.Fatalf("BindKeyset() error = %v", err)
	}
	if err := r.BindKeyset(rec.AID, "scp03-02"); err != nil {
		t.Fatalf("BindKeyset() error = %v", err)
	}

	got, _ := r.Get(rec.AID)
	if len(got.KeysetRefs) != 2 || got.KeysetRefs[0] != "scp03-01" || got.KeysetRefs[1] != "scp03-02" {
		t.Errorf("KeysetRefs = %v", got.KeysetRefs)
	}

	// Returned records are clones.
	got.KeysetRefs[0] = "tampered"
	got.State = StateDeleted
	fresh, _ := r.Get(rec.AID)
	if fresh.KeysetRefs[0] != "scp03-01" || fresh.State != StateCreated {
		t.Error("mutating a returned record changed the registry")
	}

	if err := r.Delete(rec.AID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := r.BindKeyset(rec.AID, "scp03-03"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("BindKeyset() after delete error = %v, want ErrInvalidTransition", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry(Config{})
	const other = "89999999999999999999"

	for i := 0; i < 3; i++ {
		if _, err := r.Create(testEUICCID, 10); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if _, err := r.Create(other, 10); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	list := r.List(testEUICCID)
	if len(list) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(list))
	}
	for i, rec := range list {
		if rec.EUICCID != testEUICCID {
			t.Errorf("List()[%d].EUICCID = %q", i, rec.EUICCID)
		}
		if i > 0 && list[i-1].CreatedAt.After(rec.CreatedAt) {
			t.Errorf("List() not ordered by creation time at index %d", i)
		}
	}

	if n := r.Count(testEUICCID); n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
	if n := r.Count(other); n != 1 {
		t.Errorf("Count(other) = %d, want 1", n)
	}
	if list := r.List("unknown"); len(list) != 0 {
		t.Errorf("List(unknown) returned %d records, want 0", len(list))
	}
}

func BenchmarkRegistryCreate(b *testing.B) {
	r := NewRegistry(Config{})
	r.DeclareMemory(testEUICCID, 1<<30)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.Create(testEUICCID, 1); err != nil {
			b.Fatal(err)
		}
	}
}
