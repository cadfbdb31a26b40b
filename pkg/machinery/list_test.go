package machinery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMachinery struct {
	name     string
	machines []*Machine
}

func (f *fakeMachinery) Name() string { return f.name }

func (f *fakeMachinery) Init(ctx context.Context) error { return nil }

func (f *fakeMachinery) Machines() []*Machine { return f.machines }

func (f *fakeMachinery) RestoreStart(ctx context.Context, name string) error { return nil }

func (f *fakeMachinery) Stop(ctx context.Context, name string) error { return nil }

func (f *fakeMachinery) HandlePaused(ctx context.Context, name string) error { return nil }

func (f *fakeMachinery) State(ctx context.Context, name string) (string, error) {
	return StatePoweroff, nil
}

func (f *fakeMachinery) CleanAll(ctx context.Context) error { return nil }

func testList() *List {
	return NewList(
		&Machine{Name: "win10-1", Platform: "windows", OSVersion: "10", Tags: []string{"office"}, Machinery: "qemu", State: StatePoweroff},
		&Machine{Name: "win10-2", Platform: "windows", OSVersion: "10", Machinery: "qemu", State: StatePoweroff},
		&Machine{Name: "deb12-1", Platform: "linux", OSVersion: "debian12", Machinery: "qemu", State: StatePoweroff},
	)
}

func TestFulfills(t *testing.T) {
	m := &Machine{Platform: "windows", OSVersion: "10", Tags: []string{"office", "dotnet"}}
	require.True(t, m.Fulfills("windows", "", nil))
	require.True(t, m.Fulfills("windows", "10", []string{"office"}))
	require.True(t, m.Fulfills("", "", nil))
	require.False(t, m.Fulfills("windows", "7", nil))
	require.False(t, m.Fulfills("windows", "10", []string{"browser"}))
	require.False(t, m.Fulfills("linux", "", nil))
}

func TestAcquireRelease(t *testing.T) {
	l := testList()
	require.Equal(t, 3, l.Count())
	require.Equal(t, 3, l.CountAvailable())

	m1, err := l.AcquireFor("20240101-AAAAAA_1", "windows", "10", []string{"office"})
	require.NoError(t, err)
	require.Equal(t, "win10-1", m1.Name)
	require.Equal(t, "20240101-AAAAAA_1", m1.LockedBy)

	// The tagged machine is taken, the untagged one still serves
	// requests without the tag requirement.
	_, err = l.AcquireFor("20240101-AAAAAA_2", "windows", "10", []string{"office"})
	require.IsType(t, ErrNoMachineAvailable{}, err)
	m2, err := l.AcquireFor("20240101-AAAAAA_2", "windows", "10", nil)
	require.NoError(t, err)
	require.Equal(t, "win10-2", m2.Name)

	require.NoError(t, l.Release(m1.Name))
	require.Equal(t, 2, l.CountAvailable())
	m3, err := l.AcquireFor("20240101-AAAAAA_3", "windows", "10", []string{"office"})
	require.NoError(t, err)
	require.Equal(t, "win10-1", m3.Name)

	require.IsType(t, ErrMachineNotFound{}, l.Release("nope"))
}

func TestDisable(t *testing.T) {
	l := testList()
	require.NoError(t, l.Disable("deb12-1", "snapshot restore keeps failing"))
	require.False(t, l.HasMachineWith("linux", "", nil))
	_, err := l.AcquireFor("20240101-AAAAAA_1", "linux", "", nil)
	require.IsType(t, ErrNoMachineAvailable{}, err)

	// A locked machine still counts as a present resource.
	_, err = l.AcquireFor("20240101-AAAAAA_1", "windows", "10", []string{"office"})
	require.NoError(t, err)
	require.True(t, l.HasMachineWith("windows", "10", []string{"office"}))
}

func TestDumpRoundtrip(t *testing.T) {
	l := testList()
	require.NoError(t, l.SetState("win10-1", StateRunning))
	path := filepath.Join(t.TempDir(), "machines.json")
	require.NoError(t, l.Dump(path))

	machines, err := LoadDump(path)
	require.NoError(t, err)
	require.Len(t, machines, 3)
	require.Equal(t, StateRunning, machines[0].State)
}

func TestRegistry(t *testing.T) {
	driver := &fakeMachinery{name: "qemu-test"}
	require.NoError(t, Register(driver))
	defer Unregister(driver.name)
	require.Error(t, Register(driver))

	got, err := Get("qemu-test")
	require.NoError(t, err)
	require.Equal(t, driver, got)

	_, err = Get("missing")
	require.Error(t, err)
}
