package controller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/onkernel/gpumode/lib/actions"
	"github.com/onkernel/gpumode/lib/actions/actionstest"
	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/devices/sysfstest"
	"github.com/onkernel/gpumode/lib/events"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/modeconfig"
	"github.com/onkernel/gpumode/lib/quirks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tree     *sysfstest.Tree
	sessions *actionstest.Sessions
	units    *actionstest.Units
	modules  *actionstest.Modules
	users    *actionstest.Users
	bus      *events.Bus
	ctrl     *Controller
}

func newFixture(t *testing.T, tree *sysfstest.Tree, mutate func(*modeconfig.Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	p := tree.Paths()

	cfg, err := modeconfig.Load(ctx, p.ConfigFile())
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
		require.NoError(t, cfg.Save(p.ConfigFile()))
	}

	gpu, err := devices.Discover(ctx, p)
	if errors.Is(err, devices.ErrDgpuNotFound) {
		gpu = devices.NewEmptyGpu(p)
	} else {
		require.NoError(t, err)
	}
	q := quirks.Detect(p, 0)

	f := &fixture{
		tree:     tree,
		sessions: actionstest.NewSessions(),
		units:    actionstest.NewUnits(),
		modules:  &actionstest.Modules{},
		users:    &actionstest.Users{},
		bus:      events.NewBus(),
	}
	exec := actions.NewExecutor(actions.ExecutorConfig{
		Paths:              p,
		Sessions:           f.sessions,
		Units:              f.units,
		Modules:            f.modules,
		Users:              f.users,
		Quirks:             q,
		DisplayManager:     "display-manager.service",
		LogoutPollInterval: time.Millisecond,
		UnitWaitTimeout:    time.Second,
		UnitWaitInterval:   time.Millisecond,
	})

	baseCtx, cancel := context.WithCancel(ctx)
	f.ctrl, err = New(baseCtx, Options{
		Paths:          p,
		Config:         cfg,
		Executor:       exec,
		Guard:          devices.NewGuard(gpu),
		Quirks:         q,
		Events:         f.bus,
		SupersedeGrace: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		assert.NoError(t, f.ctrl.Shutdown(shutdownCtx))
	})
	return f
}

func (f *fixture) savedConfig(t *testing.T) map[string]any {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.tree.ReadFile("etc/gpumoded.conf")), &raw))
	return raw
}

func (f *fixture) subscribe(t *testing.T) <-chan events.Event {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return f.bus.Subscribe(ctx, 16)
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSetModeLiveSwitch(t *testing.T) {
	tree := sysfstest.NvidiaLaptop(t)
	tree.AddDriver("vfio-pci")
	f := newFixture(t, tree, func(c *modeconfig.Config) {
		c.Mode = gfx.ModeIntegrated
		c.VfioEnable = true
	})
	evs := f.subscribe(t)

	action, err := f.ctrl.SetMode(context.Background(), gfx.ModeVfio)
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionNothing, action)
	assert.Equal(t, gfx.ModeVfio, f.ctrl.Mode())
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, gfx.ModeNone, f.ctrl.PendingMode())

	// vfio_save is off, so the boot mode is untouched
	assert.Equal(t, "Integrated", f.savedConfig(t)["mode"])

	got := drain(evs)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeModeChanged, got[0].Type)
	assert.Equal(t, gfx.ModeVfio, got[0].Mode)
}

func TestSetModeDeferredCompletesAfterLogout(t *testing.T) {
	f := newFixture(t, sysfstest.NvidiaLaptop(t), nil)
	f.sessions.Set(actionstest.Desktop("2"))
	evs := f.subscribe(t)

	action, err := f.ctrl.SetMode(context.Background(), gfx.ModeIntegrated)
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionLogout, action)
	assert.Equal(t, gfx.ModeIntegrated, f.ctrl.PendingMode())
	assert.Equal(t, gfx.ActionLogout, f.ctrl.PendingAction())
	assert.Equal(t, StateExecutingDeferred, f.ctrl.State())
	assert.Equal(t, gfx.ModeHybrid, f.ctrl.Mode())

	f.sessions.Set()
	require.Eventually(t, func() bool {
		return f.ctrl.Mode() == gfx.ModeIntegrated && f.ctrl.PendingMode() == gfx.ModeNone
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, gfx.ActionNothing, f.ctrl.PendingAction())
	assert.Equal(t, "Integrated", f.savedConfig(t)["mode"])
	assert.Contains(t, f.modules.Calls(), "unload nvidia")

	got := drain(evs)
	require.Len(t, got, 2)
	assert.Equal(t, gfx.ActionLogout, got[0].Action)
	assert.Equal(t, gfx.ModeIntegrated, got[1].Mode)
}

func TestNewRequestSupersedesPending(t *testing.T) {
	f := newFixture(t, sysfstest.NvidiaLaptop(t), nil)
	f.sessions.Set(actionstest.Desktop("2"))
	evs := f.subscribe(t)

	action, err := f.ctrl.SetMode(context.Background(), gfx.ModeIntegrated)
	require.NoError(t, err)
	require.Equal(t, gfx.ActionLogout, action)

	action, err = f.ctrl.SetMode(context.Background(), gfx.ModeDedicatedOnly)
	require.NoError(t, err)
	require.Equal(t, gfx.ActionLogout, action)
	assert.Equal(t, gfx.ModeDedicatedOnly, f.ctrl.PendingMode())
	// the first plan never got past waiting for logout
	assert.Empty(t, f.units.Calls())
	assert.Empty(t, f.modules.Calls())

	f.sessions.Set()
	require.Eventually(t, func() bool {
		return f.ctrl.Mode() == gfx.ModeDedicatedOnly && f.ctrl.PendingMode() == gfx.ModeNone
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, "DedicatedOnly", f.savedConfig(t)["mode"])
	assert.NotContains(t, f.tree.ReadFile("etc/modprobe.d/gpumoded.conf"), "blacklist nvidia")
	for _, e := range drain(evs) {
		if e.Type == events.TypeModeChanged {
			assert.Equal(t, gfx.ModeDedicatedOnly, e.Mode)
		}
	}
}

func TestSameModeCancelsPending(t *testing.T) {
	f := newFixture(t, sysfstest.NvidiaLaptop(t), nil)
	f.sessions.Set(actionstest.Desktop("2"))

	_, err := f.ctrl.SetMode(context.Background(), gfx.ModeIntegrated)
	require.NoError(t, err)

	action, err := f.ctrl.SetMode(context.Background(), gfx.ModeHybrid)
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionNothing, action)
	assert.Equal(t, gfx.ModeNone, f.ctrl.PendingMode())
	assert.Equal(t, StateIdle, f.ctrl.State())

	f.sessions.Set()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, gfx.ModeHybrid, f.ctrl.Mode())
	assert.Empty(t, f.units.Calls())
}

func TestSetModeIsIdempotent(t *testing.T) {
	f := newFixture(t, sysfstest.NvidiaLaptop(t), nil)
	for range 2 {
		action, err := f.ctrl.SetMode(context.Background(), gfx.ModeHybrid)
		require.NoError(t, err)
		assert.Equal(t, gfx.ActionNothing, action)
	}
	assert.Empty(t, f.modules.Calls())

	f = newFixture(t, sysfstest.NvidiaLaptop(t), func(c *modeconfig.Config) { c.AlwaysReboot = true })
	for range 2 {
		action, err := f.ctrl.SetMode(context.Background(), gfx.ModeHybrid)
		require.NoError(t, err)
		assert.Equal(t, gfx.ActionReboot, action)
	}
}

func TestRebootLeavesNothingPending(t *testing.T) {
	f := newFixture(t, sysfstest.NvidiaLaptop(t), func(c *modeconfig.Config) { c.AlwaysReboot = true })

	action, err := f.ctrl.SetMode(context.Background(), gfx.ModeIntegrated)
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionReboot, action)
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, gfx.ModeNone, f.ctrl.PendingMode())
	assert.Equal(t, gfx.ActionNothing, f.ctrl.PendingAction())
	// the boot mode is saved for the next start
	assert.Equal(t, "Integrated", f.savedConfig(t)["mode"])
}

func TestSetModeRescanFailureKeepsMode(t *testing.T) {
	tree := sysfstest.NvidiaLaptop(t)
	f := newFixture(t, tree, func(c *modeconfig.Config) { c.Mode = gfx.ModeIntegrated })
	tree.BreakAttr("sys/bus/pci/rescan")
	evs := f.subscribe(t)

	action, err := f.ctrl.SetMode(context.Background(), gfx.ModeCompute)
	assert.Empty(t, action)
	require.ErrorIs(t, err, devices.ErrDeviceIO)
	var stageErr *actions.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, actions.StageRescanPci, stageErr.Stage)

	assert.Equal(t, gfx.ModeIntegrated, f.ctrl.Mode())
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.NotContains(t, f.modules.Calls(), "load nvidia")
	assert.Empty(t, drain(evs))
}

func TestMuxGateNeverMutates(t *testing.T) {
	tree := sysfstest.NvidiaLaptop(t)
	tree.SetAsusAttr("gpu_mux_mode", "0")
	f := newFixture(t, tree, func(c *modeconfig.Config) {
		c.Mode = gfx.ModeAsusMuxDiscreet
		c.VfioEnable = true
	})

	modes, err := f.ctrl.SupportedModes(context.Background())
	require.NoError(t, err)
	for _, target := range modes {
		action, err := f.ctrl.SetMode(context.Background(), target)
		require.NoError(t, err, target)
		assert.Equal(t, gfx.ActionAsusMuxToOptimus, action, target)
	}

	assert.Empty(t, f.units.Calls())
	assert.Empty(t, f.modules.Calls())
	assert.Zero(t, f.users.Count())
	assert.False(t, tree.Exists("etc/modprobe.d/gpumoded.conf"))
	assert.Equal(t, "0", tree.ReadFile("sys/devices/platform/asus-nb-wmi/gpu_mux_mode"))
	assert.Equal(t, "on", tree.ReadFile("sys/devices/pci0000:00/0000:01:00.0/power/control"))
	assert.Equal(t, gfx.ModeAsusMuxDiscreet, f.ctrl.Mode())
}

func TestStagedMuxSwitchCanBeUndone(t *testing.T) {
	tree := sysfstest.NvidiaLaptop(t)
	tree.SetAsusAttr("gpu_mux_mode", "1")
	f := newFixture(t, tree, nil)
	ctx := context.Background()

	action, err := f.ctrl.SetMode(ctx, gfx.ModeAsusMuxDiscreet)
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionReboot, action)
	assert.Equal(t, "0", tree.ReadFile("sys/devices/platform/asus-nb-wmi/gpu_mux_mode"))
	// the running mode only changes once the machine boots with the mux set
	assert.Equal(t, gfx.ModeHybrid, f.ctrl.Mode())
	assert.Equal(t, gfx.ModeNone, f.ctrl.PendingMode())

	action, err = f.ctrl.SetMode(ctx, gfx.ModeIntegrated)
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionAsusMuxToOptimus, action)

	action, err = f.ctrl.SetMode(ctx, gfx.ModeHybrid)
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionNothing, action)
	assert.Equal(t, "1", tree.ReadFile("sys/devices/platform/asus-nb-wmi/gpu_mux_mode"))
	assert.Equal(t, gfx.ModeHybrid, f.ctrl.Mode())

	f.sessions.Set(actionstest.Desktop("2"))
	action, err = f.ctrl.SetMode(ctx, gfx.ModeIntegrated)
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionLogout, action)
}

func TestSetModeErrors(t *testing.T) {
	f := newFixture(t, sysfstest.NvidiaLaptop(t), nil)

	_, err := f.ctrl.SetMode(context.Background(), gfx.ModeVfio)
	assert.ErrorIs(t, err, actions.ErrVfioDisabled)
	assert.Equal(t, StateIdle, f.ctrl.State())

	_, err = f.ctrl.SetMode(context.Background(), gfx.ModeEgpu)
	assert.ErrorIs(t, err, actions.ErrUnsupportedMode)
	assert.Empty(t, f.modules.Calls())
}

func TestPowerAndVendor(t *testing.T) {
	tree := sysfstest.NvidiaLaptop(t)
	f := newFixture(t, tree, nil)
	ctx := context.Background()

	vendor, err := f.ctrl.Vendor(ctx)
	require.NoError(t, err)
	assert.Equal(t, gfx.VendorNvidia, vendor)

	power, err := f.ctrl.Power(ctx)
	require.NoError(t, err)
	assert.Equal(t, gfx.PowerActive, power)

	tree.SetAsusAttr("dgpu_disable", "1")
	f = newFixture(t, tree, nil)
	power, err = f.ctrl.Power(ctx)
	require.NoError(t, err)
	assert.Equal(t, gfx.PowerVendorDisabled, power)

	modes, err := f.ctrl.SupportedModes(ctx)
	require.NoError(t, err)
	assert.NotContains(t, modes, gfx.ModeCompute)
}

func TestWatchPower(t *testing.T) {
	tree := sysfstest.NvidiaLaptop(t)
	f := newFixture(t, tree, nil)
	evs := f.subscribe(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.ctrl.WatchPower(ctx, time.Millisecond)
	}()

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, drain(evs), "no event without a change")

	tree.WriteFile("sys/devices/pci0000:00/0000:01:00.0/power/runtime_status", "suspended\n")
	select {
	case e := <-evs:
		assert.Equal(t, events.TypePowerStatusChanged, e.Type)
		assert.Equal(t, gfx.PowerSuspended, e.Power)
	case <-time.After(time.Second):
		t.Fatal("no power event")
	}

	cancel()
	<-done
}

func TestStateTransitions(t *testing.T) {
	assert.NoError(t, StateIdle.CanTransitionTo(StatePlanning))
	assert.NoError(t, StateExecutingDeferred.CanTransitionTo(StatePlanning))
	assert.ErrorIs(t, StateIdle.CanTransitionTo(StateExecutingInline), ErrInvalidState)
	assert.ErrorIs(t, StateExecutingInline.CanTransitionTo(StatePlanning), ErrInvalidState)
	assert.ErrorIs(t, State("bogus").CanTransitionTo(StateIdle), ErrInvalidState)
}
