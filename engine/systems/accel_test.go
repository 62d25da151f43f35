package systems

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/semaphore"

	"github.com/spaghettifunk/vesta/engine/config"
	"github.com/spaghettifunk/vesta/engine/renderer/headless"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

func newAccel(t *testing.T, mutate ...func(*config.AccelConfig)) (*AccelerationScheduler, *headless.Device, *ReleaseQueue) {
	t.Helper()
	cfg := config.Default().Accel
	for _, m := range mutate {
		m(&cfg)
	}
	d := headless.New(headless.DefaultOptions())
	release := NewReleaseQueue(d, 2)
	return NewAccelerationScheduler(cfg, d, semaphore.NewWeighted(1), release), d, release
}

// scene returns ready of total instances as a readiness snapshot.
func scene(ready, total int, loading bool) AccelReadiness {
	r := AccelReadiness{TotalInstances: total, ReadyMeshes: ready, Loading: loading}
	for i := 0; i < ready; i++ {
		r.Instances = append(r.Instances, metadata.AccelInstance{
			Consumer:  metadata.ConsumerID(i + 1),
			Transform: mgl32.Ident4(),
		})
	}
	return r
}

func TestAccelDeferredUntilReady(t *testing.T) {
	as, d, _ := newAccel(t)
	ctx := testContext(t)

	as.NotifyCountsChanged(40, 40, 50)
	if !as.State().Requested {
		t.Fatal("growing counts did not request a build")
	}
	built, err := as.Update(ctx, scene(40, 50, false))
	if err != nil || built {
		t.Fatalf("Update at 80%% = %t, %v; want deferred", built, err)
	}
	if st := as.State(); st.Deferred != 1 || st.Builds != 0 {
		t.Errorf("deferred/builds = %d/%d", st.Deferred, st.Builds)
	}
	if d.Stats().AccelBuilds != 0 {
		t.Error("device built below the readiness gate")
	}

	as.NotifyCountsChanged(50, 50, 50)
	built, err = as.Update(ctx, scene(50, 50, false))
	if err != nil || !built {
		t.Fatalf("Update at 100%% = %t, %v", built, err)
	}
	st := as.State()
	if st.LastBuiltInstanceCount != 50 {
		t.Errorf("last built instances = %d, want 50", st.LastBuiltInstanceCount)
	}
	if !st.Frozen || st.Requested {
		t.Errorf("frozen/requested = %t/%t, want true/false", st.Frozen, st.Requested)
	}
	if got := len(d.AccelInstances(st.Handle)); got != 50 {
		t.Errorf("structure holds %d instances", got)
	}
}

func TestAccelReadinessGateTable(t *testing.T) {
	tests := []struct {
		name     string
		ready    int
		total    int
		loading  bool
		override bool
		want     bool
	}{
		{"below gate", 94, 100, false, false, false},
		{"at gate", 95, 100, false, false, true},
		{"loading", 100, 100, true, false, false},
		{"override below gate", 10, 100, false, true, true},
		{"override while loading", 10, 100, true, true, true},
		{"nothing ready", 0, 100, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			as, _, _ := newAccel(t)
			if tt.override {
				as.Override("test")
			} else {
				as.RequestBuild("test")
			}
			built, err := as.Update(testContext(t), scene(tt.ready, tt.total, tt.loading))
			if err != nil {
				t.Fatal(err)
			}
			if built != tt.want {
				t.Errorf("built = %t, want %t", built, tt.want)
			}
		})
	}
}

func TestAccelFrozenIgnoresGrowthUntilOverride(t *testing.T) {
	as, _, release := newAccel(t)
	ctx := testContext(t)
	as.RequestBuild("initial")
	as.Update(ctx, scene(96, 100, false))
	if !as.State().Frozen {
		t.Fatal("not frozen after a 96% build")
	}
	first := as.Handle()

	as.NotifyCountsChanged(100, 100, 100)
	as.RequestBuild("ignored")
	if built, _ := as.Update(ctx, scene(100, 100, false)); built {
		t.Error("frozen structure rebuilt without override")
	}

	as.Override("late meshes")
	if built, _ := as.Update(ctx, scene(100, 100, false)); !built {
		t.Fatal("override did not rebuild")
	}
	if as.Handle() == first {
		t.Error("handle unchanged after rebuild")
	}
	if release.Len() != 1 {
		t.Errorf("old structure not retired (%d queued)", release.Len())
	}
	if st := as.State(); st.Override || st.LastBuiltInstanceCount != 100 {
		t.Errorf("override %t, last built %d", st.Override, st.LastBuiltInstanceCount)
	}
}

func TestAccelFailedBuildRetries(t *testing.T) {
	as, d, _ := newAccel(t)
	ctx := testContext(t)
	d.InjectAccelBuildFailures(1)
	as.RequestBuild("initial")

	built, err := as.Update(ctx, scene(10, 10, false))
	if err != nil || built {
		t.Fatalf("failing build = %t, %v", built, err)
	}
	if st := as.State(); !st.Requested || st.LastError == nil {
		t.Errorf("requested/last error = %t/%v after failure", st.Requested, st.LastError)
	}
	if built, _ := as.Update(ctx, scene(10, 10, false)); !built {
		t.Error("build not retried")
	}
	if as.State().LastError != nil {
		t.Error("last error kept after success")
	}
}

func TestAccelRefitsDynamicInstances(t *testing.T) {
	as, d, _ := newAccel(t)
	ctx := testContext(t)
	r := scene(4, 4, false)
	r.Instances[2].Dynamic = true
	as.RequestBuild("initial")
	if built, _ := as.Update(ctx, r); !built {
		t.Fatal("initial build")
	}

	r.Instances[2].Transform = mgl32.Translate3D(5, 0, 0)
	built, err := as.Update(ctx, r)
	if err != nil || built {
		t.Fatalf("frozen update = %t, %v", built, err)
	}
	if as.State().Refits != 1 {
		t.Errorf("refits = %d, want 1", as.State().Refits)
	}
	instances := d.AccelInstances(as.Handle())
	if instances[2].Transform[12] != 5 {
		t.Errorf("dynamic transform not refit: %v", instances[2].Transform)
	}
	if d.Stats().AccelBuilds != 1 {
		t.Errorf("builds = %d, want 1", d.Stats().AccelBuilds)
	}
}

func TestAccelCatchUpAfterLoading(t *testing.T) {
	as, _, _ := newAccel(t, func(c *config.AccelConfig) {
		c.ReadinessThreshold = 0.5
		c.FreezeThreshold = 0.5
	})
	ctx := testContext(t)

	as.Override("first frame")
	if built, _ := as.Update(ctx, scene(60, 100, true)); !built {
		t.Fatal("override build while loading")
	}
	if !as.State().Frozen {
		t.Fatal("not frozen at 60% with a 50% freeze threshold")
	}
	if built, _ := as.Update(ctx, scene(100, 100, true)); built {
		t.Fatal("frozen structure rebuilt while loading")
	}
	built, _ := as.Update(ctx, scene(100, 100, false))
	if !built {
		t.Fatal("no catch-up build when loading ended")
	}
	if st := as.State(); st.LastBuiltInstanceCount != 100 {
		t.Errorf("last built = %d, want 100", st.LastBuiltInstanceCount)
	}
	if built, _ := as.Update(ctx, scene(100, 100, false)); built {
		t.Error("catch-up fired twice")
	}
}

func TestAccelUnsupportedDevice(t *testing.T) {
	opts := headless.DefaultOptions()
	opts.RayQuery = false
	d := headless.New(opts)
	as := NewAccelerationScheduler(config.Default().Accel, d, semaphore.NewWeighted(1), NewReleaseQueue(d, 2))
	as.Override("test")
	built, err := as.Update(testContext(t), scene(10, 10, false))
	if built || err != nil {
		t.Errorf("= %t, %v on a device without ray query", built, err)
	}
}
