package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeSource struct {
	onDisk int
	err    error
	active int
	queued int
}

func (f fakeSource) OnDisk() (int, error) { return f.onDisk, f.err }
func (f fakeSource) Active() int          { return f.active }
func (f fakeSource) Queued() int          { return f.queued }

func gather(t *testing.T, src WorkspaceSource) map[string]float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(newWorkspaceCollector(src, nil))
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			out[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	return out
}

func TestWorkspaceCollector(t *testing.T) {
	got := gather(t, fakeSource{onDisk: 3, active: 2, queued: 5})

	want := map[string]float64{
		"codegrade_workspaces_on_disk": 3,
		"codegrade_jobs_active":        2,
		"codegrade_jobs_queued":        5,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}
}

func TestWorkspaceCollectorScanFailure(t *testing.T) {
	got := gather(t, fakeSource{err: errors.New("permission denied"), active: 1})
	if _, ok := got["codegrade_workspaces_on_disk"]; ok {
		t.Error("on-disk gauge must be skipped when the scan fails")
	}
	if got["codegrade_jobs_active"] != 1 {
		t.Errorf("jobs_active = %v", got["codegrade_jobs_active"])
	}
}
