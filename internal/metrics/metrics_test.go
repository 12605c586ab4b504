package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncDownload("jdk", "completed")
	AddDownloadBytes("jdk", 1024)
	IncResume("jdk")
	IncStaging("expand")
	IncStagingRepair()
	IncLaunch("8080")
	IncKill("8080")
	IncOperation("update", nil)
	IncOperation("update", errors.New("boom"))
	SetRegisteredUnits(2)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"deployr_download_total":         false,
		"deployr_download_bytes_total":   false,
		"deployr_download_resumes_total": false,
		"deployr_staging_total":          false,
		"deployr_staging_repairs_total":  false,
		"deployr_unit_launches_total":    false,
		"deployr_unit_kills_total":       false,
		"deployr_unit_operations_total":  false,
		"deployr_unit_registered":        false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}

	path := filepath.Join(t.TempDir(), "deployr.prom")
	if err := WriteTextfile(path, reg); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(b), `deployr_unit_operations_total{op="update",result="error"} 1`) {
		t.Fatalf("textfile missing operation sample:\n%s", b)
	}
}

func TestWriteTextfileEmptyPathIsNoop(t *testing.T) {
	if err := WriteTextfile("", prometheus.NewRegistry()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
