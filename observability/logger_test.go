package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nel-eleven11/lora_mesh_lab/config"
)

func TestSetupTagsProcessExperimentAndNode(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "node.log")
	log, closeLog, err := Setup(
		config.LogConfig{Level: "warning", Format: "json", Outputs: []string{p}},
		Fields{Process: "meshnode", Experiment: "chain3", Node: 2},
	)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("filtered")
	log.Warn("channel busy")
	closeLog()

	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "filtered") {
		t.Error("info entry written at warn level")
	}
	for _, want := range []string{`"msg":"channel busy"`, `"process":"meshnode"`, `"experiment":"chain3"`, `"node":2`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}

func TestSetupWithoutNodeOmitsTag(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sim.log")
	log, closeLog, err := Setup(
		config.LogConfig{Format: "json", Outputs: []string{p}},
		Fields{Process: "meshsim", Experiment: "gossip5"},
	)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("cycle done")
	closeLog()

	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if out := string(data); strings.Contains(out, `"node"`) || !strings.Contains(out, `"experiment":"gossip5"`) {
		t.Errorf("unexpected log contents: %s", out)
	}
}

func TestSetupRotation(t *testing.T) {
	p := filepath.Join(t.TempDir(), "rot.log")
	log, closeLog, err := Setup(config.LogConfig{
		Level:    "info",
		Outputs:  []string{"ignored.log"},
		Rotation: config.RotationConfig{Enable: true, Filename: p, MaxSizeMB: 1},
	}, Fields{Process: "meshsim"})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("rotating")
	closeLog()
	if _, err := os.Stat(p); err != nil {
		t.Errorf("rotation file not created: %v", err)
	}
}

func TestSetupRejectsLevel(t *testing.T) {
	if _, _, err := Setup(config.LogConfig{Level: "loud", Outputs: []string{"stderr"}}, Fields{}); err == nil {
		t.Error("unknown level accepted")
	}
}
