package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantErr  bool
		contains string
	}{
		{"no args", nil, false, "Usage:"},
		{"version", []string{"version"}, false, "tsbridge version dev"},
		{"help", []string{"--help"}, false, "Commands:"},
		{"emitters", []string{"emitters"}, false, "memory"},
		{"id", []string{"id"}, false, "TOPIC-"},
		{"unknown", []string{"frobnicate"}, true, "Usage:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(tt.args, &out)
			if (err != nil) != tt.wantErr {
				t.Errorf("run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(out.String(), tt.contains) {
				t.Errorf("output = %q, want it to contain %q", out.String(), tt.contains)
			}
		})
	}
}

func TestRun_Validate(t *testing.T) {
	t.Setenv("TSBRIDGE_EMITTER_TYPE", "memory")
	t.Setenv("TSBRIDGE_SUB_JDBCURL", "postgres://tsdb:5432/power")
	t.Setenv("TSBRIDGE_SUB_USERNAME", "root")
	t.Setenv("TSBRIDGE_SUB_PASSWORD", "taosdata")
	t.Setenv("TSBRIDGE_SUB_SQL", "select * from meters")
	t.Setenv("TSBRIDGE_SUB_DATABASE", "power")
	t.Setenv("TSBRIDGE_SUB_TABLENAME", "meters")

	var out bytes.Buffer
	if err := run([]string{"validate"}, &out); err != nil {
		t.Fatalf("run(validate) error = %v", err)
	}
	if !strings.Contains(out.String(), "power.meters") {
		t.Errorf("output = %q, want the routing target", out.String())
	}
}

func TestRun_ValidateRejectsIncompleteSubscription(t *testing.T) {
	t.Setenv("TSBRIDGE_EMITTER_TYPE", "memory")
	t.Setenv("TSBRIDGE_SUB_SQL", "select * from meters")

	var out bytes.Buffer
	err := run([]string{"validate"}, &out)
	if err == nil || !strings.Contains(err.Error(), "jdbcUrl") {
		t.Errorf("run(validate) error = %v, want missing jdbcUrl", err)
	}
}
