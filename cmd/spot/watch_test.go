package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/4thel00z/spotcheck/internal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func TestPrintTransition(t *testing.T) {
	tests := []struct {
		name string
		tr   internal.Transition
		want string
	}{
		{
			name: "countdown tick",
			tr:   internal.Transition{From: internal.PhaseCountdown, To: internal.PhaseCountdown, Target: "wheel", Remaining: 2},
			want: "[countdown] wheel in 2\n",
		},
		{
			name: "phase change",
			tr:   internal.Transition{From: internal.PhaseDetecting, To: internal.PhaseSustaining, Target: "wheel", Score: 0.8123},
			want: "[sustaining] wheel (0.812)\n",
		},
		{
			name: "error",
			tr:   internal.Transition{From: internal.PhaseDetecting, To: internal.PhaseError, Target: "wheel", Err: errors.New("camera gone")},
			want: "[error] wheel: camera gone\n",
		},
		{
			name: "no change",
			tr:   internal.Transition{From: internal.PhaseDetecting, To: internal.PhaseDetecting},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			var out bytes.Buffer
			cmd.SetOut(&out)

			printTransition(cmd, tt.tr, false)
			if out.String() != tt.want {
				t.Errorf("got %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestPrintTransitionJSON(t *testing.T) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	printTransition(cmd, internal.Transition{From: internal.PhaseSustaining, To: internal.PhaseCapturing, Target: "wheel"}, true)
	if !strings.Contains(out.String(), `"to":"capturing"`) {
		t.Errorf("unexpected json %q", out.String())
	}
}

func TestStatusServerServesMetrics(t *testing.T) {
	hub := internal.NewEventHub(zap.NewNop())
	defer hub.Close()

	srv := httptest.NewServer(newStatusServer("", hub).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestWatchCmdRequiresSteps(t *testing.T) {
	dir, _ := initScope(t)

	if _, err := runSpot(t, newApp(), "watch", dir); err == nil {
		t.Error("expected error without configured steps")
	}
}
