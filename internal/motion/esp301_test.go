package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/octscan/internal/scan"
	"github.com/banshee-data/octscan/internal/serialmux"
)

// fakeController answers ESP301 queries for axis 1 over a testable port.
type fakeController struct {
	mu       sync.Mutex
	pos      float64
	done     string
	errCode  int
	silentTP bool
}

func (f *fakeController) respond(cmd string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasPrefix(cmd, "1PA"):
		v, _ := strconv.ParseFloat(strings.TrimPrefix(cmd, "1PA"), 64)
		f.pos = v
	case cmd == "1TP?":
		if f.silentTP {
			return ""
		}
		return strconv.FormatFloat(f.pos, 'f', 6, 64)
	case cmd == "1MD?":
		return f.done
	case cmd == "1SL?":
		return "-25.000000"
	case cmd == "1SR?":
		return "25.000000"
	case cmd == "TB?":
		if f.errCode != 0 {
			return fmt.Sprintf("%d, 1234, MOTOR NOT ENABLED", f.errCode)
		}
		return "0, 0, NO ERROR DETECTED"
	}
	return ""
}

func newTestESP301(t *testing.T, ctrl *fakeController) (*ESP301, *serialmux.TestableSerialPort) {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	port.Responder = ctrl.respond
	mux := serialmux.NewSerialMux(port)
	mux.SetResponseTimeout(50 * time.Millisecond)
	esp, err := NewESP301(mux, ESP301Options{Axis: 1, Velocity: 2.5})
	if err != nil {
		t.Fatalf("NewESP301: %v", err)
	}
	return esp, port
}

func TestESP301MoveAndSettle(t *testing.T) {
	ctx := context.Background()
	ctrl := &fakeController{done: "1"}
	esp, port := newTestESP301(t, ctrl)

	if err := esp.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := esp.MoveTo(ctx, 2.5); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	ok, err := esp.IsSettled(ctx)
	if err != nil || !ok {
		t.Fatalf("IsSettled = %v, %v", ok, err)
	}
	pos, err := esp.Position(ctx)
	if err != nil || pos != 2.5 {
		t.Errorf("Position = %g, %v", pos, err)
	}
	if err := esp.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"1MO", "1VA2.500", "TB?", "1PA2.500000", "1MD?", "1TP?", "1TP?", "1ST"}
	got := port.CommandLog()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("commands = %q\nwant       %q", got, want)
	}
}

func TestESP301NotSettled(t *testing.T) {
	ctx := context.Background()
	ctrl := &fakeController{done: "0"}
	esp, _ := newTestESP301(t, ctrl)

	_ = esp.MoveTo(ctx, 1)
	if ok, err := esp.IsSettled(ctx); ok || err != nil {
		t.Errorf("IsSettled while moving = %v, %v", ok, err)
	}

	// Motion done but short of the target, with an error queued.
	ctrl.mu.Lock()
	ctrl.done = "1"
	ctrl.pos = 0.9
	ctrl.errCode = 7
	ctrl.mu.Unlock()
	if _, err := esp.IsSettled(ctx); !errors.Is(err, scan.ErrHardwareFault) {
		t.Errorf("IsSettled short of target = %v, want hardware fault", err)
	}
}

func TestESP301SoftLimits(t *testing.T) {
	esp, _ := newTestESP301(t, &fakeController{})
	lim, err := esp.SoftLimits(context.Background())
	if err != nil {
		t.Fatalf("SoftLimits: %v", err)
	}
	if lim != (Limits{Min: -25, Max: 25}) {
		t.Errorf("SoftLimits = %v", lim)
	}
}

func TestESP301Errors(t *testing.T) {
	ctx := context.Background()

	esp, _ := newTestESP301(t, &fakeController{silentTP: true})
	if _, err := esp.Position(ctx); !errors.Is(err, scan.ErrHardwareTimeout) {
		t.Errorf("silent controller = %v, want hardware timeout", err)
	}

	esp, _ = newTestESP301(t, &fakeController{done: "maybe"})
	if _, err := esp.IsSettled(ctx); !errors.Is(err, scan.ErrHardwareFault) {
		t.Errorf("garbled reply = %v, want hardware fault", err)
	}

	esp, _ = newTestESP301(t, &fakeController{errCode: 13})
	err := esp.CheckError(ctx)
	if !errors.Is(err, scan.ErrHardwareFault) || !strings.Contains(err.Error(), "MOTOR NOT ENABLED") {
		t.Errorf("CheckError = %v", err)
	}

	if err := esp.MoveTo(ctx, math.Inf(1)); !errors.Is(err, scan.ErrHardwareFault) {
		t.Errorf("MoveTo(+Inf) = %v", err)
	}

	if _, err := NewESP301(nil, ESP301Options{Axis: 4}); err == nil {
		t.Error("axis 4 accepted")
	}
}

func TestESP301WriteFailure(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.WriteError = errors.New("unplugged")
	esp, _ := NewESP301(serialmux.NewSerialMux(port), ESP301Options{Axis: 1})
	if err := esp.MoveTo(context.Background(), 1); !errors.Is(err, scan.ErrHardwareFault) {
		t.Errorf("MoveTo = %v, want hardware fault", err)
	}
}
