package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/download"
	"github.com/alx-kng/telefender/internal/engine"
	"github.com/alx-kng/telefender/internal/native"
	"github.com/alx-kng/telefender/internal/store"
	"github.com/alx-kng/telefender/internal/tablesync"
	"github.com/alx-kng/telefender/internal/testutil"
	"github.com/alx-kng/telefender/internal/upload"
)

// maxSettlePasses bounds how many rounds per device a settle step runs.
const maxSettlePasses = 10

// Harness is the scenario execution engine.
// It runs every device against one fake server with deterministic clocks
// and no retry delays.
type Harness struct {
	server  *testutil.FakeServer
	devices []*device
	byName  map[string]*device
	logger  *slog.Logger
	pushes  int
}

type device struct {
	Device
	store  *store.Store
	engine *engine.Engine
	native *native.Memory
}

// Run executes a scenario and returns the result.
//
// Each device gets a fresh database in a test temp directory and is set up
// against a fresh fake server before the first step.
//
// Execution flow:
// 1. Start the fake server and set up every device
// 2. Execute steps, evaluating check steps as they are reached
// 3. Capture the final state of every device and the server log
// 4. Evaluate the scenario assertions
func Run(t testing.TB, scenario *Scenario) (*Result, error) {
	t.Helper()
	ctx := context.Background()

	h := &Harness{
		server: testutil.NewFakeServer(t),
		byName: make(map[string]*device),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	dir := t.TempDir()
	for _, d := range scenario.Devices {
		dev, err := h.newDevice(dir, d)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		t.Cleanup(func() { dev.store.Close() })
		h.devices = append(h.devices, dev)
		h.byName[d.Name] = dev

		if err := dev.engine.Setup(ctx, d.Number, engine.StaticOTP(testutil.DefaultOTP)); err != nil {
			return nil, fmt.Errorf("device %s: setup: %w", d.Name, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	if err := h.capture(ctx, result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) newDevice(dir string, d Device) (*device, error) {
	st, err := store.Open(filepath.Join(dir, d.Name+".db"),
		store.WithClock(testutil.NewSteppingClock(time.Millisecond)))
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithLogger(h.logger.With("device", d.Name)),
		engine.WithUploadOptions(upload.WithRetryDelay(0)),
		engine.WithDownloadOptions(download.WithRetryDelay(0)),
	}
	dev := &device{Device: d, store: st}
	if d.Native {
		dev.native = native.NewMemory()
		opts = append(opts, engine.WithNative(dev.native, dev.native, tablesync.WithRetryDelay(0)))
	}
	dev.engine = engine.New(st, h.server.Client(), opts...)
	return dev, nil
}

// executeStep runs one step and traces it.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	switch {
	case step.Contact != nil:
		c := step.Contact
		dev := h.byName[c.Device]
		result.aliases[changelog.DeriveCID(dev.Number, c.ID)] = c.Device + "/" + c.ID
		dev.native.SetContact(c.ID, c.Numbers...)
		result.AddTrace(i, "contact", c.Device, c.ID+" "+strings.Join(c.Numbers, ","))

	case step.DeleteContact != nil:
		c := step.DeleteContact
		h.byName[c.Device].native.DeleteContact(c.ID)
		result.AddTrace(i, "delete_contact", c.Device, c.ID)

	case step.Call != nil:
		c := step.Call
		h.byName[c.Device].native.AddCall(native.Call{
			Number:   c.Number,
			Date:     c.Date,
			Type:     c.Type,
			Duration: c.Duration,
		})
		result.AddTrace(i, "call", c.Device, fmt.Sprintf("%s %s", c.Type, c.Number))

	case step.Record != nil:
		dev := h.byName[step.Record.Device]
		in := changeInput(step.Record, result)
		if in.InstanceNumber == "" {
			in.InstanceNumber = dev.Number
		}
		c, err := dev.store.RecordFromClient(ctx, in)
		if err != nil {
			return fmt.Errorf("record: %w", err)
		}
		result.AddTrace(i, "record", dev.Name, string(c.Type))

	case step.Push != nil:
		h.pushes++
		in := changeInput(step.Push, result)
		h.server.Push(changelog.ChangeLog{
			ChangeID:       fmt.Sprintf("push-%d", h.pushes),
			Type:           in.Type,
			InstanceNumber: in.InstanceNumber,
			Payload:        in.Payload,
		})
		result.AddTrace(i, "push", "", string(in.Type))

	case len(step.Sync) > 0:
		for _, name := range step.Sync {
			detail := "ok"
			if _, err := h.byName[name].engine.SyncOnce(ctx); err != nil {
				detail = err.Error()
			}
			result.AddTrace(i, "sync", name, detail)
		}

	case step.Settle:
		passes, err := h.settle(ctx)
		if err != nil {
			return err
		}
		result.AddTrace(i, "settle", "", fmt.Sprintf("%d passes", passes))

	case step.Fail != nil:
		h.server.FailHTTP(step.Fail.Endpoint, step.Fail.Count)
		result.AddTrace(i, "fail", "", fmt.Sprintf("%s x%d", step.Fail.Endpoint, step.Fail.Count))

	case len(step.Check) > 0:
		if err := h.capture(ctx, result); err != nil {
			return err
		}
		for _, msg := range EvaluateAssertions(result, step.Check) {
			result.AddError(fmt.Sprintf("step %d: %s", i, msg))
		}
		result.AddTrace(i, "check", "", fmt.Sprintf("%d assertions", len(step.Check)))
	}

	h.logger.Info("scenario step completed", "step", i)
	return nil
}

// changeInput converts a change step, resolving CID aliases.
func changeInput(c *ChangeStep, result *Result) changelog.Input {
	typ, _ := changelog.ParseType(strings.ToUpper(c.Type))
	p := changelog.Payload{
		OldNumber:    c.OldNumber,
		Number:       c.Number,
		ParentNumber: c.Parent,
		Trustability: c.Trust,
		CounterValue: c.Counter,
		Degree:       c.Degree,
		Blocked:      c.Blocked,
	}
	if c.CID != nil {
		p.CID = changelog.Str(result.resolveCID(*c.CID))
	}
	return changelog.Input{Type: typ, InstanceNumber: c.Instance, Payload: p}
}

// settle runs rounds on every device until the system is quiescent.
// Round failures are tolerated while passes remain.
func (h *Harness) settle(ctx context.Context) (int, error) {
	var lastErr error
	for pass := 1; pass <= maxSettlePasses; pass++ {
		for _, d := range h.devices {
			if _, err := d.engine.SyncOnce(ctx); err != nil {
				lastErr = err
			}
		}
		settled, err := h.settled(ctx)
		if err != nil {
			return pass, err
		}
		if settled {
			return pass, nil
		}
	}
	return maxSettlePasses, fmt.Errorf("devices did not settle after %d passes (last error: %v)", maxSettlePasses, lastErr)
}

// settled reports whether every device is idle and caught up with the
// server log.
func (h *Harness) settled(ctx context.Context) (bool, error) {
	head := h.serverHead()
	for _, d := range h.devices {
		depths, err := d.store.QueueDepths(ctx)
		if err != nil {
			return false, err
		}
		watermark, err := d.store.LastServerRowID(ctx)
		if err != nil {
			return false, err
		}
		if !depths.Idle() || watermark != head {
			return false, nil
		}
	}
	return true, nil
}

func (h *Harness) serverHead() int64 {
	log := h.server.Log()
	if len(log) == 0 {
		return 0
	}
	return *log[len(log)-1].ServerChangeID
}

// capture records the current device states and server log into result.
func (h *Harness) capture(ctx context.Context, result *Result) error {
	result.Devices = result.Devices[:0]
	for _, d := range h.devices {
		snap, err := d.store.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
		depths, err := d.store.QueueDepths(ctx)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
		watermark, err := d.store.LastServerRowID(ctx)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
		result.Devices = append(result.Devices, DeviceState{
			Name:      d.Name,
			Number:    d.Number,
			Snapshot:  snap,
			Depths:    depths,
			Watermark: watermark,
		})
	}
	result.ServerLog = h.server.Log()
	return nil
}
