package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/protocol"
	"github.com/alx-kng/telefender/internal/store"
)

func boolPtr(b bool) *bool { return &b }

// fixtureResult builds a two-device result without running the engine.
func fixtureResult() *Result {
	r := NewResult()
	r.aliases["cid-a1"] = "a/1"

	snap := store.Snapshot{
		Instances: []string{"+15550000001", "+15550000002"},
		Contacts:  []store.Contact{{CID: "cid-a1", InstanceNumber: "+15550000001"}},
		ContactNumbers: []store.ContactNumber{{
			CID: "cid-a1", Number: "+15551230001", RawNumber: "555-123-0001", InstanceNumber: "+15550000001",
		}},
		TrustedNumbers: map[string]int{"+15550000001": 1, "+15550000002": 1, "+15551230001": 1},
	}
	withCalls := snap
	withCalls.Analyzed = []store.AnalyzedNumber{{RowID: 1, Number: "+15551230009", NumIncoming: 2, NumMissed: 1, LastCallTime: 42}}

	r.Devices = []DeviceState{
		{Name: "a", Number: "+15550000001", Snapshot: withCalls},
		{Name: "b", Number: "+15550000002", Snapshot: snap},
	}
	r.ServerLog = []protocol.WireChange{{Type: "ADDI", InstanceNumber: "+15550000001"}}
	return r
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	r := fixtureResult()

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertConverged},
		{Type: AssertIdle},
		{Type: AssertServerLogCount, Count: 1},
		{Type: AssertInstances, Device: "b", Numbers: []string{"+15550000002", "+15550000001"}},
		{Type: AssertTrusted, Device: "b", Number: "+15551230001", Count: 1},
		{Type: AssertTrusted, Device: "b", Number: "+15559999999", Count: 0},
		{Type: AssertContactNumber, Device: "b", CID: "a/1", Number: "+15551230001"},
		{Type: AssertContactNumber, Device: "b", CID: "a/1", Number: "+15551230002", Present: boolPtr(false)},
		{Type: AssertBlocked, Device: "a", CID: "a/1", Blocked: boolPtr(false)},
		{Type: AssertAnalyzed, Device: "a", Number: "+15551230009", Count: 3},
		{Type: AssertAnalyzed, Device: "b", Number: "+15551230009", Count: 0},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *Result)
		assertion Assertion
		wantErr   string
	}{
		{
			name: "diverged",
			mutate: func(r *Result) {
				r.Devices[1].Snapshot.TrustedNumbers = map[string]int{"+15550000001": 1}
			},
			assertion: Assertion{Type: AssertConverged},
			wantErr:   "device b to match device a",
		},
		{
			name:      "queued work",
			mutate:    func(r *Result) { r.Devices[0].Depths.UploadAnalyzed = 1 },
			assertion: Assertion{Type: AssertIdle},
			wantErr:   "device a to have empty queues",
		},
		{
			name:      "server log",
			assertion: Assertion{Type: AssertServerLogCount, Count: 3},
			wantErr:   "Actual: 1 changes",
		},
		{
			name:      "instances",
			assertion: Assertion{Type: AssertInstances, Device: "a", Numbers: []string{"+15550000001"}},
			wantErr:   "instances",
		},
		{
			name:      "trusted",
			assertion: Assertion{Type: AssertTrusted, Device: "a", Number: "+15551230001", Count: 2},
			wantErr:   "trusted count 2",
		},
		{
			name:      "missing number",
			assertion: Assertion{Type: AssertContactNumber, Device: "a", CID: "a/1", Number: "+15551230002"},
			wantErr:   "has number +15551230002: true",
		},
		{
			name:      "unknown contact",
			assertion: Assertion{Type: AssertBlocked, Device: "a", CID: "a/2", Blocked: boolPtr(true)},
			wantErr:   "contact not found",
		},
		{
			name:      "not blocked",
			assertion: Assertion{Type: AssertBlocked, Device: "a", CID: "a/1", Blocked: boolPtr(true)},
			wantErr:   "Actual: blocked=false",
		},
		{
			name:      "analyzed",
			assertion: Assertion{Type: AssertAnalyzed, Device: "a", Number: "+15551230009", Count: 1},
			wantErr:   "1 analyzed calls",
		},
		{
			name:      "unknown device",
			assertion: Assertion{Type: AssertTrusted, Device: "z", Number: "+1"},
			wantErr:   `unknown device "z"`,
		},
		{
			name:      "unknown type",
			assertion: Assertion{Type: "final_state", Device: "a"},
			wantErr:   "unknown assertion type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := fixtureResult()
			if tt.mutate != nil {
				tt.mutate(r)
			}
			errs := EvaluateAssertions(r, []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantErr)
		})
	}
}

func TestAssertionError_IncludesSteps(t *testing.T) {
	err := &AssertionError{
		Type:     AssertIdle,
		Expected: "empty queues",
		Actual:   "1 pending",
		Trace:    []TraceEvent{{Step: 0, Kind: "sync", Device: "a", Detail: "ok"}},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: idle")
	assert.Contains(t, msg, "Steps:")
	assert.Contains(t, msg, "[0] sync a ok")
}

func TestRender(t *testing.T) {
	r := fixtureResult()
	r.ServerLog = []protocol.WireChange{
		protocol.FromChangeLog(changelog.ChangeLog{
			Type:           changelog.ContactNumberUpdate,
			InstanceNumber: "+15550000001",
			ServerChangeID: changelog.Int64(7),
			Payload: changelog.Payload{
				CID:          changelog.Str("cid-a1"),
				OldNumber:    changelog.Str("+15551230001"),
				Number:       changelog.Str("555-123-0002"),
				CounterValue: changelog.Int64(3),
			},
		}),
	}
	r.Devices = r.Devices[:1]

	want := `scenario: fixture
server:
  7 UPDN +15550000001 cid=a/1 old_number=+15551230001 number=555-123-0002 counter=3
device a +15550000001:
  instance +15550000001
  instance +15550000002
  contact a/1 owner=+15550000001 blocked=false
  number a/1 +15551230001 raw=555-123-0001 version=0 degree=0
  trusted +15550000001 1
  trusted +15550000002 1
  trusted +15551230001 1
  analyzed +15551230009 incoming=2 outgoing=0 missed=1 voicemail=0 rejected=0 blocked=0 last_call=42
  queues execute=0 upload_change=0 upload_analyzed=0 upload_error=0
`
	assert.Equal(t, want, string(Render("fixture", r)))
}
