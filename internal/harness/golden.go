package harness

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/alx-kng/telefender/internal/protocol"
)

// Render produces the canonical text form of a result: the server log in
// server order, then every device's replicated and local tables. Derived
// CIDs are shown by alias and rows are sorted, so the output does not depend
// on hash order or on which concurrent stage finished first.
func Render(name string, result *Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", name)

	fmt.Fprintf(&buf, "server:\n")
	for _, c := range result.ServerLog {
		fmt.Fprintf(&buf, "  %s\n", renderChange(c, result))
	}

	for _, d := range result.Devices {
		fmt.Fprintf(&buf, "device %s %s:\n", d.Name, d.Number)
		snap := d.Snapshot

		for _, n := range snap.Instances {
			fmt.Fprintf(&buf, "  instance %s\n", n)
		}

		var lines []string
		for _, c := range snap.Contacts {
			lines = append(lines, fmt.Sprintf("contact %s owner=%s blocked=%v",
				result.Alias(c.CID), c.InstanceNumber, c.Blocked))
		}
		sort.Strings(lines)
		writeLines(&buf, lines)

		lines = lines[:0]
		for _, n := range snap.ContactNumbers {
			lines = append(lines, fmt.Sprintf("number %s %s raw=%s version=%d degree=%d",
				result.Alias(n.CID), n.Number, n.RawNumber, n.Version, n.Degree))
		}
		sort.Strings(lines)
		writeLines(&buf, lines)

		numbers := make([]string, 0, len(snap.TrustedNumbers))
		for n := range snap.TrustedNumbers {
			numbers = append(numbers, n)
		}
		slices.Sort(numbers)
		for _, n := range numbers {
			fmt.Fprintf(&buf, "  trusted %s %d\n", n, snap.TrustedNumbers[n])
		}

		for _, a := range snap.Analyzed {
			fmt.Fprintf(&buf, "  analyzed %s incoming=%d outgoing=%d missed=%d voicemail=%d rejected=%d blocked=%d last_call=%d",
				a.Number, a.NumIncoming, a.NumOutgoing, a.NumMissed, a.NumVoicemail, a.NumRejected, a.NumBlocked, a.LastCallTime)
			if a.MarkedTrustability != nil {
				fmt.Fprintf(&buf, " trust=%d", *a.MarkedTrustability)
			}
			buf.WriteByte('\n')
		}

		for _, c := range snap.CallDetails {
			fmt.Fprintf(&buf, "  call %d %s raw=%s %s duration=%d\n",
				c.EpochDate, c.Number, c.RawNumber, c.Type, c.Duration)
		}

		fmt.Fprintf(&buf, "  queues execute=%d upload_change=%d upload_analyzed=%d upload_error=%d\n",
			d.Depths.Execute, d.Depths.UploadChange, d.Depths.UploadAnalyzed, d.Depths.UploadError)
	}
	return buf.Bytes()
}

func writeLines(buf *bytes.Buffer, lines []string) {
	for _, l := range lines {
		fmt.Fprintf(buf, "  %s\n", l)
	}
}

func renderChange(c protocol.WireChange, result *Result) string {
	var buf bytes.Buffer
	if c.ServerChangeID != nil {
		fmt.Fprintf(&buf, "%d ", *c.ServerChangeID)
	}
	fmt.Fprintf(&buf, "%s %s", c.Type, c.InstanceNumber)
	if c.CID != nil {
		fmt.Fprintf(&buf, " cid=%s", result.Alias(*c.CID))
	}
	if c.OldNumber != nil {
		fmt.Fprintf(&buf, " old_number=%s", *c.OldNumber)
	}
	if c.Number != nil {
		fmt.Fprintf(&buf, " number=%s", *c.Number)
	}
	if c.ParentNumber != nil {
		fmt.Fprintf(&buf, " parent=%s", *c.ParentNumber)
	}
	if c.Trustability != nil {
		fmt.Fprintf(&buf, " trust=%d", *c.Trustability)
	}
	if c.CounterValue != nil {
		fmt.Fprintf(&buf, " counter=%d", *c.CounterValue)
	}
	if c.Degree != nil {
		fmt.Fprintf(&buf, " degree=%d", *c.Degree)
	}
	if c.Blocked != nil {
		fmt.Fprintf(&buf, " blocked=%v", *c.Blocked)
	}
	return buf.String()
}

// RunWithGolden executes a scenario and compares its rendered result
// against a golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check scenario assertions.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t, scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an already executed result against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, Render(scenarioName, result))
}
