package harness

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/alx-kng/telefender/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Executed steps for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", event.Step, event.Kind, event.Device, event.Detail)
		}
	}
	return buf.String()
}

// replicated is the part of a snapshot every device must agree on.
// Analyzed numbers and call details stay on the device that saw the calls.
type replicated struct {
	Instances      []string
	Contacts       []store.Contact
	ContactNumbers []store.ContactNumber
	TrustedNumbers map[string]int
}

func replicatedOf(s store.Snapshot) replicated {
	return replicated{
		Instances:      s.Instances,
		Contacts:       s.Contacts,
		ContactNumbers: s.ContactNumbers,
		TrustedNumbers: s.TrustedNumbers,
	}
}

func assertConverged(result *Result) error {
	if len(result.Devices) < 2 {
		return nil
	}
	first := result.Devices[0]
	want := replicatedOf(first.Snapshot)
	for _, d := range result.Devices[1:] {
		got := replicatedOf(d.Snapshot)
		if !reflect.DeepEqual(want, got) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("device %s to match device %s: %+v", d.Name, first.Name, want),
				Actual:   fmt.Sprintf("%+v", got),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertIdle(result *Result) error {
	for _, d := range result.Devices {
		if !d.Depths.Idle() {
			return &AssertionError{
				Type:     AssertIdle,
				Expected: fmt.Sprintf("device %s to have empty queues", d.Name),
				Actual:   fmt.Sprintf("%+v", d.Depths),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertServerLogCount(result *Result, a Assertion) error {
	if len(result.ServerLog) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertServerLogCount,
		Expected: fmt.Sprintf("%d changes on the server", a.Count),
		Actual:   fmt.Sprintf("%d changes", len(result.ServerLog)),
		Trace:    result.Trace,
	}
}

func assertInstances(d DeviceState, a Assertion) error {
	want := slices.Clone(a.Numbers)
	slices.Sort(want)
	got := slices.Clone(d.Snapshot.Instances)
	slices.Sort(got)
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     AssertInstances,
		Expected: fmt.Sprintf("device %s instances %v", d.Name, want),
		Actual:   fmt.Sprintf("%v", got),
	}
}

func assertTrusted(d DeviceState, a Assertion) error {
	got := d.Snapshot.TrustedNumbers[a.Number]
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTrusted,
		Expected: fmt.Sprintf("device %s trusted count %d for %s", d.Name, a.Count, a.Number),
		Actual:   fmt.Sprintf("%d", got),
	}
}

func assertContactNumber(result *Result, d DeviceState, a Assertion) error {
	cid := result.resolveCID(a.CID)
	found := slices.ContainsFunc(d.Snapshot.ContactNumbers, func(n store.ContactNumber) bool {
		return n.CID == cid && n.Number == a.Number
	})
	want := a.Present == nil || *a.Present
	if found == want {
		return nil
	}
	return &AssertionError{
		Type:     AssertContactNumber,
		Expected: fmt.Sprintf("device %s contact %s has number %s: %v", d.Name, a.CID, a.Number, want),
		Actual:   fmt.Sprintf("%v", found),
	}
}

func assertBlocked(result *Result, d DeviceState, a Assertion) error {
	cid := result.resolveCID(a.CID)
	i := slices.IndexFunc(d.Snapshot.Contacts, func(c store.Contact) bool { return c.CID == cid })
	if i < 0 {
		return &AssertionError{
			Type:     AssertBlocked,
			Expected: fmt.Sprintf("device %s contact %s blocked=%v", d.Name, a.CID, *a.Blocked),
			Actual:   "contact not found",
		}
	}
	if got := d.Snapshot.Contacts[i].Blocked; got != *a.Blocked {
		return &AssertionError{
			Type:     AssertBlocked,
			Expected: fmt.Sprintf("device %s contact %s blocked=%v", d.Name, a.CID, *a.Blocked),
			Actual:   fmt.Sprintf("blocked=%v", got),
		}
	}
	return nil
}

func assertAnalyzed(d DeviceState, a Assertion) error {
	got := 0
	for _, n := range d.Snapshot.Analyzed {
		if n.Number == a.Number {
			got = n.NumIncoming + n.NumOutgoing + n.NumMissed + n.NumVoicemail + n.NumRejected + n.NumBlocked
		}
	}
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertAnalyzed,
		Expected: fmt.Sprintf("device %s %d analyzed calls for %s", d.Name, a.Count, a.Number),
		Actual:   fmt.Sprintf("%d", got),
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertConverged:
			err = assertConverged(result)
		case AssertIdle:
			err = assertIdle(result)
		case AssertServerLogCount:
			err = assertServerLogCount(result, assertion)
		default:
			d, ok := result.Device(assertion.Device)
			if !ok {
				err = fmt.Errorf("assertion[%d]: unknown device %q", i, assertion.Device)
				break
			}
			switch assertion.Type {
			case AssertInstances:
				err = assertInstances(d, assertion)
			case AssertTrusted:
				err = assertTrusted(d, assertion)
			case AssertContactNumber:
				err = assertContactNumber(result, d, assertion)
			case AssertBlocked:
				err = assertBlocked(result, d, assertion)
			case AssertAnalyzed:
				err = assertAnalyzed(d, assertion)
			default:
				err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
			}
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
