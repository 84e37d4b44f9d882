package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/protocol"
)

// Scenario defines a multi-device sync scenario.
// Devices are set up against one fake server, the steps mutate native data,
// record or push changes and run sync rounds, and the assertions check the
// materialized state that results.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Devices are set up in order before the first step.
	Devices []Device `yaml:"devices"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Device is one simulated installation.
type Device struct {
	// Name is the short handle steps and assertions refer to.
	Name string `yaml:"name"`

	// Number is the instance number used for setup, in E.164 form.
	Number string `yaml:"number"`

	// Native attaches in-memory contacts and call-log providers.
	Native bool `yaml:"native,omitempty"`
}

// Step is one scenario action. Exactly one action field must be set.
type Step struct {
	// Contact replaces the numbers of a native contact.
	Contact *ContactStep `yaml:"contact,omitempty"`

	// DeleteContact removes a native contact.
	DeleteContact *DeleteContactStep `yaml:"delete_contact,omitempty"`

	// Call appends a native call-log entry.
	Call *CallStep `yaml:"call,omitempty"`

	// Record records a user change on a device.
	Record *ChangeStep `yaml:"record,omitempty"`

	// Push appends a change from an unknown device to the server log.
	Push *ChangeStep `yaml:"push,omitempty"`

	// Sync runs one round on each listed device, in order.
	Sync []string `yaml:"sync,omitempty"`

	// Settle runs rounds on every device until all queues are empty and
	// every device has downloaded the whole server log.
	Settle bool `yaml:"settle,omitempty"`

	// Fail injects HTTP failures into the next requests to an endpoint.
	Fail *FailStep `yaml:"fail,omitempty"`

	// Check evaluates assertions at this point of the scenario.
	Check []Assertion `yaml:"check,omitempty"`
}

// ContactStep sets the numbers of a native contact.
type ContactStep struct {
	Device  string   `yaml:"device"`
	ID      string   `yaml:"id"`
	Numbers []string `yaml:"numbers"`
}

// DeleteContactStep removes a native contact.
type DeleteContactStep struct {
	Device string `yaml:"device"`
	ID     string `yaml:"id"`
}

// CallStep is a native call-log entry.
type CallStep struct {
	Device   string `yaml:"device"`
	Number   string `yaml:"number"`
	Date     int64  `yaml:"date"`
	Type     string `yaml:"type"`
	Duration int64  `yaml:"duration"`
}

// ChangeStep describes a change log. For Record, Device names the
// recording device and defaults the instance number; for Push, Instance
// is required. CID may be an alias such as "a/1".
type ChangeStep struct {
	Device    string  `yaml:"device,omitempty"`
	Type      string  `yaml:"type"`
	Instance  string  `yaml:"instance,omitempty"`
	CID       *string `yaml:"cid,omitempty"`
	Number    *string `yaml:"number,omitempty"`
	OldNumber *string `yaml:"old_number,omitempty"`
	Parent    *string `yaml:"parent,omitempty"`
	Trust     *int    `yaml:"trust,omitempty"`
	Counter   *int64  `yaml:"counter,omitempty"`
	Degree    *int    `yaml:"degree,omitempty"`
	Blocked   *bool   `yaml:"blocked,omitempty"`
}

// FailStep injects failures.
type FailStep struct {
	// Endpoint is a protocol path such as "/downloadChange".
	Endpoint string `yaml:"endpoint"`
	Count    int    `yaml:"count"`
}

// Assertion validates the state of the server or a device.
type Assertion struct {
	// Type specifies the assertion type:
	// - "converged": every device holds the same replicated tables
	// - "idle": no device has queued work
	// - "server_log_count": the server log holds Count changes
	// - "instances": Device knows exactly Numbers as instances
	// - "trusted": Number has reference count Count on Device
	// - "contact_number": CID has Number on Device, or not when Present is false
	// - "blocked": CID on Device has blocked flag Blocked
	// - "analyzed": Number has Count analyzed calls on Device
	Type string `yaml:"type"`

	Device  string   `yaml:"device,omitempty"`
	CID     string   `yaml:"cid,omitempty"`
	Number  string   `yaml:"number,omitempty"`
	Numbers []string `yaml:"numbers,omitempty"`
	Count   int      `yaml:"count,omitempty"`
	Present *bool    `yaml:"present,omitempty"`
	Blocked *bool    `yaml:"blocked,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged      = "converged"
	AssertIdle           = "idle"
	AssertServerLogCount = "server_log_count"
	AssertInstances      = "instances"
	AssertTrusted        = "trusted"
	AssertContactNumber  = "contact_number"
	AssertBlocked        = "blocked"
	AssertAnalyzed       = "analyzed"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	devices := make(map[string]Device, len(s.Devices))
	numbers := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		switch {
		case d.Name == "":
			return fmt.Errorf("devices[%d]: name is required", i)
		case strings.Contains(d.Name, "/"):
			return fmt.Errorf("devices[%d]: name %q must not contain '/'", i, d.Name)
		case !strings.HasPrefix(d.Number, "+"):
			return fmt.Errorf("devices[%d]: number %q must be in E.164 form", i, d.Number)
		}
		if _, dup := devices[d.Name]; dup {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
		}
		if numbers[d.Number] {
			return fmt.Errorf("devices[%d]: duplicate number %q", i, d.Number)
		}
		devices[d.Name] = d
		numbers[d.Number] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(step, devices); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, devices); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, devices map[string]Device) error {
	set := 0
	for _, ok := range []bool{
		step.Contact != nil,
		step.DeleteContact != nil,
		step.Call != nil,
		step.Record != nil,
		step.Push != nil,
		len(step.Sync) > 0,
		step.Settle,
		step.Fail != nil,
		len(step.Check) > 0,
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}

	nativeDevice := func(name string) error {
		d, ok := devices[name]
		if !ok {
			return fmt.Errorf("unknown device %q", name)
		}
		if !d.Native {
			return fmt.Errorf("device %q has no native providers", name)
		}
		return nil
	}

	switch {
	case step.Contact != nil:
		if step.Contact.ID == "" {
			return fmt.Errorf("contact: id is required")
		}
		return nativeDevice(step.Contact.Device)
	case step.DeleteContact != nil:
		if step.DeleteContact.ID == "" {
			return fmt.Errorf("delete_contact: id is required")
		}
		return nativeDevice(step.DeleteContact.Device)
	case step.Call != nil:
		if step.Call.Number == "" {
			return fmt.Errorf("call: number is required")
		}
		return nativeDevice(step.Call.Device)
	case step.Record != nil:
		if _, ok := devices[step.Record.Device]; !ok {
			return fmt.Errorf("record: unknown device %q", step.Record.Device)
		}
		return validateChangeType(step.Record.Type)
	case step.Push != nil:
		if step.Push.Device != "" {
			return fmt.Errorf("push: device is not allowed, pushes come from the server")
		}
		if step.Push.Instance == "" {
			return fmt.Errorf("push: instance is required")
		}
		return validateChangeType(step.Push.Type)
	case len(step.Sync) > 0:
		for _, name := range step.Sync {
			if _, ok := devices[name]; !ok {
				return fmt.Errorf("sync: unknown device %q", name)
			}
		}
	case step.Fail != nil:
		switch step.Fail.Endpoint {
		case protocol.PathUploadChange, protocol.PathDownloadChange,
			protocol.PathUploadAnalyzed, protocol.PathUploadError:
		default:
			return fmt.Errorf("fail: unsupported endpoint %q", step.Fail.Endpoint)
		}
		if step.Fail.Count <= 0 {
			return fmt.Errorf("fail: count must be positive")
		}
	case len(step.Check) > 0:
		for i, a := range step.Check {
			if err := validateAssertion(a, devices); err != nil {
				return fmt.Errorf("check[%d]: %w", i, err)
			}
		}
	}
	return nil
}

func validateChangeType(t string) error {
	if _, err := changelog.ParseType(strings.ToUpper(t)); err != nil {
		return err
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(a Assertion, devices map[string]Device) error {
	if a.Type == "" {
		return fmt.Errorf("type is required")
	}

	needDevice := func() error {
		if _, ok := devices[a.Device]; !ok {
			return fmt.Errorf("%s: unknown device %q", a.Type, a.Device)
		}
		return nil
	}

	switch a.Type {
	case AssertConverged, AssertIdle:
		return nil
	case AssertServerLogCount:
		if a.Count < 0 {
			return fmt.Errorf("server_log_count: count must be non-negative")
		}
		return nil
	case AssertInstances:
		return needDevice()
	case AssertTrusted, AssertAnalyzed:
		if a.Number == "" {
			return fmt.Errorf("%s: number is required", a.Type)
		}
		return needDevice()
	case AssertContactNumber:
		if a.CID == "" || a.Number == "" {
			return fmt.Errorf("contact_number: cid and number are required")
		}
		return needDevice()
	case AssertBlocked:
		if a.CID == "" || a.Blocked == nil {
			return fmt.Errorf("blocked: cid and blocked are required")
		}
		return needDevice()
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}
