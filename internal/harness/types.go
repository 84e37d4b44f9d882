package harness

import (
	"github.com/alx-kng/telefender/internal/protocol"
	"github.com/alx-kng/telefender/internal/store"
)

// TraceEvent records one executed scenario step.
type TraceEvent struct {
	Step   int    `json:"step"`
	Kind   string `json:"kind"`
	Device string `json:"device,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// DeviceState is the final state of one simulated device.
type DeviceState struct {
	Name     string            `json:"name"`
	Number   string            `json:"number"`
	Snapshot store.Snapshot    `json:"snapshot"`
	Depths   store.QueueDepths `json:"depths"`
	// Watermark is the device's last downloaded server change ID.
	Watermark int64 `json:"watermark"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every assertion holds.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Devices holds the final device states in scenario order.
	Devices []DeviceState `json:"devices"`

	// ServerLog is the fake server's change log in server order.
	ServerLog []protocol.WireChange `json:"server_log"`

	// aliases maps derived CIDs back to "<device>/<native id>".
	aliases map[string]string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		aliases: make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(step int, kind, device, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Kind: kind, Device: device, Detail: detail})
}

// Device returns the final state of the named device.
func (r *Result) Device(name string) (DeviceState, bool) {
	for _, d := range r.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceState{}, false
}

// Alias returns the readable name of cid, or cid itself.
func (r *Result) Alias(cid string) string {
	if a, ok := r.aliases[cid]; ok {
		return a
	}
	return cid
}

// resolveCID maps an alias such as "a/1" back to its derived CID.
func (r *Result) resolveCID(alias string) string {
	for cid, a := range r.aliases {
		if a == alias {
			return cid
		}
	}
	return alias
}
