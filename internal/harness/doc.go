// Package harness runs multi-device sync scenarios against the real engine.
//
// A scenario is a YAML file naming a set of devices, a list of steps and a
// list of assertions. Every device gets its own store and engine, and all of
// them talk to one in-process fake server, so a scenario exercises the same
// table sync, execute, upload and download code as a running installation.
//
// Steps:
//   - contact, delete_contact, call: mutate a device's native providers
//   - record: record a user change on a device
//   - push: append a change from a device outside the scenario
//   - sync: run one round on the listed devices, in order
//   - settle: run rounds until every queue is empty and every device has
//     downloaded the whole server log
//   - fail: inject HTTP failures on an endpoint
//   - check: evaluate assertions mid-scenario
//
// Contacts imported from a native provider get CIDs derived from the
// instance number and native contact ID. Scenarios refer to them by alias,
// "<device>/<native id>", and golden output prints the alias in their place.
//
// Golden files live in testdata/golden and hold the rendered server log and
// device tables. Regenerate them with:
//
//	go test ./internal/harness -update
package harness
