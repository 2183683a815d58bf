// Package launchproto defines the JSON wire messages exchanged between
// the launcher and worker processes of the Background-Mode Dispatcher
// (spec §4.8, §6 "Wire protocol between launcher and worker").
package launchproto

import "encoding/json"

// ChildLaunchArgs is sent by the launcher on the worker's stdin, then
// stdin is closed.
type ChildLaunchArgs struct {
	LauncherPID int `json:"launcher_pid"`
}

// ChildContextReady is sent by the worker on its own stdout, as a
// single line, once the Docker Context Artifact has been published.
// It carries no fields; its mere arrival is the signal.
type ChildContextReady struct{}

// Encode marshals v and appends a trailing newline, ready to be
// written to a pipe as one line.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode unmarshals a single JSON object from b into v.
func Decode(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
