// Package protocol speaks the runner's line-delimited JSON protocol: one
// command per line in, one event per line out.
package protocol

// Event types written to the parent.
const (
	EventReady           = "ready"
	EventLog             = "log"
	EventStatus          = "status"
	EventData            = "data"
	EventNetworkCaptured = "network-captured"
	EventResult          = "result"
	EventError           = "error"
	EventTestResult      = "test-result"
)

// Command types read from the parent.
const (
	CommandRun  = "run"
	CommandStop = "stop"
	CommandQuit = "quit"
	CommandTest = "test"
)

// Command is one input line. Only the fields of its Type are set.
type Command struct {
	Type          string `json:"type"`
	RunID         string `json:"runId,omitempty"`
	ConnectorPath string `json:"connectorPath,omitempty"`
	URL           string `json:"url,omitempty"`
	// Headless defaults to true when absent.
	Headless *bool `json:"headless,omitempty"`
}

// IsHeadless applies the default for an absent headless field.
func (c Command) IsHeadless() bool {
	return c.Headless == nil || *c.Headless
}

type readyEvent struct {
	Type string `json:"type"`
}

type logEvent struct {
	Type    string `json:"type"`
	RunID   string `json:"runId"`
	Message string `json:"message"`
}

type statusEvent struct {
	Type   string      `json:"type"`
	RunID  string      `json:"runId"`
	Status interface{} `json:"status"`
}

// Collecting is the structured status sent for progress updates.
type Collecting struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Phase   interface{} `json:"phase,omitempty"`
	Count   interface{} `json:"count,omitempty"`
}

type dataEvent struct {
	Type  string      `json:"type"`
	RunID string      `json:"runId"`
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

type capturedEvent struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
	Key   string `json:"key"`
	URL   string `json:"url"`
}

type resultEvent struct {
	Type  string      `json:"type"`
	RunID string      `json:"runId"`
	Data  interface{} `json:"data"`
}

type errorEvent struct {
	Type    string `json:"type"`
	RunID   string `json:"runId"`
	Message string `json:"message"`
}

// TestInfo answers the test command.
type TestInfo struct {
	Runtime  string `json:"runtime"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
	CPUs     int    `json:"cpus"`
}

type testResultEvent struct {
	Type string   `json:"type"`
	Data TestInfo `json:"data"`
}
