// Package wire defines the line-oriented frames exchanged between the host
// daemon and the machine controller over the serial link. Every frame is a
// single newline-terminated line: a verb, then an optional payload. The verb
// is the first whitespace-delimited token, except DEBUG: which carries its
// trailing colon.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Controller-to-host verbs.
const (
	VerbState     = "STATE"
	VerbHeartbeat = "HEARTBEAT"
	VerbWarning   = "WARNING"
	VerbError     = "ERROR"
	VerbDebug     = "DEBUG:"
	VerbRequest   = "SLAVE_REQUEST"
)

// SLAVE_REQUEST arguments.
const (
	RequestAnalysisStart    = "ANALYSIS_START"
	RequestNonAnalysisCycle = "NON_ANALYSIS_CYCLE"
)

// Host-to-controller verbs.
const (
	VerbStatus         = "STATUS"
	VerbAbortAnalysis  = "ABORT_ANALYSIS"
	VerbAnalysisResult = "ANALYSIS_RESULT"
	VerbSettings       = "SETTINGS"
)

// Kind identifies a controller-to-host frame.
type Kind string

const (
	KindState            Kind = "state"
	KindHeartbeat        Kind = "heartbeat"
	KindWarning          Kind = "warning"
	KindError            Kind = "error"
	KindDebug            Kind = "debug"
	KindAnalysisRequest  Kind = "analysis_request"
	KindNonAnalysisCycle Kind = "non_analysis_cycle"
)

// Frame is a parsed controller-to-host line.
type Frame struct {
	Kind      Kind
	State     *StatePayload     // set when Kind == KindState
	Heartbeat *HeartbeatPayload // set when Kind == KindHeartbeat
	Text      string            // warning/error/debug message text
	Raw       string            // the line as received, without the newline
}

// StatePayload is the JSON body of a STATE frame.
type StatePayload struct {
	Status           string `json:"status"`
	RouterState      string `json:"router_state"`
	PushCylinder     string `json:"push_cylinder"`
	RiserCylinder    string `json:"riser_cylinder"`
	EjectionCylinder string `json:"ejection_cylinder"`
	Sensor1          string `json:"sensor1"`
}

// HeartbeatPayload is the JSON body of a HEARTBEAT frame.
// Uptime is whole seconds since the controller process started.
type HeartbeatPayload struct {
	Uptime    int64  `json:"uptime"`
	BootCount int64  `json:"boot_count"`
	Version   string `json:"version,omitempty"`
}

// OnOff renders a pin state the way STATE payloads carry it.
func OnOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// IsOn parses an "ON"/"OFF" payload value. Anything but "ON" reads as off.
func IsOn(s string) bool {
	return s == "ON"
}

// ParseFrame parses one controller-to-host line. A trailing CR is tolerated
// (serial consoles often emit CRLF). Unknown verbs and malformed payloads
// return an error; callers log and drop those lines.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r")
	f := Frame{Raw: line}
	if line == "" {
		return f, fmt.Errorf("wire: empty line")
	}

	verb, rest, _ := strings.Cut(line, " ")
	switch verb {
	case VerbState:
		var p StatePayload
		if err := json.Unmarshal([]byte(rest), &p); err != nil {
			return f, fmt.Errorf("wire: bad STATE payload: %w", err)
		}
		f.Kind = KindState
		f.State = &p
		return f, nil

	case VerbHeartbeat:
		var p HeartbeatPayload
		if err := json.Unmarshal([]byte(rest), &p); err != nil {
			return f, fmt.Errorf("wire: bad HEARTBEAT payload: %w", err)
		}
		f.Kind = KindHeartbeat
		f.Heartbeat = &p
		return f, nil

	case VerbWarning:
		f.Kind = KindWarning
		f.Text = rest
		return f, nil

	case VerbError:
		f.Kind = KindError
		f.Text = rest
		return f, nil

	case VerbDebug:
		f.Kind = KindDebug
		f.Text = rest
		return f, nil

	case VerbRequest:
		switch rest {
		case RequestAnalysisStart:
			f.Kind = KindAnalysisRequest
			return f, nil
		case RequestNonAnalysisCycle:
			f.Kind = KindNonAnalysisCycle
			return f, nil
		}
		return f, fmt.Errorf("wire: unknown SLAVE_REQUEST %q", rest)
	}

	return f, fmt.Errorf("wire: unknown verb %q", verb)
}

// StateFrame builds a STATE line.
func StateFrame(p StatePayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("wire: marshal state: %w", err)
	}
	return VerbState + " " + string(body), nil
}

// HeartbeatFrame builds a HEARTBEAT line.
func HeartbeatFrame(p HeartbeatPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("wire: marshal heartbeat: %w", err)
	}
	return VerbHeartbeat + " " + string(body), nil
}

// WarningFrame builds a WARNING line.
func WarningFrame(text string) string {
	return VerbWarning + " " + text
}

// ErrorFrame builds an ERROR line.
func ErrorFrame(text string) string {
	return VerbError + " " + text
}

// DebugFrame builds a DEBUG: line.
func DebugFrame(text string) string {
	return VerbDebug + " " + text
}

// AnalysisStartRequest builds the analysis handshake request line.
func AnalysisStartRequest() string {
	return VerbRequest + " " + RequestAnalysisStart
}

// NonAnalysisCycleRequest builds the non-analysis cycle notification line.
func NonAnalysisCycleRequest() string {
	return VerbRequest + " " + RequestNonAnalysisCycle
}
