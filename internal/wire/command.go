package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandKind identifies a host-to-controller line.
type CommandKind string

const (
	CmdStatus         CommandKind = "status"
	CmdAbortAnalysis  CommandKind = "abort_analysis"
	CmdAnalysisResult CommandKind = "analysis_result"
	CmdSettings       CommandKind = "settings"
)

// Command is a parsed host-to-controller line. Settings payloads are kept
// raw: the controller decodes them against its own settings schema so that
// unknown fields fail there, with a frame back to the host.
type Command struct {
	Kind     CommandKind
	Eject    bool            // set when Kind == CmdAnalysisResult
	Settings json.RawMessage // set when Kind == CmdSettings
	Raw      string
}

// ParseCommand parses one host-to-controller line.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r")
	c := Command{Raw: line}
	if line == "" {
		return c, fmt.Errorf("wire: empty line")
	}

	verb, rest, _ := strings.Cut(line, " ")
	switch verb {
	case VerbStatus:
		c.Kind = CmdStatus
		return c, nil

	case VerbAbortAnalysis:
		c.Kind = CmdAbortAnalysis
		return c, nil

	case VerbAnalysisResult:
		switch rest {
		case "TRUE":
			c.Kind = CmdAnalysisResult
			c.Eject = true
			return c, nil
		case "FALSE":
			c.Kind = CmdAnalysisResult
			c.Eject = false
			return c, nil
		}
		return c, fmt.Errorf("wire: bad ANALYSIS_RESULT %q", rest)

	case VerbSettings:
		if !json.Valid([]byte(rest)) {
			return c, fmt.Errorf("wire: bad SETTINGS payload")
		}
		c.Kind = CmdSettings
		c.Settings = json.RawMessage(rest)
		return c, nil
	}

	return c, fmt.Errorf("wire: unknown command %q", verb)
}

// StatusCommand builds a STATUS line.
func StatusCommand() string {
	return VerbStatus
}

// AbortAnalysisCommand builds an ABORT_ANALYSIS line.
func AbortAnalysisCommand() string {
	return VerbAbortAnalysis
}

// AnalysisResultCommand builds an ANALYSIS_RESULT line. TRUE ejects the
// board, FALSE passes it through.
func AnalysisResultCommand(eject bool) string {
	if eject {
		return VerbAnalysisResult + " TRUE"
	}
	return VerbAnalysisResult + " FALSE"
}

// SettingsCommand builds a SETTINGS line from an already-validated settings
// value.
func SettingsCommand(v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("wire: marshal settings: %w", err)
	}
	return VerbSettings + " " + string(body), nil
}
