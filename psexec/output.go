package psexec

import (
	"strings"
	"time"
)

// CLIXMLMarker prefixes serialized PowerShell streams.
const CLIXMLMarker = "#< CLIXML"

// RemoteExceptionType labels error records synthesized from plain stderr.
const RemoteExceptionType = "System.Management.Automation.RemoteException"

// ParsedOutput is the structured form of raw stdout and stderr.
type ParsedOutput struct {
	Streams []StreamRecord
	Output  []any
	Errors  []ErrorRecord
}

// ParseOutput converts accumulated stdout and stderr into records stamped
// with at. parser may be nil, in which case the text fallbacks are used.
func ParseOutput(stdout, stderr string, parser StructuredParser, at time.Time) ParsedOutput {
	var p ParsedOutput
	for _, v := range parseStdout(stdout, parser) {
		switch rec := v.(type) {
		case ProgressRecord:
			p.Streams = append(p.Streams, StreamRecord{Kind: StreamOutput, Timestamp: at, Progress: &rec})
		case *ProgressRecord:
			p.Streams = append(p.Streams, StreamRecord{Kind: StreamOutput, Timestamp: at, Progress: rec})
		default:
			p.Output = append(p.Output, v)
			p.Streams = append(p.Streams, StreamRecord{Kind: StreamOutput, Value: v, Timestamp: at})
		}
	}

	if stderr != "" {
		p.Errors = parseStderr(stderr, parser)
		for i := range p.Errors {
			rec := p.Errors[i]
			p.Streams = append(p.Streams, StreamRecord{Kind: StreamError, Value: rec.Message, Timestamp: at, Error: &rec})
		}
	}
	return p
}

func parseStdout(stdout string, parser StructuredParser) []any {
	if stdout == "" {
		return nil
	}
	if strings.Contains(stdout, CLIXMLMarker) {
		if parser != nil {
			if values, err := parser.ParseStructuredOutput(stdout); err == nil {
				return values
			}
		}
		return []any{stdout}
	}

	lines := strings.Split(strings.ReplaceAll(stdout, "\r\n", "\n"), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	values := make([]any, len(lines))
	for i, line := range lines {
		values[i] = line
	}
	return values
}

// parseStderr keeps the structured parser's result whenever it succeeds,
// even if empty: a document of only progress or verbose records holds no
// errors. Lines are used only when the text cannot be parsed.
func parseStderr(stderr string, parser StructuredParser) []ErrorRecord {
	if parser != nil {
		if records, err := parser.ParseErrorStream(stderr); err == nil {
			return records
		}
	}

	var records []ErrorRecord
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		records = append(records, ErrorRecord{ExceptionType: RemoteExceptionType, Message: line})
	}
	return records
}
