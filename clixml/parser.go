package clixml

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/smnsjas/go-winrmexec/psexec"
)

// Parser decodes CLIXML written by powershell.exe. It implements
// psexec.StructuredParser and holds no state between calls.
type Parser struct{}

var _ psexec.StructuredParser = (*Parser)(nil)

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// ParseStructuredOutput returns the output objects of text in order.
// Progress objects become psexec.ProgressRecord values; the error, warning,
// verbose, debug and information streams are skipped.
func (p *Parser) ParseStructuredOutput(text string) ([]any, error) {
	elems, err := readDocuments(text)
	if err != nil {
		return nil, err
	}

	d := newDecoder()
	values := make([]any, 0, len(elems))
	for i := range elems {
		n := &elems[i]
		switch strings.ToLower(n.attr("S")) {
		case "", "output":
			values = append(values, d.value(n))
		case "progress":
			values = append(values, d.progress(n))
		default:
			// Resolve refs so later Ref elements still find their target.
			d.value(n)
		}
	}
	return values, nil
}

// ParseErrorStream returns the error records of text. Formatted error text
// written as <S S="Error"> lines is regrouped into one record per error;
// serialized ErrorRecord objects are mapped from their properties.
func (p *Parser) ParseErrorStream(text string) ([]psexec.ErrorRecord, error) {
	elems, err := readDocuments(text)
	if err != nil {
		return nil, err
	}

	d := newDecoder()
	var (
		records   []psexec.ErrorRecord
		formatted strings.Builder
	)
	flush := func() {
		records = append(records, parseFormattedErrors(formatted.String())...)
		formatted.Reset()
	}
	for i := range elems {
		n := &elems[i]
		if !strings.EqualFold(n.attr("S"), "error") {
			d.value(n)
			continue
		}
		switch n.XMLName.Local {
		case "Obj":
			flush()
			records = append(records, d.errorRecord(n))
		default:
			if s, ok := d.value(n).(string); ok {
				formatted.WriteString(s)
			}
		}
	}
	flush()
	return records, nil
}

// errorRecord maps a serialized System.Management.Automation.ErrorRecord.
func (d *decoder) errorRecord(n *node) psexec.ErrorRecord {
	d.types(n)
	props, _ := d.object(n).(map[string]any)
	str := func(key string) string {
		if s, ok := props[key].(string); ok {
			return s
		}
		return ""
	}

	rec := psexec.ErrorRecord{
		FullyQualifiedErrorID: str("FullyQualifiedErrorId"),
		Category:              str("ErrorCategory_Reason"),
		TargetObject:          str("TargetObject"),
		StackTrace:            str("ErrorDetails_ScriptStackTrace"),
		ExceptionType:         psexec.RemoteExceptionType,
	}
	if rec.Category == "" {
		rec.Category = str("ErrorCategory_Category")
	}

	if ex := n.named("Exception"); ex != nil {
		if names := d.types(ex); len(names) > 0 {
			rec.ExceptionType = strings.TrimPrefix(names[0], "Deserialized.")
		}
		if m, ok := d.value(ex).(map[string]any); ok {
			if msg, ok := m["Message"].(string); ok {
				rec.Message = msg
			}
		}
	}
	if rec.Message == "" {
		rec.Message = str("ErrorDetails_Message")
	}
	if rec.Message == "" {
		if ts := n.child("ToString"); ts != nil {
			rec.Message = Unescape(ts.Text)
		}
	}

	if pos := str("InvocationInfo_PositionMessage"); pos != "" {
		rec.Invocation = parsePosition(pos)
	}
	return rec
}

var (
	positionPattern = regexp.MustCompile(`^At (.*):(\d+) char:(\d+)`)
	categoryPattern = regexp.MustCompile(`^\+\s*CategoryInfo\s*:\s*(\w+):\s*\((.*)\)\s*\[[^\]]*\],\s*(\S+)`)
	fqidPattern     = regexp.MustCompile(`^\+\s*FullyQualifiedErrorId\s*:\s*(.*)$`)
)

// parsePosition parses "At line:1 char:5" or "At C:\s.ps1:3 char:1".
func parsePosition(msg string) *psexec.InvocationInfo {
	first, _, _ := strings.Cut(msg, "\n")
	m := positionPattern.FindStringSubmatch(strings.TrimSpace(first))
	if m == nil {
		return &psexec.InvocationInfo{PositionMessage: msg}
	}
	line, _ := strconv.Atoi(m[2])
	col, _ := strconv.Atoi(m[3])
	info := &psexec.InvocationInfo{Line: line, Column: col, PositionMessage: strings.TrimRight(msg, "\r\n")}
	if m[1] != "line" {
		info.ScriptName = m[1]
	}
	return info
}

// parseFormattedErrors splits text as powershell.exe prints errors:
//
//	Get-Item : Cannot find path 'C:\nope' because it does not exist.
//	At line:1 char:1
//	+ Get-Item C:\nope
//	+ ~~~~~~~~~~~~~~~~
//	    + CategoryInfo          : ObjectNotFound: (C:\nope:String) [Get-Item], ItemNotFoundException
//	    + FullyQualifiedErrorId : PathNotFound,Microsoft.PowerShell.Commands.GetItemCommand
//
// Each FullyQualifiedErrorId line ends a record. Trailing text without one
// becomes a final record carrying only a message.
func parseFormattedErrors(text string) []psexec.ErrorRecord {
	var (
		records []psexec.ErrorRecord
		block   []string
	)
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" && len(block) == 0 {
			continue
		}
		block = append(block, line)
		if fqidPattern.MatchString(trimmed) {
			records = append(records, parseErrorBlock(block))
			block = nil
		}
	}
	if len(block) > 0 {
		if rec := parseErrorBlock(block); rec.Message != "" {
			records = append(records, rec)
		}
	}
	return records
}

func parseErrorBlock(lines []string) psexec.ErrorRecord {
	rec := psexec.ErrorRecord{ExceptionType: psexec.RemoteExceptionType}

	var (
		message  []string
		position []string
		inHeader = true
	)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case positionPattern.MatchString(trimmed):
			inHeader = false
			position = append(position, trimmed)
		case strings.HasPrefix(trimmed, "+ CategoryInfo"), strings.HasPrefix(trimmed, "+CategoryInfo"):
			inHeader = false
			if m := categoryPattern.FindStringSubmatch(trimmed); m != nil {
				rec.Category = m[1]
				rec.TargetObject = targetName(m[2])
				rec.ExceptionType = m[3]
			}
		case fqidPattern.MatchString(trimmed):
			inHeader = false
			rec.FullyQualifiedErrorID = strings.TrimSpace(fqidPattern.FindStringSubmatch(trimmed)[1])
		case !inHeader && strings.HasPrefix(trimmed, "+"):
			position = append(position, trimmed)
		case inHeader && trimmed != "":
			message = append(message, trimmed)
		}
	}

	msg := strings.Join(message, " ")
	// "Get-Item : message" names the failing command first.
	if cmd, rest, ok := strings.Cut(msg, " : "); ok && !strings.ContainsAny(cmd, " \t") {
		msg = rest
	}
	rec.Message = msg
	if len(position) > 0 {
		rec.Invocation = parsePosition(strings.Join(position, "\n"))
	}
	return rec
}

// targetName strips the ":Type" suffix of "(C:\nope:String)".
func targetName(s string) string {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[:i]
	}
	return s
}
