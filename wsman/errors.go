package wsman

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

// Sentinels a Fault matches through errors.Is.
var (
	ErrAccessDenied     = errors.New("wsman: access denied")
	ErrShellNotFound    = errors.New("wsman: shell not found")
	ErrOperationTimeout = errors.New("wsman: operation timed out")
)

// Fault represents a WSMan SOAP fault.
type Fault struct {
	// Code is the SOAP fault code (e.g., "s:Sender", "s:Receiver").
	Code string

	// Subcode is the WSMan-specific subcode (e.g., "w:InvalidSelectors").
	Subcode string

	// Reason is the human-readable fault reason.
	Reason string

	// WSManCode is the numeric WSMan error code.
	WSManCode int64

	// Machine is the machine that generated the fault.
	Machine string

	// Message is the WSMan fault message.
	Message string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	var parts []string
	for _, p := range []string{f.Code, f.Subcode, f.Reason} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if f.WSManCode != 0 {
		parts = append(parts, fmt.Sprintf("code=%d", f.WSManCode))
	}
	return "wsman fault: " + strings.Join(parts, ": ")
}

// Is maps the fault onto the package sentinels.
func (f *Fault) Is(target error) bool {
	switch target {
	case ErrAccessDenied:
		return f.IsAccessDenied()
	case ErrShellNotFound:
		return f.IsShellNotFound()
	case ErrOperationTimeout:
		return f.IsTimeout()
	}
	return false
}

// IsAccessDenied returns true if the fault indicates access was denied.
func (f *Fault) IsAccessDenied() bool {
	// Windows ERROR_ACCESS_DENIED
	return strings.Contains(f.Subcode, "AccessDenied") || f.WSManCode == 5
}

// IsShellNotFound returns true if the fault indicates the shell was not found.
func (f *Fault) IsShellNotFound() bool {
	return strings.Contains(f.Subcode, "InvalidSelectors") ||
		strings.Contains(f.Reason, "shell was not found")
}

// IsTimeout returns true if the fault indicates a Receive timed out with no output.
func (f *Fault) IsTimeout() bool {
	return strings.Contains(f.Subcode, "TimedOut") ||
		strings.Contains(f.Reason, "timed out")
}

// IsFault returns true if the error is a WSMan Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// ParseFault parses a SOAP response and returns a Fault if present.
// Returns nil if the response does not contain a fault.
func ParseFault(data []byte) (*Fault, error) {
	if !bytes.Contains(data, []byte(":Fault")) && !bytes.Contains(data, []byte("<Fault")) {
		return nil, nil
	}

	var env faultEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse fault: %w", err)
	}
	if env.Body.Fault.Code.Value == "" {
		return nil, nil
	}

	f := env.Body.Fault
	return &Fault{
		Code:      strings.TrimSpace(f.Code.Value),
		Subcode:   strings.TrimSpace(f.Code.Subcode.Value),
		Reason:    strings.TrimSpace(f.Reason.Text),
		WSManCode: f.Detail.WSManFault.Code,
		Machine:   f.Detail.WSManFault.Machine,
		Message:   strings.TrimSpace(f.Detail.WSManFault.Message),
	}, nil
}

// CheckFault parses a response and returns an error if it contains a fault.
func CheckFault(data []byte) error {
	fault, err := ParseFault(data)
	if err != nil {
		return err
	}
	if fault != nil {
		return fault
	}
	return nil
}

// faultEnvelope is the XML structure for parsing SOAP faults.
type faultEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault struct {
			Code struct {
				Value   string `xml:"Value"`
				Subcode struct {
					Value string `xml:"Value"`
				} `xml:"Subcode"`
			} `xml:"Code"`
			Reason struct {
				Text string `xml:"Text"`
			} `xml:"Reason"`
			Detail struct {
				WSManFault struct {
					Code    int64  `xml:"Code,attr"`
					Machine string `xml:"Machine,attr"`
					Message string `xml:"Message"`
				} `xml:"WSManFault"`
			} `xml:"Detail"`
		} `xml:"Fault"`
	} `xml:"Body"`
}
