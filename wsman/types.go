package wsman

// EndpointReference represents a WS-Addressing Endpoint Reference (EPR).
// It identifies the created shell instance on the server.
type EndpointReference struct {
	Address     string     `xml:"Address"`
	ResourceURI string     `xml:"ReferenceParameters>ResourceURI"`
	Selectors   []Selector `xml:"ReferenceParameters>SelectorSet>Selector"`
}

// ShellID returns the value of the ShellId selector, or "".
func (e *EndpointReference) ShellID() string {
	for _, s := range e.Selectors {
		if s.Name == "ShellId" {
			return s.Value
		}
	}
	return ""
}

// ShellEPR builds the reference for an existing cmd shell from its id.
func ShellEPR(shellID string) *EndpointReference {
	return &EndpointReference{
		ResourceURI: ResourceURICmd,
		Selectors:   []Selector{{Name: "ShellId", Value: shellID}},
	}
}

// ReceiveResult contains the result of a Receive operation.
type ReceiveResult struct {
	Stdout       []byte
	Stderr       []byte
	CommandState string
	ExitCode     int
	Done         bool
}
