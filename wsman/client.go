package wsman

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Poster sends a SOAP body to an endpoint and returns the response body.
// *transport.HTTPTransport implements it.
type Poster interface {
	Post(ctx context.Context, url string, body []byte) ([]byte, error)
}

// Client is a WSMan client for the Windows Remote Shell resource.
type Client struct {
	endpoint  string
	transport Poster
	sessionID string
}

// NewClient creates a new WSMan client.
func NewClient(endpoint string, tr Poster) *Client {
	return &Client{
		endpoint:  endpoint,
		transport: tr,
		sessionID: "uuid:" + strings.ToUpper(uuid.NewString()),
	}
}

func (c *Client) newEnvelope(action string) *Envelope {
	return NewEnvelope().
		WithAction(action).
		WithTo(c.endpoint).
		WithMessageID(newMessageID()).
		WithReplyTo(AddressAnonymous).
		WithMaxEnvelopeSize(DefaultMaxEnvelopeSize).
		WithSessionID(c.sessionID).
		WithLocale(DefaultLocale).
		WithShellNamespace()
}

// ShellOptions configures a cmd shell at creation time.
type ShellOptions struct {
	// WorkingDirectory is the initial directory of the shell.
	WorkingDirectory string

	// Environment is set for every command in the shell.
	Environment map[string]string

	// IdleTimeout is an ISO 8601 duration, e.g. "PT30M".
	IdleTimeout string

	// Codepage sets WINRS_CODEPAGE; 65001 is UTF-8.
	Codepage int

	// NoProfile skips loading the user profile.
	NoProfile bool
}

// Create opens a cmd shell and returns its endpoint reference.
func (c *Client) Create(ctx context.Context, opts ShellOptions) (*EndpointReference, error) {
	env := c.newEnvelope(ActionCreate).
		WithResourceURI(ResourceURICmd).
		WithOperationTimeout(DefaultOperationTimeout)

	if opts.NoProfile {
		env.WithOption("WINRS_NOPROFILE", "TRUE")
	}
	if opts.Codepage > 0 {
		env.WithOption("WINRS_CODEPAGE", fmt.Sprint(opts.Codepage))
	}

	var body strings.Builder
	body.WriteString(`<rsp:Shell xmlns:rsp="` + NsShell + `">`)
	body.WriteString(`<rsp:InputStreams>stdin</rsp:InputStreams>`)
	body.WriteString(`<rsp:OutputStreams>stdout stderr</rsp:OutputStreams>`)
	if opts.WorkingDirectory != "" {
		body.WriteString(`<rsp:WorkingDirectory>` + escapeXML(opts.WorkingDirectory) + `</rsp:WorkingDirectory>`)
	}
	if opts.IdleTimeout != "" {
		body.WriteString(`<rsp:IdleTimeOut>` + escapeXML(opts.IdleTimeout) + `</rsp:IdleTimeOut>`)
	}
	if len(opts.Environment) > 0 {
		body.WriteString(`<rsp:Environment>`)
		for name, value := range opts.Environment {
			body.WriteString(`<rsp:Variable Name="` + escapeXML(name) + `">` + escapeXML(value) + `</rsp:Variable>`)
		}
		body.WriteString(`</rsp:Environment>`)
	}
	body.WriteString(`</rsp:Shell>`)
	env.WithBody([]byte(body.String()))

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("create shell: %w", err)
	}

	var resp createResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse create response: %w", err)
	}

	epr := &EndpointReference{
		Address:     resp.Body.ResourceCreated.Address,
		ResourceURI: resp.Body.ResourceCreated.ReferenceParameters.ResourceURI,
		Selectors:   resp.Body.ResourceCreated.ReferenceParameters.SelectorSet.Selectors,
	}
	if epr.ResourceURI == "" {
		epr.ResourceURI = ResourceURICmd
	}
	if epr.ShellID() == "" {
		return nil, errors.New("create shell: response has no ShellId selector")
	}
	return epr, nil
}

// Command starts executable with args in the shell and returns the command ID.
func (c *Client) Command(ctx context.Context, epr *EndpointReference, executable string, args ...string) (string, error) {
	env := c.newEnvelope(ActionCommand).
		WithEPR(epr).
		WithOperationTimeout(DefaultOperationTimeout).
		WithOption("WINRS_CONSOLEMODE_STDIN", "TRUE").
		WithOption("WINRS_SKIP_CMD_SHELL", "FALSE")

	var body strings.Builder
	body.WriteString(`<rsp:CommandLine xmlns:rsp="` + NsShell + `">`)
	body.WriteString(`<rsp:Command>` + escapeXML(executable) + `</rsp:Command>`)
	for _, arg := range args {
		body.WriteString(`<rsp:Arguments>` + escapeXML(arg) + `</rsp:Arguments>`)
	}
	body.WriteString(`</rsp:CommandLine>`)
	env.WithBody([]byte(body.String()))

	respBody, err := c.sendEnvelope(ctx, env)
	if err != nil {
		return "", fmt.Errorf("create command: %w", err)
	}

	var resp commandResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("parse command response: %w", err)
	}
	if resp.Body.CommandResponse.CommandID == "" {
		return "", errors.New("create command: response has no CommandId")
	}
	return resp.Body.CommandResponse.CommandID, nil
}

// Receive retrieves pending stdout/stderr for a command. A server-side
// operation timeout means no output was ready and yields an empty result.
func (c *Client) Receive(ctx context.Context, epr *EndpointReference, commandID string) (*ReceiveResult, error) {
	env := c.newEnvelope(ActionReceive).
		WithEPR(epr).
		WithOperationTimeout(ReceiveOperationTimeout).
		WithOption("WSMAN_CMDSHELL_OPTION_KEEPALIVE", "TRUE")

	body := `<rsp:Receive xmlns:rsp="` + NsShell + `">` +
		`<rsp:DesiredStream CommandId="` + escapeXML(commandID) + `">stdout stderr</rsp:DesiredStream>` +
		`</rsp:Receive>`

	respBody, err := c.sendEnvelope(ctx, env.WithBody([]byte(body)))
	if err != nil {
		if errors.Is(err, ErrOperationTimeout) {
			return &ReceiveResult{}, nil
		}
		return nil, fmt.Errorf("receive: %w", err)
	}

	var resp receiveResponse
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse receive response: %w", err)
	}

	result := &ReceiveResult{}
	for _, stream := range resp.Body.ReceiveResponse.Streams {
		if stream.Content == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(stream.Content))
		if err != nil {
			return nil, fmt.Errorf("decode %s stream: %w", stream.Name, err)
		}
		switch stream.Name {
		case "stdout":
			result.Stdout = append(result.Stdout, decoded...)
		case "stderr":
			result.Stderr = append(result.Stderr, decoded...)
		}
	}

	state := resp.Body.ReceiveResponse.CommandState
	result.CommandState = state.State
	if state.ExitCode != nil {
		result.ExitCode = *state.ExitCode
	}
	result.Done = strings.HasSuffix(state.State, "/Done")
	return result, nil
}

// Signal sends a signal code (SignalTerminate, SignalCtrlC) to a command.
func (c *Client) Signal(ctx context.Context, epr *EndpointReference, commandID, code string) error {
	env := c.newEnvelope(ActionSignal).
		WithEPR(epr).
		WithOperationTimeout(DefaultOperationTimeout)

	env.WithBody([]byte(`<rsp:Signal xmlns:rsp="` + NsShell + `" CommandId="` + escapeXML(commandID) + `">` +
		`<rsp:Code>` + code + `</rsp:Code></rsp:Signal>`))

	if _, err := c.sendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	return nil
}

// Delete deletes a shell.
func (c *Client) Delete(ctx context.Context, epr *EndpointReference) error {
	env := c.newEnvelope(ActionDelete).
		WithEPR(epr).
		WithOperationTimeout(DefaultOperationTimeout)

	if _, err := c.sendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("delete shell: %w", err)
	}
	return nil
}

// Disconnect disconnects the shell on the server without closing it.
// Commands keep running and the shell stays until its idle timeout.
func (c *Client) Disconnect(ctx context.Context, epr *EndpointReference) error {
	env := c.newEnvelope(ActionDisconnect).
		WithEPR(epr).
		WithOperationTimeout(DefaultOperationTimeout).
		WithBody([]byte(`<rsp:Disconnect xmlns:rsp="` + NsShell + `"/>`))

	if _, err := c.sendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// sendEnvelope marshals and sends a SOAP envelope, returning the response body.
func (c *Client) sendEnvelope(ctx context.Context, env *Envelope) ([]byte, error) {
	body, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	respBody, err := c.transport.Post(ctx, c.endpoint, body)
	if err != nil {
		return nil, err
	}

	// Check for SOAP Fault even in successful HTTP responses
	if err := CheckFault(respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

func escapeXML(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return ""
	}
	return b.String()
}

// Response types for XML parsing.

type createResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		ResourceCreated struct {
			Address             string `xml:"Address"`
			ReferenceParameters struct {
				ResourceURI string `xml:"ResourceURI"`
				SelectorSet struct {
					Selectors []Selector `xml:"Selector"`
				} `xml:"SelectorSet"`
			} `xml:"ReferenceParameters"`
		} `xml:"ResourceCreated"`
	} `xml:"Body"`
}

type commandResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		CommandResponse struct {
			CommandID string `xml:"CommandId"`
		} `xml:"CommandResponse"`
	} `xml:"Body"`
}

type receiveResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		ReceiveResponse struct {
			Streams []struct {
				Name      string `xml:"Name,attr"`
				CommandID string `xml:"CommandId,attr"`
				End       bool   `xml:"End,attr"`
				Content   string `xml:",chardata"`
			} `xml:"Stream"`
			CommandState struct {
				CommandID string `xml:"CommandId,attr"`
				State     string `xml:"State,attr"`
				ExitCode  *int   `xml:"ExitCode"`
			} `xml:"CommandState"`
		} `xml:"ReceiveResponse"`
	} `xml:"Body"`
}
