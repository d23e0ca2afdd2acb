package clixml

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/smnsjas/go-winrmexec/psexec"
)

// Marker prefixes CLIXML text written by powershell.exe.
const Marker = psexec.CLIXMLMarker

// ErrNotCLIXML is returned for text that holds no <Objs> document.
var ErrNotCLIXML = errors.New("clixml: no CLIXML document")

// node is a generic CLIXML element.
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
	Nodes   []node     `xml:",any"`
}

func (n *node) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (n *node) child(name string) *node {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == name {
			return &n.Nodes[i]
		}
	}
	return nil
}

// named returns the child carrying N="name" inside MS or Props.
func (n *node) named(name string) *node {
	for _, bag := range []string{"MS", "Props"} {
		b := n.child(bag)
		if b == nil {
			continue
		}
		for i := range b.Nodes {
			if b.Nodes[i].attr("N") == name {
				return &b.Nodes[i]
			}
		}
	}
	return nil
}

// readDocuments returns the top-level elements of every <Objs> document in
// text, in order.
func readDocuments(text string) ([]node, error) {
	start := strings.Index(text, "<Objs")
	if start < 0 {
		return nil, ErrNotCLIXML
	}
	body := strings.ReplaceAll(text[start:], Marker, "")

	dec := xml.NewDecoder(strings.NewReader(body))
	var elems []node
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return elems, nil
		}
		if err != nil {
			return nil, fmt.Errorf("clixml: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "Objs" {
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("clixml: %w", err)
			}
			continue
		}
		var objs node
		if err := dec.DecodeElement(&objs, &se); err != nil {
			return nil, fmt.Errorf("clixml: %w", err)
		}
		elems = append(elems, objs.Nodes...)
	}
}

// decoder converts nodes to Go values. Ref and TNRef resolve against
// objects and type name lists seen earlier in the same stream.
type decoder struct {
	refs      map[string]any
	typeNames map[string][]string
}

func newDecoder() *decoder {
	return &decoder{refs: make(map[string]any), typeNames: make(map[string][]string)}
}

// types returns the type names of an Obj, most derived first.
func (d *decoder) types(n *node) []string {
	if tn := n.child("TN"); tn != nil {
		var names []string
		for _, t := range tn.Nodes {
			if t.XMLName.Local == "T" {
				names = append(names, strings.TrimSpace(t.Text))
			}
		}
		if id := tn.attr("RefId"); id != "" {
			d.typeNames[id] = names
		}
		return names
	}
	if ref := n.child("TNRef"); ref != nil {
		return d.typeNames[ref.attr("RefId")]
	}
	return nil
}

// value converts one CLIXML element.
func (d *decoder) value(n *node) any {
	text := n.Text
	switch n.XMLName.Local {
	case "Nil":
		return nil
	case "S", "C", "G", "URI", "Version", "TS", "XD", "SBK":
		if n.XMLName.Local == "C" {
			if v, err := strconv.ParseUint(strings.TrimSpace(text), 10, 16); err == nil {
				return string(rune(v))
			}
		}
		return Unescape(text)
	case "B":
		return strings.TrimSpace(text) == "true"
	case "SB":
		return parseInt(text, 8, func(v int64) any { return int8(v) })
	case "I16":
		return parseInt(text, 16, func(v int64) any { return int16(v) })
	case "I32":
		return parseInt(text, 32, func(v int64) any { return int32(v) })
	case "I64":
		return parseInt(text, 64, func(v int64) any { return v })
	case "By":
		return parseUint(text, 8, func(v uint64) any { return uint8(v) })
	case "U16":
		return parseUint(text, 16, func(v uint64) any { return uint16(v) })
	case "U32":
		return parseUint(text, 32, func(v uint64) any { return uint32(v) })
	case "U64":
		return parseUint(text, 64, func(v uint64) any { return v })
	case "Sg":
		if v, err := strconv.ParseFloat(strings.TrimSpace(text), 32); err == nil {
			return float32(v)
		}
		return text
	case "Db", "D":
		if v, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			return v
		}
		return text
	case "DT":
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text)); err == nil {
			return t
		}
		return text
	case "BA":
		if b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text)); err == nil {
			return b
		}
		return text
	case "Ref":
		return d.refs[n.attr("RefId")]
	case "Obj":
		return d.object(n)
	}
	return Unescape(text)
}

func parseInt(text string, bits int, conv func(int64) any) any {
	v, err := strconv.ParseInt(strings.TrimSpace(text), 10, bits)
	if err != nil {
		return text
	}
	return conv(v)
}

func parseUint(text string, bits int, conv func(uint64) any) any {
	v, err := strconv.ParseUint(strings.TrimSpace(text), 10, bits)
	if err != nil {
		return text
	}
	return conv(v)
}

// object converts an Obj: collections become []any, dictionaries and
// property bags become map[string]any, anything else its ToString or
// wrapped primitive.
func (d *decoder) object(n *node) any {
	d.types(n)
	id := n.attr("RefId")

	var result any
	switch {
	case n.child("LST") != nil || n.child("IE") != nil || n.child("STK") != nil || n.child("QUE") != nil:
		var list []any
		for _, name := range []string{"LST", "IE", "STK", "QUE"} {
			if c := n.child(name); c != nil {
				list = make([]any, 0, len(c.Nodes))
				for i := range c.Nodes {
					list = append(list, d.value(&c.Nodes[i]))
				}
				break
			}
		}
		result = list
	case n.child("DCT") != nil:
		m := make(map[string]any)
		for _, en := range n.child("DCT").Nodes {
			var key string
			var val any
			for i := range en.Nodes {
				switch en.Nodes[i].attr("N") {
				case "Key":
					key = fmt.Sprint(d.value(&en.Nodes[i]))
				case "Value":
					val = d.value(&en.Nodes[i])
				}
			}
			m[key] = val
		}
		result = m
	case n.child("MS") != nil || n.child("Props") != nil:
		m := make(map[string]any)
		for _, bag := range []string{"Props", "MS"} {
			if b := n.child(bag); b != nil {
				for i := range b.Nodes {
					if name := b.Nodes[i].attr("N"); name != "" {
						m[name] = d.value(&b.Nodes[i])
					}
				}
			}
		}
		result = m
	default:
		if ts := n.child("ToString"); ts != nil {
			result = Unescape(ts.Text)
			break
		}
		for i := range n.Nodes {
			switch n.Nodes[i].XMLName.Local {
			case "TN", "TNRef", "ToString":
				continue
			}
			result = d.value(&n.Nodes[i])
			break
		}
	}

	if id != "" {
		d.refs[id] = result
	}
	return result
}

// progress maps an Obj S="progress" to a ProgressRecord. powershell.exe
// writes the record as a PR element (AV, AI, CO, PI, PC, SR, SD); a plain
// property bag with the ProgressRecord property names is accepted too.
func (d *decoder) progress(n *node) psexec.ProgressRecord {
	if pr := n.named("Record"); pr != nil && pr.XMLName.Local == "PR" {
		text := func(name string) string {
			if c := pr.child(name); c != nil {
				return Unescape(c.Text)
			}
			return ""
		}
		num := func(name string) int {
			v, _ := strconv.Atoi(strings.TrimSpace(text(name)))
			return v
		}
		return psexec.ProgressRecord{
			Activity:          text("AV"),
			StatusDescription: strings.TrimSpace(text("SD")),
			CurrentOperation:  text("CO"),
			ActivityID:        num("AI"),
			ParentActivityID:  num("PI"),
			PercentComplete:   num("PC"),
			SecondsRemaining:  num("SR"),
		}
	}

	str := func(name string) string {
		if c := n.named(name); c != nil {
			if s, ok := d.value(c).(string); ok {
				return s
			}
		}
		return ""
	}
	num := func(name string) int {
		if c := n.named(name); c != nil {
			switch v := d.value(c).(type) {
			case int32:
				return int(v)
			case int64:
				return int(v)
			}
		}
		return 0
	}
	return psexec.ProgressRecord{
		Activity:          str("Activity"),
		StatusDescription: str("StatusDescription"),
		CurrentOperation:  str("CurrentOperation"),
		ActivityID:        num("ActivityId"),
		ParentActivityID:  num("ParentActivityId"),
		PercentComplete:   num("PercentComplete"),
		SecondsRemaining:  num("SecondsRemaining"),
	}
}
