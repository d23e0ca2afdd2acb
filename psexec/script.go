package psexec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// BuildScript renders params as a PowerShell script. The unit run is the
// file, else the command, else the inline script wrapped as & { ... }.
func BuildScript(params InvokeParams) (string, error) {
	var b strings.Builder
	switch {
	case params.FilePath != "":
		b.WriteString("& " + quote(params.FilePath))
	case params.CommandName != "":
		b.WriteString(params.CommandName)
	default:
		b.WriteString("& { " + params.Script + " }")
	}

	keys := make([]string, 0, len(params.Parameters))
	for k := range params.Parameters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		name := strings.TrimLeft(k, "-")
		if name == "" {
			continue
		}
		v := params.Parameters[k]
		// -Name:$true binds switch parameters too.
		if _, ok := v.(bool); ok {
			b.WriteString(" -" + name + ":" + Literal(v))
			continue
		}
		b.WriteString(" -" + name + " " + Literal(v))
	}
	for _, arg := range params.Arguments {
		b.WriteString(" " + Literal(arg))
	}

	if len(params.InputObjects) == 0 {
		return b.String(), nil
	}
	data, err := json.Marshal(params.InputObjects)
	if err != nil {
		return "", fmt.Errorf("encode input objects: %w", err)
	}
	return "(ConvertFrom-Json -InputObject " + quote(string(data)) + ") | " + b.String(), nil
}

// Literal renders v as a PowerShell literal: $null, $true/$false, numbers
// as-is, single-quoted strings, @(...) arrays and @{...} hashtables with
// sorted keys.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "$null"
	case bool:
		if x {
			return "$true"
		}
		return "$false"
	case string:
		return quote(x)
	case json.Number:
		return x.String()
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "$null"
		}
		return Literal(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return "@()"
		}
		items := make([]string, rv.Len())
		for i := range items {
			items[i] = Literal(rv.Index(i).Interface())
		}
		return "@(" + strings.Join(items, ", ") + ")"
	case reflect.Map:
		type entry struct{ key, value string }
		entries := make([]entry, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			entries = append(entries, entry{fmt.Sprint(iter.Key().Interface()), Literal(iter.Value().Interface())})
		}
		slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.key, b.key) })
		parts := make([]string, len(entries))
		for i, e := range entries {
			parts[i] = quote(e.key) + " = " + e.value
		}
		return "@{" + strings.Join(parts, "; ") + "}"
	case reflect.String:
		return quote(rv.String())
	}
	return quote(fmt.Sprint(v))
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
