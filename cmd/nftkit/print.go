package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotki/nftkit/sonic"
)

type printableFormat struct {
	minwidth int
	tabwidth int
	padding  int
	padchar  byte
}

var defaultFormat = printableFormat{minwidth: 16, tabwidth: 0, padding: 1, padchar: ' '}

// Printable is a key-value view of a response, nested objects included.
type Printable map[string]any

// FromStruct converts input into a Printable keyed by its json field names.
func (p *Printable) FromStruct(input any) error {
	data, err := sonic.Config.Marshal(input)
	if err != nil {
		return err
	}
	return sonic.Config.Unmarshal(data, p)
}

// Columnize renders p as aligned key/value rows, keys sorted.
func (p Printable) Columnize(pf printableFormat) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, pf.minwidth, pf.tabwidth, pf.padding, pf.padchar, 0)
	for _, k := range sortedKeys(p) {
		printKeyValue(w, k, p[k])
	}
	w.Flush()
	return buf.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printKeyValue(w *tabwriter.Writer, key string, value any) {
	switch t := value.(type) {
	case map[string]any:
		fmt.Fprintln(w, key, "\t")
		for _, k := range sortedKeys(t) {
			printKeyValue(w, "  "+k, t[k])
		}
	case []any:
		fmt.Fprintln(w, key, "\t")
		for _, elem := range t {
			if attr, ok := elem.(map[string]any); ok && len(attr) == 2 && attr["trait_type"] != nil {
				// erc721 attribute
				fmt.Fprintf(w, "  %s\t %s\n", customFormat(attr["trait_type"]), customFormat(attr["value"]))
				continue
			}
			fmt.Fprintln(w, "  -\t", customFormat(elem))
		}
	default:
		fmt.Fprintf(w, "%s\t %s\n", key, customFormat(value))
	}
}

// customFormat prints numbers without scientific notation.
func customFormat(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case json.Number:
		return v.String()
	case float32, float64:
		return formatFloat(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatFloat(f any) string {
	str := fmt.Sprintf("%v", f)
	if strings.ContainsAny(str, "eE.") {
		if floatValue, err := strconv.ParseFloat(str, 64); err == nil {
			return strconv.FormatFloat(floatValue, 'f', -1, 64)
		}
	}
	return str
}
