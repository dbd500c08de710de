package executor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

// rawText pulls the text to parse out of the payload. Parsers read the field
// named by sourceField, defaulting to "content" (the key poller triggers and
// webhook raw bodies use).
func rawText(node model.Node, input model.Payload) (string, error) {
	field := node.ConfigString("sourceField")
	if field == "" {
		field = "content"
	}
	v, ok := input[field]
	if !ok || v == nil {
		return "", fault.New(fault.KindTransformation, "no text to parse at field %q", field)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fault.New(fault.KindTransformation, "field %q holds %T, expected text", field, v)
	}
}

// execJSONParser parses the source field as JSON. Object results become the
// output payload directly; arrays and scalars are wrapped under "data". A
// source field that already holds structured data passes through untouched.
func execJSONParser(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	field := node.ConfigString("sourceField")
	if field == "" {
		field = "content"
	}
	if m, ok := input[field].(map[string]interface{}); ok {
		return model.Payload(m), nil
	}

	raw, err := rawText(node, input)
	if err != nil {
		return nil, err
	}

	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fault.Wrap(fault.KindTransformation, err)
	}

	if m, ok := v.(map[string]interface{}); ok {
		return model.Payload(m), nil
	}
	return model.Payload{"data": v}, nil
}

// execCSVParser parses the source field as CSV.
//
// Config: delimiter (single char, default ","), hasHeader (default true),
// trimSpace, columns (overrides header names). Quoting follows RFC 4180;
// setting quote to anything other than `"` relaxes the reader to tolerate
// bare quotes instead of switching the quote character.
func execCSVParser(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	raw, err := rawText(node, input)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(strings.NewReader(raw))
	if d := node.ConfigString("delimiter"); d != "" {
		r.Comma = []rune(d)[0]
	}
	if q := node.ConfigString("quote"); q != "" && q != `"` {
		r.LazyQuotes = true
	}
	trim := node.ConfigBool("trimSpace", false)
	r.TrimLeadingSpace = trim
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fault.Wrap(fault.KindTransformation, err)
	}
	if len(records) == 0 {
		return model.Payload{"rows": []interface{}{}, "rowCount": 0, "columns": []string{}}, nil
	}

	columns := configStrings(node, "columns")
	hasHeader := node.ConfigBool("hasHeader", true)
	start := 0
	if hasHeader {
		if len(columns) == 0 {
			columns = records[0]
		}
		start = 1
	}

	rows := make([]interface{}, 0, len(records)-start)
	for _, rec := range records[start:] {
		row := make(map[string]interface{}, len(rec))
		for i, val := range rec {
			if trim {
				val = strings.TrimSpace(val)
			}
			row[columnName(columns, i)] = val
		}
		rows = append(rows, row)
	}

	named := make([]string, 0, len(columns))
	for i := range columns {
		named = append(named, columnName(columns, i))
	}
	return model.Payload{"rows": rows, "rowCount": len(rows), "columns": named}, nil
}

func columnName(columns []string, i int) string {
	if i < len(columns) && strings.TrimSpace(columns[i]) != "" {
		return strings.TrimSpace(columns[i])
	}
	return fmt.Sprintf("col%d", i)
}

// configStrings reads a []string config value, tolerating the
// []interface{} shape JSON decoding produces.
func configStrings(node model.Node, key string) []string {
	v, ok := node.Config[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	}
	return nil
}

// execXMLParser parses the source field as XML into a JSON-shaped tree
// keyed by the root element name. Attributes become "@name" keys, text
// beside children becomes "#text", and repeated siblings fold into arrays.
func execXMLParser(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	raw, err := rawText(node, input)
	if err != nil {
		return nil, err
	}

	dec := xml.NewDecoder(strings.NewReader(raw))
	name, tree, err := decodeElement(dec)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransformation, err)
	}
	return model.Payload{name: tree}, nil
}

// decodeElement finds the next start element and converts it.
func decodeElement(dec *xml.Decoder) (string, interface{}, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return "", nil, fmt.Errorf("xml document has no root element")
			}
			return "", nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			v, err := convertElement(dec, start)
			return start.Name.Local, v, err
		}
	}
}

// convertElement consumes one element subtree.
func convertElement(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	children := map[string]interface{}{}
	for _, attr := range start.Attr {
		children["@"+attr.Name.Local] = attr.Value
	}
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := convertElement(dec, t)
			if err != nil {
				return nil, err
			}
			addChild(children, t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			body := strings.TrimSpace(text.String())
			if len(children) == 0 {
				return body, nil
			}
			if body != "" {
				children["#text"] = body
			}
			return children, nil
		}
	}
}

// addChild inserts a child value, folding repeats into an array.
func addChild(m map[string]interface{}, name string, v interface{}) {
	existing, ok := m[name]
	if !ok {
		m[name] = v
		return
	}
	if arr, isArr := existing.([]interface{}); isArr {
		m[name] = append(arr, v)
		return
	}
	m[name] = []interface{}{existing, v}
}
