package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

func TestJSONParserObject(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": `{"order_id":"A-1","total":12.5}`}

	out, err := execJSONParser(context.Background(), node("p", model.NodeJSONParser, nil), in, env)
	require.NoError(t, err)
	assert.Equal(t, "A-1", out["order_id"])
	assert.Equal(t, 12.5, out["total"])
}

func TestJSONParserArrayWrapsUnderData(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": `[1,2,3]`}

	out, err := execJSONParser(context.Background(), node("p", model.NodeJSONParser, nil), in, env)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0, 2.0, 3.0}, out["data"])
}

func TestJSONParserStructuredFieldPassesThrough(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": map[string]interface{}{"already": "parsed"}}

	out, err := execJSONParser(context.Background(), node("p", model.NodeJSONParser, nil), in, env)
	require.NoError(t, err)
	assert.Equal(t, "parsed", out["already"])
}

func TestJSONParserCustomSourceField(t *testing.T) {
	env := newExecEnv(t)
	cfg := map[string]interface{}{"sourceField": "raw"}
	in := model.Payload{"raw": `{"k":"v"}`}

	out, err := execJSONParser(context.Background(), node("p", model.NodeJSONParser, cfg), in, env)
	require.NoError(t, err)
	assert.Equal(t, "v", out["k"])
}

func TestJSONParserMalformedIsTransformationFault(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": `{"broken":`}

	_, err := execJSONParser(context.Background(), node("p", model.NodeJSONParser, nil), in, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindTransformation, fault.KindOf(err))
}

func TestJSONParserMissingFieldIsTransformationFault(t *testing.T) {
	env := newExecEnv(t)

	_, err := execJSONParser(context.Background(), node("p", model.NodeJSONParser, nil), model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindTransformation, fault.KindOf(err))
}

func TestCSVParserHeaderRow(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": "sku,qty\nA-1,3\nB-2,7\n"}

	out, err := execCSVParser(context.Background(), node("p", model.NodeCSVParser, nil), in, env)
	require.NoError(t, err)
	assert.Equal(t, 2, out["rowCount"])
	assert.Equal(t, []string{"sku", "qty"}, out["columns"])
	rows := out["rows"].([]interface{})
	assert.Equal(t, map[string]interface{}{"sku": "A-1", "qty": "3"}, rows[0])
	assert.Equal(t, map[string]interface{}{"sku": "B-2", "qty": "7"}, rows[1])
}

func TestCSVParserCustomDelimiterAndTrim(t *testing.T) {
	env := newExecEnv(t)
	cfg := map[string]interface{}{"delimiter": ";", "trimSpace": true}
	in := model.Payload{"content": "sku; qty\nA-1; 3\n"}

	out, err := execCSVParser(context.Background(), node("p", model.NodeCSVParser, cfg), in, env)
	require.NoError(t, err)
	rows := out["rows"].([]interface{})
	assert.Equal(t, map[string]interface{}{"sku": "A-1", "qty": "3"}, rows[0])
}

func TestCSVParserNoHeaderUsesPositionalColumns(t *testing.T) {
	env := newExecEnv(t)
	cfg := map[string]interface{}{"hasHeader": false}
	in := model.Payload{"content": "A-1,3\nB-2,7\n"}

	out, err := execCSVParser(context.Background(), node("p", model.NodeCSVParser, cfg), in, env)
	require.NoError(t, err)
	assert.Equal(t, 2, out["rowCount"])
	rows := out["rows"].([]interface{})
	assert.Equal(t, map[string]interface{}{"col0": "A-1", "col1": "3"}, rows[0])
}

func TestCSVParserColumnOverride(t *testing.T) {
	env := newExecEnv(t)
	cfg := map[string]interface{}{
		"columns": []interface{}{"item", "count"},
	}
	in := model.Payload{"content": "sku,qty\nA-1,3\n"}

	out, err := execCSVParser(context.Background(), node("p", model.NodeCSVParser, cfg), in, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"item", "count"}, out["columns"])
	rows := out["rows"].([]interface{})
	assert.Equal(t, map[string]interface{}{"item": "A-1", "count": "3"}, rows[0])
}

func TestCSVParserRaggedRowsTolerated(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": "a,b,c\n1,2\n"}

	out, err := execCSVParser(context.Background(), node("p", model.NodeCSVParser, nil), in, env)
	require.NoError(t, err)
	rows := out["rows"].([]interface{})
	assert.Equal(t, map[string]interface{}{"a": "1", "b": "2"}, rows[0])
}

func TestCSVParserEmptyInput(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": ""}

	out, err := execCSVParser(context.Background(), node("p", model.NodeCSVParser, nil), in, env)
	require.NoError(t, err)
	assert.Equal(t, 0, out["rowCount"])
}

func TestXMLParserAttributesAndText(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": `<order id="A-1"><sku>W-9</sku><qty>3</qty></order>`}

	out, err := execXMLParser(context.Background(), node("p", model.NodeXMLParser, nil), in, env)
	require.NoError(t, err)
	order := out["order"].(map[string]interface{})
	assert.Equal(t, "A-1", order["@id"])
	assert.Equal(t, "W-9", order["sku"])
	assert.Equal(t, "3", order["qty"])
}

func TestXMLParserRepeatedSiblingsFoldIntoArray(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": `<lines><line>a</line><line>b</line><line>c</line></lines>`}

	out, err := execXMLParser(context.Background(), node("p", model.NodeXMLParser, nil), in, env)
	require.NoError(t, err)
	lines := out["lines"].(map[string]interface{})
	assert.Equal(t, []interface{}{"a", "b", "c"}, lines["line"])
}

func TestXMLParserMixedContentKeepsText(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": `<note lang="en">hello<ref>r1</ref></note>`}

	out, err := execXMLParser(context.Background(), node("p", model.NodeXMLParser, nil), in, env)
	require.NoError(t, err)
	note := out["note"].(map[string]interface{})
	assert.Equal(t, "en", note["@lang"])
	assert.Equal(t, "hello", note["#text"])
	assert.Equal(t, "r1", note["ref"])
}

func TestXMLParserMalformedIsTransformationFault(t *testing.T) {
	env := newExecEnv(t)
	in := model.Payload{"content": `<open>`}

	_, err := execXMLParser(context.Background(), node("p", model.NodeXMLParser, nil), in, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindTransformation, fault.KindOf(err))
}
