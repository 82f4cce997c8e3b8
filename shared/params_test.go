package shared_test

import (
	"encoding/json"
	"testing"

	"github.com/cloudide/wsrpc/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams_Kinds(t *testing.T) {
	p, err := shared.ParseParams(json.RawMessage(`[1, "a", true, null, {"b": 2}, [3]]`))
	require.NoError(t, err)
	require.True(t, p.IsMany())

	kinds := make([]shared.Kind, 0, p.Len())
	for _, v := range p.Elements() {
		kinds = append(kinds, v.Kind())
	}
	assert.Equal(t, []shared.Kind{
		shared.KindNumber,
		shared.KindString,
		shared.KindBool,
		shared.KindNull,
		shared.KindObject,
		shared.KindObject,
	}, kinds)

	s, ok := p.Elements()[1].String()
	assert.True(t, ok)
	assert.Equal(t, "a", s)
	n, ok := p.Elements()[0].Number()
	assert.True(t, ok)
	assert.Equal(t, float64(1), n)
}

func TestParseParams_SingleObject(t *testing.T) {
	p, err := shared.ParseParams(json.RawMessage(`{"path":"/a","depth":2}`))
	require.NoError(t, err)
	assert.False(t, p.IsMany())

	v, ok := p.Single()
	require.True(t, ok)
	assert.Equal(t, shared.KindObject, v.Kind())

	var target struct {
		Path  string `json:"path"`
		Depth int    `json:"depth"`
	}
	require.NoError(t, p.As(&target))
	assert.Equal(t, "/a", target.Path)
	assert.Equal(t, 2, target.Depth)
}

func TestParams_WirePolicy(t *testing.T) {
	tests := []struct {
		name   string
		params *shared.Params
		want   string
	}{
		{"single object stays bare", shared.NewSingleParams(map[string]string{"a": "b"}), `{"a":"b"}`},
		{"single string is bracketed", shared.NewSingleParams("x"), `["x"]`},
		{"single number is bracketed", shared.NewSingleParams(42), `[42]`},
		{"single null is bracketed", shared.NewSingleParams(nil), `[null]`},
		{"many", shared.NewManyParams("x", 1, false), `["x",1,false]`},
		{"many with one object", shared.NewManyParams(map[string]int{"a": 1}), `[{"a":1}]`},
		{"empty many", shared.NewManyParams(), `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.params)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestParams_PrimitiveSurvivesBrackets(t *testing.T) {
	data, err := json.Marshal(shared.NewParams(42))
	require.NoError(t, err)

	parsed, err := shared.ParseParams(data)
	require.NoError(t, err)
	assert.True(t, parsed.IsMany())

	var n int
	require.NoError(t, parsed.As(&n))
	assert.Equal(t, 42, n)

	var generic interface{}
	require.NoError(t, parsed.As(&generic))
	assert.Equal(t, float64(42), generic)

	var list []int
	require.NoError(t, parsed.As(&list))
	assert.Equal(t, []int{42}, list)
}

func TestParams_IsEmptyOrAbsent(t *testing.T) {
	var absent *shared.Params
	assert.True(t, absent.IsEmptyOrAbsent())

	for _, raw := range []string{`null`, `{}`, `[]`, ` { } `} {
		p, err := shared.ParseParams(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.True(t, p.IsEmptyOrAbsent(), raw)
	}
	for _, raw := range []string{`{"a":1}`, `[1]`, `[null]`} {
		p, err := shared.ParseParams(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.False(t, p.IsEmptyOrAbsent(), raw)
	}
}

func TestParams_NativeDecode(t *testing.T) {
	type event struct {
		Path      string `json:"path"`
		Operation string `json:"operation"`
	}
	original := event{Path: "/a", Operation: "write"}
	p := shared.NewParams(original)

	v, ok := p.Single()
	require.True(t, ok)
	native, ok := v.Native()
	require.True(t, ok)
	assert.Equal(t, original, native)

	var decoded event
	require.NoError(t, p.As(&decoded))
	assert.Equal(t, original, decoded)

	var generic map[string]string
	require.NoError(t, p.As(&generic))
	assert.Equal(t, map[string]string{"path": "/a", "operation": "write"}, generic)
}

func TestParams_AsRequiresPointer(t *testing.T) {
	p := shared.NewSingleParams("x")
	var s string
	assert.Error(t, p.As(s))
	assert.NoError(t, p.As(&s))
	assert.Equal(t, "x", s)
}

func TestNewResult(t *testing.T) {
	type info struct {
		Name string `json:"name"`
	}
	var nilInfo *info
	var nilMap map[string]int

	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"nil is an empty object", nil, `{}`},
		{"typed nil pointer", nilInfo, `{}`},
		{"nil map", nilMap, `{}`},
		{"string is wrapped as text", "pong", `{"text":"pong"}`},
		{"struct", info{Name: "wsrpc"}, `{"name":"wsrpc"}`},
		{"slice is many", []string{"a", "b"}, `["a","b"]`},
		{"number is bracketed", 3, `[3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(shared.NewResult(tt.value))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestDecodeList(t *testing.T) {
	p, err := shared.ParseParams(json.RawMessage(`[{"n":1},{"n":2}]`))
	require.NoError(t, err)

	type item struct {
		N int `json:"n"`
	}
	items, err := shared.DecodeList[item](p)
	require.NoError(t, err)
	assert.Equal(t, []item{{N: 1}, {N: 2}}, items)

	bad, err := shared.ParseParams(json.RawMessage(`[{"n":1},"x"]`))
	require.NoError(t, err)
	_, err = shared.DecodeList[item](bad)
	assert.ErrorContains(t, err, "element 1")
}
