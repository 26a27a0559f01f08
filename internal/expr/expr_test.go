package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	row := map[string]any{
		"amount": 250,
		"name":   "widget",
		"tags":   []any{"a", "b"},
		"nested": map[string]any{"score": 0.5},
		"empty":  "",
		"null":   nil,
	}
	cases := []struct {
		src  string
		want any
	}{
		{"row['amount'] >= 200", true},
		{"row['amount'] < 200", false},
		{"row['amount'] == 250", true},
		{"row['amount'] != 250", false},
		{"row['name'] == 'widget'", true},
		{"row['nested']['score'] > 0.4", true},
		{"'a' in row['tags']", true},
		{"'z' not in row['tags']", true},
		{"'idge' in row['name']", true},
		{"'amount' in row", true},
		{"row['null'] is None", true},
		{"row['null'] is not None", false},
		{"row.get('missing') is None", true},
		{"row.get('missing', 7)", int64(7)},
		{"row.get('amount', 0) + 10", int64(260)},
		{"not row['empty']", true},
		{"row['amount'] > 100 and row['name'] == 'widget'", true},
		{"row['amount'] > 1000 or row['name'] == 'widget'", true},
		{"100 <= row['amount'] <= 300", true},
		{"7 // 2", int64(3)},
		{"-7 // 2", int64(-4)},
		{"7 % 3", int64(1)},
		{"-7 % 3", int64(2)},
		{"7 / 2", 3.5},
		{"'big' if row['amount'] >= 200 else 'small'", "big"},
		{"row['amount'] in [100, 250, 500]", true},
		{"row['amount'] in (100, 250)", true},
		{"row['name'] in {'widget', 'gadget'}", true},
		{"-row['amount']", int64(-250)},
		{"row['tags'][0]", "a"},
		{"row['tags'][-1]", "b"},
		{"True and False", false},
		{"250 == 250.0", true},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			e, err := Parse(tc.src)
			require.NoError(t, err)
			got, err := e.Evaluate(row)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParse_SecurityRejections(t *testing.T) {
	cases := []string{
		"__import__('os')",
		"os.system('rm -rf /')",
		"lambda x: x",
		"[x for x in row]",
		"(y := 1)",
		"f'{row}'",
		"row.keys()",
		"row.__class__",
		"open('/etc/passwd')",
		"row['a'] ** 2",
		"row['xs'][1:2]",
		"row['a'] is row['b']",
		"'abc'[0]",
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
			var sec *SecurityError
			assert.True(t, errors.As(err, &sec), "want SecurityError, got %T: %v", err, err)
		})
	}
}

func TestParse_SyntaxRejections(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"row['a'",
		"row['a'] ==",
		"1 if 2",
		"'unterminated",
		"row['a'] @ 2",
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
			var syn *SyntaxError
			assert.True(t, errors.As(err, &syn), "want SyntaxError, got %T: %v", err, err)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	row := map[string]any{"a": 1, "s": "x", "list": []any{1}}
	cases := []string{
		"row['missing']",
		"row['a'] / 0",
		"row['a'] % 0",
		"row['a'] + 'str'",
		"row['s'] < 5",
		"row['list'][9]",
		"1 in 2",
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			e, err := Parse(src)
			require.NoError(t, err)
			_, err = e.Evaluate(row)
			require.Error(t, err)
			var ev *EvalError
			assert.True(t, errors.As(err, &ev), "want EvalError, got %T: %v", err, err)
		})
	}
}

func TestIsBoolean(t *testing.T) {
	boolean := []string{
		"row['a'] > 1",
		"not row['a']",
		"row['a'] == 1 and row['b'] == 2",
		"True",
		"row['a'] is None",
		"'x' in row",
		"(row['a'] > 1) if row['b'] else (row['c'] < 2)",
	}
	for _, src := range boolean {
		e, err := Parse(src)
		require.NoError(t, err, src)
		assert.True(t, e.IsBoolean(), src)
	}
	notBoolean := []string{
		"row['a']",
		"row['a'] + 1",
		"row.get('a', 'x')",
		"'big' if row['a'] > 1 else 'small'",
	}
	for _, src := range notBoolean {
		e, err := Parse(src)
		require.NoError(t, err, src)
		assert.False(t, e.IsBoolean(), src)
	}
}

func TestEvaluateBool_Truthiness(t *testing.T) {
	row := map[string]any{"n": 0, "s": "x", "list": []any{}}
	cases := []struct {
		src  string
		want bool
	}{
		{"row['n']", false},
		{"row['s']", true},
		{"row['list']", false},
		{"row['s'] or row['n']", true},
	}
	for _, tc := range cases {
		e, err := Parse(tc.src)
		require.NoError(t, err)
		got, err := e.EvaluateBool(row)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.src)
	}
}
