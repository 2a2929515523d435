package expr

import "testing"

func lookup(vars map[string]any) Lookup {
	return func(path string) (any, bool) {
		v, ok := vars[path]
		return v, ok
	}
}

func TestEvalBoolComparison(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"1 == 1", true},
		{"1 != 2", true},
		{"2 > 1", true},
		{"1 >= 1", true},
		{"'abc' == 'abc'", true},
		{"'abc' != 'xyz'", true},
	}
	for _, c := range cases {
		got, err := EvalBool(c.expr, lookup(nil))
		if err != nil {
			t.Fatalf("EvalBool(%q): %v", c.expr, err)
		}
		if got != c.want {
			t.Errorf("EvalBool(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEvalBoolLogical(t *testing.T) {
	got, err := EvalBool("true && false || true", lookup(nil))
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !got {
		t.Errorf("got %v, want true", got)
	}
}

func TestEvalBoolNegation(t *testing.T) {
	got, err := EvalBool("!false", lookup(nil))
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !got {
		t.Error("want true")
	}
}

func TestEvalVariableRef(t *testing.T) {
	vars := map[string]any{"status.code": 200.0}
	got, err := EvalBool("status.code == 200", lookup(vars))
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !got {
		t.Error("want true")
	}
}

func TestEvalArithmetic(t *testing.T) {
	v, err := Eval("2 + 3 * 4", lookup(nil))
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v != 14.0 {
		t.Errorf("v = %v, want 14", v)
	}
}

func TestEvalFunctionCalls(t *testing.T) {
	cases := []struct {
		expr string
		want any
	}{
		{"len('hello')", 5.0},
		{"lower('ABC')", "abc"},
		{"upper('abc')", "ABC"},
		{"contains('hello world', 'world')", true},
		{"startswith('hello', 'he')", true},
		{"endswith('hello', 'lo')", true},
		{"regex_match('abc123', '^[a-z]+[0-9]+$')", true},
	}
	for _, c := range cases {
		got, err := Eval(c.expr, lookup(nil))
		if err != nil {
			t.Fatalf("Eval(%q): %v", c.expr, err)
		}
		if got != c.want {
			t.Errorf("Eval(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEvalDisallowedFunction(t *testing.T) {
	_, err := Eval("exec('rm -rf /')", lookup(nil))
	if err == nil {
		t.Fatal("Eval: want error for disallowed function")
	}
}

func TestEvalParens(t *testing.T) {
	v, err := Eval("(2 + 3) * 4", lookup(nil))
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v != 20.0 {
		t.Errorf("v = %v, want 20", v)
	}
}

func TestEvalMissingVariableIsNil(t *testing.T) {
	got, err := EvalBool("missing.path == 'x'", lookup(nil))
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if got {
		t.Error("want false, nil path should not equal 'x'")
	}
}

func TestParseErrorUnterminatedString(t *testing.T) {
	_, err := Eval("'unterminated", lookup(nil))
	if err == nil {
		t.Fatal("Eval: want parse error")
	}
	if _, ok := err.(*ParseError); !ok {
		t.Errorf("err = %T, want *ParseError", err)
	}
}

func TestParseErrorTrailingInput(t *testing.T) {
	_, err := Eval("1 == 1 )", lookup(nil))
	if err == nil {
		t.Fatal("Eval: want parse error")
	}
}
