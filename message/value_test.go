package message

import (
	"errors"
	"math"
	"testing"
)

func TestFromAny(t *testing.T) {
	got, err := Values(1, 2.5, "x", true, nil, []any{1, "y"}, map[string]any{"k": false})
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	want := []Value{
		Int(1),
		Number(2.5),
		String("x"),
		Bool(true),
		Null(),
		List(Int(1), String("y")),
		Map(map[string]Value{"k": Bool(false)}),
	}
	if !EqualValues(got, want) {
		t.Fatalf("Values = %v, want %v", got, want)
	}
}

func TestFromAnyRejectsUnsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	if !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("err = %v, want ErrUnsupportedValue", err)
	}

	_, err = Values("ok", make(chan int))
	if !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("err = %v, want ErrUnsupportedValue", err)
	}
}

func TestEqualDistinguishesKinds(t *testing.T) {
	if Equal(Int(1), String("1")) {
		t.Errorf("number 1 must not equal string \"1\"")
	}
	if Equal(Bool(false), Null()) {
		t.Errorf("false must not equal null")
	}
	if !Equal(List(Int(1), List(String("a"))), List(Int(1), List(String("a")))) {
		t.Errorf("nested lists should be equal")
	}
	if Equal(Map(map[string]Value{"a": Int(1)}), Map(map[string]Value{"a": Int(2)})) {
		t.Errorf("maps with different values should differ")
	}
}

func TestValidate(t *testing.T) {
	if err := List(Int(1), Map(map[string]Value{"n": Number(math.NaN())})).Validate(); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("NaN nested in a map: err = %v", err)
	}
	if err := Number(math.Inf(1)).Validate(); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("+Inf: err = %v", err)
	}
	if err := (Value{kind: Kind(42)}).Validate(); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("unknown kind: err = %v", err)
	}
	if err := List(Null(), Bool(true), String("s")).Validate(); err != nil {
		t.Errorf("valid list: %v", err)
	}
}

func TestParseValue(t *testing.T) {
	cases := []struct {
		in   string
		want Value
	}{
		{"42", Int(42)},
		{"1.5", Number(1.5)},
		{"true", Bool(true)},
		{"null", Null()},
		{`"quoted"`, String("quoted")},
		{"hello", String("hello")},
		{`[1,"a"]`, List(Int(1), String("a"))},
		{`{"k":[]}`, Map(map[string]Value{"k": List()})},
	}
	for _, tc := range cases {
		if got := ParseValue(tc.in); !Equal(got, tc.want) {
			t.Errorf("ParseValue(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestInterfaceRoundTrip(t *testing.T) {
	v := List(Int(3), String("s"), Map(map[string]Value{"b": Bool(true)}), Null())
	back, err := FromAny(v.Interface())
	if err != nil {
		t.Fatalf("FromAny: %v", err)
	}
	if !Equal(v, back) {
		t.Fatalf("round trip = %v, want %v", back, v)
	}
}
