package core

import (
	"testing"
	"time"
)

func TestArgsMissingKey(t *testing.T) {
	a := Args{}
	if _, err := a.Any("x"); err == nil {
		t.Fatal("expected error for missing key")
	} else if ie, ok := AsInvocationError(err); !ok || ie.Kind != MissingArgument {
		t.Fatalf("want MissingArgument, got %v", err)
	}
	if _, err := a.Int("x"); err == nil {
		t.Fatal("expected error for missing int")
	}
	if _, err := a.Str("x"); err == nil {
		t.Fatal("expected error for missing string")
	}
}

func TestArgsWrongType(t *testing.T) {
	a := Args{"s": "hello", "n": 3}
	if _, err := a.Int("s"); err == nil {
		t.Fatal("string should not convert to int")
	} else if ie, ok := AsInvocationError(err); !ok || ie.Kind != InvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
	if _, err := a.Bool("n"); err == nil {
		t.Fatal("int should not convert to bool")
	}
	if _, err := a.Time("s"); err == nil {
		t.Fatal("string should not convert to time")
	}
}

func TestArgsNumericCoercion(t *testing.T) {
	a := Args{"f": float64(7), "i": 7, "i64": int64(7)}
	for _, key := range []string{"f", "i", "i64"} {
		n, err := a.Int(key)
		if err != nil {
			t.Fatalf("Int(%q): %v", key, err)
		}
		if n != 7 {
			t.Fatalf("Int(%q) = %d, want 7", key, n)
		}
		f, err := a.Float(key)
		if err != nil {
			t.Fatalf("Float(%q): %v", key, err)
		}
		if f != 7 {
			t.Fatalf("Float(%q) = %v, want 7", key, f)
		}
	}
}

func TestArgsDuration(t *testing.T) {
	a := Args{
		"d":   2 * time.Second,
		"f":   1.5,
		"i":   3,
		"bad": "soon",
	}
	if d, err := a.Duration("d"); err != nil || d != 2*time.Second {
		t.Fatalf("Duration(d) = %v, %v", d, err)
	}
	if d, err := a.Duration("f"); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("Duration(f) = %v, %v", d, err)
	}
	if d, err := a.Duration("i"); err != nil || d != 3*time.Second {
		t.Fatalf("Duration(i) = %v, %v", d, err)
	}
	if _, err := a.Duration("bad"); err == nil {
		t.Fatal("string should not convert to duration")
	}
}

func TestArgsHas(t *testing.T) {
	a := Args{"x": nil}
	if !a.Has("x") {
		t.Fatal("Has should see nil values")
	}
	if a.Has("y") {
		t.Fatal("Has reported absent key")
	}
}
