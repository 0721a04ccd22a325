package record

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestID(t *testing.T) {
	tests := []struct {
		name   string
		rec    Record
		wantID string
		wantOK bool
	}{
		{"string", Record{DefaultIDField: "abc"}, "abc", true},
		{"json number", Record{DefaultIDField: json.Number("12345678901234567")}, "12345678901234567", true},
		{"float", Record{DefaultIDField: float64(42)}, "42", true},
		{"missing", Record{"title": "x"}, "", false},
		{"null", Record{DefaultIDField: nil}, "", false},
		{"blank", Record{DefaultIDField: "   "}, "", false},
		{"object", Record{DefaultIDField: map[string]any{"a": 1}}, "", false},
		{"bool", Record{DefaultIDField: true}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := tt.rec.ID(DefaultIDField)
			if id != tt.wantID || ok != tt.wantOK {
				t.Fatalf("ID() = (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	prev := Record{"id": "1", "title": "old", "deadline": "2025-01-01"}
	next := Record{"id": "1", "title": "new", "amount": json.Number("5000")}

	got := Merge(prev, next)
	if got["title"] != "new" {
		t.Errorf("title = %v, want new", got["title"])
	}
	if got["deadline"] != "2025-01-01" {
		t.Errorf("deadline = %v, want retained", got["deadline"])
	}
	if got["amount"] != json.Number("5000") {
		t.Errorf("amount = %v", got["amount"])
	}
	if prev["title"] != "old" || len(prev) != 3 {
		t.Errorf("prev was modified: %v", prev)
	}
}

func TestDecode(t *testing.T) {
	rec, err := Decode([]byte(`{"competition_id": 12345678901234567, "html": "<b>"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n, ok := rec[DefaultIDField].(json.Number); !ok || n.String() != "12345678901234567" {
		t.Fatalf("id = %#v, want exact json.Number", rec[DefaultIDField])
	}

	for _, tt := range []struct {
		name string
		in   string
		want error
	}{
		{"array", `[1,2]`, ErrNotObject},
		{"scalar", `"x"`, ErrNotObject},
		{"trailing", `{"a":1} {"b":2}`, ErrTrailingData},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.in)); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := Decode([]byte(`{"a":`)); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	in := Record{"competition_id": "a", "desc": "<p>R&D</p>", "n": json.Number("1.50")}
	line, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if line[len(line)-1] == '\n' {
		t.Fatal("encoded line ends in newline")
	}
	want := `{"competition_id":"a","desc":"<p>R&D</p>","n":1.50}`
	if string(line) != want {
		t.Fatalf("Encode = %s, want %s", line, want)
	}

	out, err := Decode(line)
	if err != nil {
		t.Fatal(err)
	}
	if out["n"] != json.Number("1.50") || out["desc"] != "<p>R&D</p>" {
		t.Fatalf("round trip = %v", out)
	}
}
