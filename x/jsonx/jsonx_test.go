package jsonx

import "testing"

type sample struct {
	A int    `json:"a"`
	B string `json:"b"`
}

func TestDecodeForms(t *testing.T) {
	want := sample{A: 1, B: "x"}
	for name, src := range map[string]any{
		"bytes":  []byte(`{"a":1,"b":"x"}`),
		"string": `{"a":1,"b":"x"}`,
		"map":    map[string]any{"a": 1.0, "b": "x"},
		"value":  want,
		"ptr":    &want,
	} {
		var got sample
		if err := Decode(src, &got); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != want {
			t.Fatalf("%s: got %+v", name, got)
		}
	}
}

func TestDecodeRejectsMismatch(t *testing.T) {
	var got sample
	if err := Decode(`{"a":"nope"}`, &got); err == nil {
		t.Fatal("expected error")
	}
}
