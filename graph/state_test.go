package graph

import (
	"reflect"
	"testing"
)

func TestDeepCopy(t *testing.T) {
	type inner struct {
		IDs []string `json:"ids"`
	}
	type state struct {
		Name  string         `json:"name"`
		Tags  map[string]int `json:"tags"`
		Inner inner          `json:"inner"`
	}

	original := state{
		Name:  "wf-001",
		Tags:  map[string]int{"a": 1},
		Inner: inner{IDs: []string{"s1", "s2"}},
	}

	copied, err := deepCopy(original)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(original, copied) {
		t.Fatalf("copy differs: %+v vs %+v", original, copied)
	}

	// Mutating the copy must not reach the original.
	copied.Tags["a"] = 99
	copied.Inner.IDs[0] = "mutated"
	if original.Tags["a"] != 1 || original.Inner.IDs[0] != "s1" {
		t.Errorf("copy shares memory with original: %+v", original)
	}
}

func TestDeepCopy_Unserializable(t *testing.T) {
	type bad struct {
		Ch chan int `json:"ch"`
	}
	if _, err := deepCopy(bad{Ch: make(chan int)}); err == nil {
		t.Fatal("expected error for unserializable state")
	}
}
