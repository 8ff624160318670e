package llmjson

import (
	"errors"
	"testing"
)

func TestExtractDirectJSON(t *testing.T) {
	got, err := Extract(`{"components":[{"id":"KZ1"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"components":[{"id":"KZ1"}]}` {
		t.Fatalf("got %q", got)
	}
}

func TestExtractStripsMarkdownFence(t *testing.T) {
	cases := []string{
		"```json\n{\"components\":[]}\n```",
		"```\n{\"components\":[]}\n```",
		"Here you go:\n```json\n{\"components\":[]}\n```\nLet me know if you need more.",
	}
	for _, raw := range cases {
		got, err := Extract(raw)
		if err != nil {
			t.Fatalf("%q: %v", raw, err)
		}
		if got != `{"components":[]}` {
			t.Fatalf("%q: got %q", raw, got)
		}
	}
}

func TestExtractFirstBalancedBlock(t *testing.T) {
	raw := `The detected items are: {"components":[{"id":"L-3","note":"brace {inner}"}]} as requested.`
	got, err := Extract(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"components":[{"id":"L-3","note":"brace {inner}"}]}` {
		t.Fatalf("got %q", got)
	}
}

func TestExtractBalancedBlockIgnoresBracesInStrings(t *testing.T) {
	raw := `prefix {"text":"escaped \" and } inside","n":1} suffix`
	got, err := Extract(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"text":"escaped \" and } inside","n":1}` {
		t.Fatalf("got %q", got)
	}
}

func TestExtractArrayPayload(t *testing.T) {
	got, err := Extract("result: [1,2,3] done")
	if err != nil {
		t.Fatal(err)
	}
	if got != "[1,2,3]" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractFailsCleanly(t *testing.T) {
	for _, raw := range []string{"", "no json here", "{unbalanced", "``` not closed"} {
		if _, err := Extract(raw); !errors.Is(err, ErrNoJSON) {
			t.Errorf("%q: err = %v, want ErrNoJSON", raw, err)
		}
	}
}

func TestUnmarshalFencedEqualsUnwrapped(t *testing.T) {
	type resp struct {
		Components []struct {
			ID string `json:"id"`
		} `json:"components"`
	}
	var plain, fenced resp
	if err := Unmarshal(`{"components":[{"id":"KZ1"},{"id":"GL2"}]}`, &plain); err != nil {
		t.Fatal(err)
	}
	if err := Unmarshal("```json\n{\"components\":[{\"id\":\"KZ1\"},{\"id\":\"GL2\"}]}\n```", &fenced); err != nil {
		t.Fatal(err)
	}
	if len(plain.Components) != 2 || len(fenced.Components) != 2 {
		t.Fatalf("component counts differ: %d vs %d", len(plain.Components), len(fenced.Components))
	}
	for i := range plain.Components {
		if plain.Components[i] != fenced.Components[i] {
			t.Fatalf("component %d differs: %+v vs %+v", i, plain.Components[i], fenced.Components[i])
		}
	}
}
