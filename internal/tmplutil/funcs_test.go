package tmplutil

import "testing"

func TestCompileAndExecute(t *testing.T) {
	tmpl, err := Compile("t", `{{ .Name | upper }}-{{ first .Values }}-{{ json .Tags }}`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Execute(tmpl, map[string]any{
		"Name":   "pets",
		"Values": []string{"a", "b"},
		"Tags":   []string{"x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := `PETS-a-["x"]`; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIsTemplate(t *testing.T) {
	if !IsTemplate("{{ .x }}") || IsTemplate("{#request.id}") {
		t.Error("IsTemplate misclassified input")
	}
}
