package ets

import (
	"testing"
)

func TestDefinitionsLoad(t *testing.T) {
	for _, model := range []ControllerModel{KBLS0106, KBLS0109} {
		t.Run(model.String(), func(t *testing.T) {
			defs, err := Definitions(model)
			if err != nil {
				t.Fatalf("Definitions() error = %v", err)
			}
			if len(defs) == 0 {
				t.Fatal("no definitions")
			}
			for i := 1; i < len(defs); i++ {
				if defs[i].Offset < defs[i-1].Offset {
					t.Fatalf("definitions not sorted at %d", i)
				}
			}
			for _, d := range defs {
				if d.Offset+span(d.Size, d.Position) > DataBufferSize {
					t.Errorf("%s overruns the image", d.Name)
				}
			}
			name, ok := FindParameter(defs, "Module Name")
			if !ok || name.Type != TypeASCII || name.Editable {
				t.Errorf("Module Name = %+v, %v", name, ok)
			}
		})
	}
}

func TestDefinitionsUnknownModel(t *testing.T) {
	if _, err := Definitions(ControllerModel(42)); err == nil {
		t.Error("Definitions(42) succeeded")
	}
}

func TestDefinitionsReturnsCopy(t *testing.T) {
	a, _ := Definitions(KBLS0109)
	a[0].Name = "changed"
	b, _ := Definitions(KBLS0109)
	if b[0].Name == "changed" {
		t.Error("Definitions() shares its backing array")
	}
}

func TestParametersForPage(t *testing.T) {
	defs := []ParameterDef{
		{Offset: 0, Name: "a", Visible: true},
		{Offset: 127, Name: "b", Visible: true},
		{Offset: 128, Name: "c", Visible: true},
		{Offset: 300, Name: "d", Visible: true},
		{Offset: 10, Name: "hidden", Visible: false},
	}
	tests := []struct {
		page int
		want []string
	}{
		{0, []string{"a", "b"}},
		{1, []string{"c"}},
		{2, []string{"d"}},
		{3, nil},
	}
	for _, tt := range tests {
		got := ParametersForPage(defs, tt.page)
		if len(got) != len(tt.want) {
			t.Errorf("page %d: got %d params, want %d", tt.page, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].Name != tt.want[i] {
				t.Errorf("page %d[%d] = %q, want %q", tt.page, i, got[i].Name, tt.want[i])
			}
		}
	}
}

func TestMockImageReadsThroughDefinitions(t *testing.T) {
	defs, err := Definitions(KBLS0109)
	if err != nil {
		t.Fatal(err)
	}
	var d DataValue
	d[37] = 80
	d[96] = 10
	p, _ := FindParameter(defs, "Motor Current%")
	if got := p.Read(d[:]); got != "80" {
		t.Errorf("Motor Current%% = %q, want 80", got)
	}
	p, _ = FindParameter(defs, "TPS Dead Low")
	if ok, err := p.Write(d[:], "15"); !ok || err != nil {
		t.Fatalf("Write(TPS Dead Low) = %v, %v", ok, err)
	}
	if d[96] != 15 {
		t.Errorf("d[96] = %d, want 15", d[96])
	}
}
