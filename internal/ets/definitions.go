package ets

import (
	"embed"
	"fmt"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
)

//go:embed paramdefs/*.toml
var paramFS embed.FS

// PageSize is the number of calibration offsets shown per page.
const (
	PageSize  = 128
	PageCount = 3
)

type paramFile struct {
	Model  string         `toml:"model"`
	Params []ParameterDef `toml:"param"`
}

var (
	defsOnce sync.Once
	tables   map[ControllerModel][]ParameterDef
	defsErr  error
)

var defFiles = map[ControllerModel]string{
	KBLS0106: "paramdefs/kbls_0106.toml",
	KBLS0109: "paramdefs/kbls_0109.toml",
}

func loadDefinitions() {
	tables = make(map[ControllerModel][]ParameterDef, len(defFiles))
	for model, path := range defFiles {
		raw, err := paramFS.ReadFile(path)
		if err != nil {
			defsErr = fmt.Errorf("read %s: %w", path, err)
			return
		}
		var f paramFile
		if _, err := toml.Decode(string(raw), &f); err != nil {
			defsErr = fmt.Errorf("decode %s: %w", path, err)
			return
		}
		if f.Model != model.String() {
			defsErr = fmt.Errorf("%s declares model %q, want %q", path, f.Model, model)
			return
		}
		sort.SliceStable(f.Params, func(i, j int) bool { return f.Params[i].Offset < f.Params[j].Offset })
		tables[model] = f.Params
	}
}

// Definitions returns the parameter table for model, sorted by offset.
// The returned slice is a copy.
func Definitions(model ControllerModel) ([]ParameterDef, error) {
	defsOnce.Do(loadDefinitions)
	if defsErr != nil {
		return nil, defsErr
	}
	d, ok := tables[model]
	if !ok {
		return nil, &UnsupportedControllerError{Reason: fmt.Sprintf("no parameter table for %s", model)}
	}
	out := make([]ParameterDef, len(d))
	copy(out, d)
	return out, nil
}

// ParametersForPage returns the visible definitions whose offset falls in
// page's 128-byte window.
func ParametersForPage(defs []ParameterDef, page int) []ParameterDef {
	start, end := page*PageSize, (page+1)*PageSize
	var out []ParameterDef
	for _, p := range defs {
		if p.Visible && p.Offset >= start && p.Offset < end {
			out = append(out, p)
		}
	}
	return out
}

// FindParameter looks a definition up by name.
func FindParameter(defs []ParameterDef, name string) (ParameterDef, bool) {
	for _, p := range defs {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterDef{}, false
}
