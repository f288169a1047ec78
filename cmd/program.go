package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// defaultElemBytes is the element size of tensors that do not set one (fp16).
const defaultElemBytes = 2

// ProgramFile is the YAML description of a tensor program.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type ProgramFile struct {
	Tensors    []TensorSpec    `yaml:"tensors"`
	Operations []OperationSpec `yaml:"operations"`
}

// TensorSpec describes one tensor.
type TensorSpec struct {
	Name      string `yaml:"name"`
	Shape     []int  `yaml:"shape"`
	ElemBytes int    `yaml:"elem_bytes"` // 0 means fp16
	Weight    bool   `yaml:"weight"`
}

// OperationSpec describes one operation. Operations are listed in program
// order and name their operands by tensor name.
type OperationSpec struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Inputs  []string `yaml:"inputs"`
	Outputs []string `yaml:"outputs"`
	Bundle  *int     `yaml:"bundle"` // nil leaves the op to automatic bundling
}

// loadProgram parses a program file with strict field checking and builds
// the program graph.
func loadProgram(path string) (*tiler.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading program file: %w", err)
	}
	var pf ProgramFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&pf); err != nil {
		return nil, fmt.Errorf("parsing program file %s: %w", path, err)
	}
	return buildProgram(pf)
}

func buildProgram(pf ProgramFile) (*tiler.Program, error) {
	if len(pf.Operations) == 0 {
		return nil, fmt.Errorf("program has no operations")
	}
	p := tiler.NewProgram()
	byName := make(map[string]tiler.TensorID, len(pf.Tensors))
	for _, ts := range pf.Tensors {
		if ts.Name == "" {
			return nil, fmt.Errorf("tensor without a name")
		}
		if _, dup := byName[ts.Name]; dup {
			return nil, fmt.Errorf("tensor %q declared twice", ts.Name)
		}
		if len(ts.Shape) == 0 {
			return nil, fmt.Errorf("tensor %q has no shape", ts.Name)
		}
		for _, d := range ts.Shape {
			if d <= 0 {
				return nil, fmt.Errorf("tensor %q: dimensions must be > 0, got %v", ts.Name, ts.Shape)
			}
		}
		elem := ts.ElemBytes
		if elem == 0 {
			elem = defaultElemBytes
		}
		if elem < 0 {
			return nil, fmt.Errorf("tensor %q: elem_bytes must be > 0, got %d", ts.Name, ts.ElemBytes)
		}
		byName[ts.Name] = p.AddTensor(tiler.Tensor{Name: ts.Name, Shape: ts.Shape, ElemBytes: elem, Weight: ts.Weight})
	}

	resolve := func(op string, names []string) ([]tiler.TensorID, error) {
		ids := make([]tiler.TensorID, 0, len(names))
		for _, n := range names {
			id, ok := byName[n]
			if !ok {
				return nil, fmt.Errorf("operation %q references undeclared tensor %q", op, n)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	for _, spec := range pf.Operations {
		kind, err := tiler.ParseOpKind(spec.Kind)
		if err != nil {
			return nil, fmt.Errorf("operation %q: %w", spec.Name, err)
		}
		if kind == tiler.OpReduceAggregate {
			return nil, fmt.Errorf("operation %q: kind %s is created by the optimizer only", spec.Name, kind)
		}
		in, err := resolve(spec.Name, spec.Inputs)
		if err != nil {
			return nil, err
		}
		out, err := resolve(spec.Name, spec.Outputs)
		if err != nil {
			return nil, err
		}
		bundle := tiler.NoBundle
		if spec.Bundle != nil {
			if *spec.Bundle < 0 {
				return nil, fmt.Errorf("operation %q: bundle must be >= 0, got %d", spec.Name, *spec.Bundle)
			}
			bundle = *spec.Bundle
		}
		if _, err := p.AddOp(tiler.Operation{Name: spec.Name, Kind: kind, Inputs: in, Outputs: out, Bundle: bundle}); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// hasExplicitBundles reports whether any operation carries a bundle index.
func hasExplicitBundles(p *tiler.Program) bool {
	for _, id := range p.Ops() {
		if op, _ := p.Op(id); op.Bundle != tiler.NoBundle {
			return true
		}
	}
	return false
}
