// Package testutil provides shared test infrastructure for the tiler.
// It consolidates program fixtures and file helpers used across tiler/
// sub-package test suites.
package testutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/bundle-tiler/tiler"
)

// ElemBytes is the element size of every fixture tensor (fp16).
const ElemBytes = 2

// ProgramBuilder builds fixture programs, failing the test on any error.
type ProgramBuilder struct {
	t testing.TB
	P *tiler.Program
}

// NewProgramBuilder returns a builder over an empty program.
func NewProgramBuilder(t testing.TB) *ProgramBuilder {
	t.Helper()
	return &ProgramBuilder{t: t, P: tiler.NewProgram()}
}

// Tensor adds an activation tensor.
func (b *ProgramBuilder) Tensor(name string, shape ...int) tiler.TensorID {
	return b.P.AddTensor(tiler.Tensor{Name: name, Shape: shape, ElemBytes: ElemBytes})
}

// Weight adds a constant tensor.
func (b *ProgramBuilder) Weight(name string, shape ...int) tiler.TensorID {
	return b.P.AddTensor(tiler.Tensor{Name: name, Shape: shape, ElemBytes: ElemBytes, Weight: true})
}

// Op adds an unbundled operation.
func (b *ProgramBuilder) Op(name string, kind tiler.OpKind, inputs []tiler.TensorID, outputs ...tiler.TensorID) tiler.OpID {
	b.t.Helper()
	id, err := b.P.AddOp(tiler.Operation{Name: name, Kind: kind, Inputs: inputs, Outputs: outputs, Bundle: tiler.NoBundle})
	if err != nil {
		b.t.Fatalf("building fixture op %s: %v", name, err)
	}
	return id
}

// GEMMEpilogue is x[m,k] * w[k,n] -> y, relu(y) -> z, then a store of z that
// stays outside any bundle.
type GEMMEpilogue struct {
	Program         *tiler.Program
	X, W, Y, Z, Out tiler.TensorID
	MatMul, Relu    tiler.OpID
	Store           tiler.OpID
}

// NewGEMMEpilogue builds the GEMMEpilogue fixture.
func NewGEMMEpilogue(t testing.TB, m, n, k int) *GEMMEpilogue {
	t.Helper()
	b := NewProgramBuilder(t)
	f := &GEMMEpilogue{Program: b.P}
	f.X = b.Tensor("x", m, k)
	f.W = b.Weight("w", k, n)
	f.Y = b.Tensor("y", m, n)
	f.Z = b.Tensor("z", m, n)
	f.Out = b.Tensor("out", m, n)
	f.MatMul = b.Op("gemm", tiler.OpMatMul, []tiler.TensorID{f.X, f.W}, f.Y)
	f.Relu = b.Op("relu", tiler.OpElementwise, []tiler.TensorID{f.Y}, f.Z)
	f.Store = b.Op("store", tiler.OpElementwise, []tiler.TensorID{f.Z}, f.Out)
	return f
}

// Bundle returns the optimizable ops of the fixture in program order.
func (f *GEMMEpilogue) Bundle() []tiler.OpID { return []tiler.OpID{f.MatMul, f.Relu} }

// QuietLogger returns a job logger that discards output.
func QuietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// WriteTempYAML writes content to a file in a per-test temp dir and returns
// its path.
func WriteTempYAML(t testing.TB, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}
