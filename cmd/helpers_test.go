package cmd

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

// gemmEpilogueYAML is x[512,512] * w[512,512] -> y, relu(y) -> z, store(z).
const gemmEpilogueYAML = `
tensors:
  - {name: x, shape: [512, 512]}
  - {name: w, shape: [512, 512], weight: true}
  - {name: y, shape: [512, 512]}
  - {name: z, shape: [512, 512]}
  - {name: out, shape: [512, 512]}
operations:
  - {name: gemm, kind: matmul, inputs: [x, w], outputs: [y]}
  - {name: relu, kind: elementwise, inputs: [y], outputs: [z]}
  - {name: store, kind: elementwise, inputs: [z], outputs: [out]}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
