package shader

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// Compiler turns stage source into SPIR-V. It is called concurrently for the stages of a
// shader and must be safe for that.
type Compiler interface {
	Compile(source string, kind StageKind, filename string) ([]uint32, error)
}

// CompileError is returned by compilers that can report individual messages.
type CompileError struct {
	Filename string
	Messages []string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %s", e.Filename, strings.Join(e.Messages, "; "))
}

// compileStages compiles every stage in parallel. Results keep stage order.
func compileStages(compiler Compiler, shaderName string, stages []Stage) ([][]uint32, error) {
	if compiler == nil {
		return nil, errors.Newf("shader %q: no compiler", shaderName)
	}
	code := make([][]uint32, len(stages))

	var g errgroup.Group
	for i, stage := range stages {
		i, stage := i, stage
		g.Go(func() error {
			out, err := compiler.Compile(stage.Source, stage.Kind, stage.Filename)
			if err != nil {
				return errors.Wrapf(err, "shader %q %s stage", shaderName, stage.Kind)
			}
			if len(out) == 0 {
				return errors.Newf("shader %q %s stage compiled to nothing", shaderName, stage.Kind)
			}
			code[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return code, nil
}
