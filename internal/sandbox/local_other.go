//go:build !unix

package sandbox

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// LocalRuntime needs process groups and is only available on unix.
type LocalRuntime struct{}

func NewLocalRuntime(logger *zap.Logger) *LocalRuntime { return &LocalRuntime{} }

func (r *LocalRuntime) Name() string { return "local" }

func (r *LocalRuntime) Run(ctx context.Context, spec Spec) (Outcome, error) {
	return Outcome{ExitCode: -1}, errors.New("local runtime requires a unix host")
}
