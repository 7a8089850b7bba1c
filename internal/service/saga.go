package service

import (
	"context"

	"go.uber.org/zap"
)

type compensation struct {
	step string
	undo func(ctx context.Context) error
}

// saga records the compensation of every committed step so a later failure
// can unwind them in reverse order.
type saga struct {
	logger *zap.Logger
	done   []compensation
}

func newSaga(logger *zap.Logger) *saga {
	return &saga{logger: logger}
}

func (sg *saga) record(step string, undo func(ctx context.Context) error) {
	sg.done = append(sg.done, compensation{step: step, undo: undo})
}

// compensate runs every recorded undo even when an earlier one fails.
func (sg *saga) compensate(ctx context.Context) {
	for i := len(sg.done) - 1; i >= 0; i-- {
		c := sg.done[i]
		if err := c.undo(ctx); err != nil {
			sg.logger.Error("saga compensation failed", zap.String("step", c.step), zap.Error(err))
		}
	}
	sg.done = nil
}
