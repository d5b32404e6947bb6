package logging

import "go.uber.org/zap/zapcore"

// withSampling splits core into an unsampled error path and a sampled
// path for warn and below, using the info-level budget for the whole
// lower band.
func withSampling(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	budget := cfg.Levels[zapcore.InfoLevel]
	lower := zapcore.NewSamplerWithOptions(
		bandCore{Core: core, min: TraceLevel, max: zapcore.WarnLevel},
		cfg.Tick.Duration(),
		budget.Initial,
		budget.Thereafter,
	)
	errors := bandCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}
	return zapcore.NewTee(errors, lower)
}

// bandCore passes entries whose level falls inside [min, max], both
// inclusive.
type bandCore struct {
	zapcore.Core
	min zapcore.Level
	max zapcore.Level
}

func (b bandCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= b.min && lvl <= b.max && b.Core.Enabled(lvl)
}

func (b bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !b.Enabled(e.Level) {
		return ce
	}
	return b.Core.Check(e, ce)
}

func (b bandCore) With(fields []zapcore.Field) zapcore.Core {
	return bandCore{Core: b.Core.With(fields), min: b.min, max: b.max}
}
