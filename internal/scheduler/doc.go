// Package scheduler triggers the engine's periodic work (evaluator ticks,
// flush and retention) on robfig/cron. Every entry is single-flight: a run
// that is still going when its next trigger fires causes that trigger to be
// skipped.
package scheduler
