// Package schedule turns a tracked activity schedule into lifecycle
// transitions. Transitions are recomputed from the wall clock on every tick;
// repeated attempts within a window are suppressed downstream by the
// dispatcher's deduper, not by stored state here.
package schedule
