// Package simulate previews and replays schedule transitions at an arbitrary
// pivot instant. Planning is pure; execution feeds the plan through the live
// dispatcher and broadcaster, marked as test traffic unless a real broadcast
// is both requested and allowed.
package simulate
