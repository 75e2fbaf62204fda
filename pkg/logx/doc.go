// Package logx wraps zerolog for notifyd: readable console lines with a
// short caller, JSON file output, and sinks that can be swapped on reload.
package logx
