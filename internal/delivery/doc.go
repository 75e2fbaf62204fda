// Package delivery tracks live subscriber sessions and fans payloads out to
// them. A failing session never affects the others in the same fan-out.
package delivery
