package util

import (
	"testing"
	"time"
)

//	TrueBefore polls cond until it holds or the deadline passes.
func TrueBefore(t testing.TB, cond func() bool, deadline time.Time) {
	t.Helper()
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		<-time.After(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}
