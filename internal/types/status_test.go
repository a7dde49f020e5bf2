package types

import "testing"

func TestStatusComplete(t *testing.T) {
	complete := []Status{StatusSucceeded, StatusFailedContinue, StatusTerminal, StatusCanceled, StatusStopped, StatusSkipped}
	for _, s := range complete {
		if !s.Complete() {
			t.Fatalf("%s should be complete", s)
		}
	}
	inFlight := []Status{StatusNotStarted, StatusRunning, StatusPaused, StatusSuspended, StatusRedirect}
	for _, s := range inFlight {
		if s.Complete() {
			t.Fatalf("%s should not be complete", s)
		}
	}
}

func TestStatusSuccessful(t *testing.T) {
	if !StatusSucceeded.Successful() || !StatusSkipped.Successful() {
		t.Fatalf("SUCCEEDED and SKIPPED are successful terminals")
	}
	if StatusTerminal.Successful() || StatusRunning.Successful() {
		t.Fatalf("TERMINAL and RUNNING are not successful")
	}
}
