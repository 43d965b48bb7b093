package domain

import (
	"errors"
	"testing"
)

// documentedEdges is the full lifecycle graph, restated independently of the
// implementation so the test catches edges added or dropped by accident.
var documentedEdges = map[BookingStatus][]BookingStatus{
	StatusPendingProviderApproval:      {StatusPendingCustomerPayment, StatusDeclined, StatusCancelled},
	StatusPendingCustomerPayment:       {StatusConfirmed, StatusCancelled},
	StatusConfirmed:                    {StatusInProgress, StatusCancelled},
	StatusInProgress:                   {StatusCompleted, StatusCancelled},
	StatusCompleted:                    {StatusAwaitingCustomerConfirmation},
	StatusAwaitingCustomerConfirmation: {StatusSettled},
	StatusSettled:                      {},
	StatusDeclined:                     {},
	StatusCancelled:                    {},
}

func TestValidateTransition_GraphIsExact(t *testing.T) {
	for _, from := range AllStatuses {
		allowed := make(map[BookingStatus]bool)
		for _, to := range documentedEdges[from] {
			allowed[to] = true
		}

		for _, to := range AllStatuses {
			err := ValidateTransition(from, to)
			if allowed[to] && err != nil {
				t.Fatalf("expected %s -> %s to be legal, got %v", from, to, err)
			}
			if !allowed[to] && err == nil {
				t.Fatalf("expected %s -> %s to be rejected", from, to)
			}
		}
	}
}

func TestValidateTransition_ReturnsTypedError(t *testing.T) {
	err := ValidateTransition(StatusSettled, StatusCancelled)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidTransitionError, got %T", err)
	}
	if invalid.From != StatusSettled || invalid.To != StatusCancelled {
		t.Fatalf("error carries wrong edge: %v", invalid)
	}
}

func TestValidateTransition_UnknownStatusRejected(t *testing.T) {
	if err := ValidateTransition(BookingStatus("NOT_A_STATUS"), StatusConfirmed); err == nil {
		t.Fatal("expected unknown source status to be rejected")
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminals := map[BookingStatus]bool{
		StatusSettled:   true,
		StatusDeclined:  true,
		StatusCancelled: true,
	}
	for _, s := range AllStatuses {
		if got := IsTerminalStatus(s); got != terminals[s] {
			t.Fatalf("IsTerminalStatus(%s) = %v, want %v", s, got, terminals[s])
		}
	}
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range AllStatuses {
		if !IsValidStatus(s) {
			t.Fatalf("expected %s to be valid", s)
		}
	}
	if IsValidStatus(BookingStatus("BOGUS")) {
		t.Fatal("expected BOGUS to be invalid")
	}
}
