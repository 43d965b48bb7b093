/**
 * @description
 * This file defines the booking lifecycle state machine. The machine is a
 * strict directed graph: any edge not explicitly enumerated in the transition
 * map is rejected. Every accepted transition must be paired with a status
 * history append; the store layer enforces that pairing inside one database
 * transaction.
 */

package domain

import "fmt"

// BookingStatus is one value of the booking lifecycle enum.
type BookingStatus string

const (
	StatusPendingProviderApproval       BookingStatus = "PENDING_PROVIDER_APPROVAL"
	StatusPendingCustomerPayment        BookingStatus = "PENDING_CUSTOMER_PAYMENT"
	StatusConfirmed                     BookingStatus = "CONFIRMED"
	StatusInProgress                    BookingStatus = "IN_PROGRESS"
	StatusCompleted                     BookingStatus = "COMPLETED"
	StatusAwaitingCustomerConfirmation  BookingStatus = "AWAITING_CUSTOMER_CONFIRMATION"
	StatusSettled                       BookingStatus = "SETTLED"
	StatusDeclined                      BookingStatus = "DECLINED"
	StatusCancelled                     BookingStatus = "CANCELLED"
)

// AllStatuses lists every lifecycle state, used for validation and exhaustive tests.
var AllStatuses = []BookingStatus{
	StatusPendingProviderApproval,
	StatusPendingCustomerPayment,
	StatusConfirmed,
	StatusInProgress,
	StatusCompleted,
	StatusAwaitingCustomerConfirmation,
	StatusSettled,
	StatusDeclined,
	StatusCancelled,
}

// allowedTransitions enumerates every legal edge of the lifecycle graph.
// Terminal states (DECLINED, CANCELLED, SETTLED) have no outgoing edges.
var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPendingProviderApproval: {
		StatusPendingCustomerPayment,
		StatusDeclined,
		StatusCancelled,
	},
	StatusPendingCustomerPayment: {
		StatusConfirmed,
		StatusCancelled,
	},
	StatusConfirmed: {
		StatusInProgress,
		StatusCancelled,
	},
	StatusInProgress: {
		StatusCompleted,
		StatusCancelled,
	},
	StatusCompleted: {
		StatusAwaitingCustomerConfirmation,
	},
	StatusAwaitingCustomerConfirmation: {
		StatusSettled,
	},
	StatusSettled:   {},
	StatusDeclined:  {},
	StatusCancelled: {},
}

// InvalidTransitionError is returned when a caller requests an edge that is
// not part of the lifecycle graph. The booking is untouched in that case.
type InvalidTransitionError struct {
	From BookingStatus
	To   BookingStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid booking transition from %s to %s", e.From, e.To)
}

// IsValidStatus reports whether s is a known lifecycle state.
func IsValidStatus(s BookingStatus) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminalStatus reports whether s has no outgoing edges.
func IsTerminalStatus(s BookingStatus) bool {
	edges, ok := allowedTransitions[s]
	return ok && len(edges) == 0
}

// ValidateTransition returns nil if the edge current -> target is part of the
// lifecycle graph, and an *InvalidTransitionError otherwise.
func ValidateTransition(current, target BookingStatus) error {
	edges, ok := allowedTransitions[current]
	if !ok {
		return &InvalidTransitionError{From: current, To: target}
	}
	for _, edge := range edges {
		if edge == target {
			return nil
		}
	}
	return &InvalidTransitionError{From: current, To: target}
}

// TransitionsFrom returns a copy of the legal targets reachable from s.
func TransitionsFrom(s BookingStatus) []BookingStatus {
	edges := allowedTransitions[s]
	out := make([]BookingStatus, len(edges))
	copy(out, edges)
	return out
}
