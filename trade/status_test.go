package trade

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPendingAcceptance, StatusPaymentPending, true},
		{StatusPendingAcceptance, StatusShippingPending, true},
		{StatusPendingAcceptance, StatusRejected, true},
		{StatusPendingAcceptance, StatusCancelled, true},
		{StatusPendingAcceptance, StatusCountered, true},
		{StatusPendingAcceptance, StatusCompleted, false},
		{StatusPaymentPending, StatusEscrowFunded, true},
		{StatusPaymentPending, StatusShippingPending, false},
		{StatusEscrowFunded, StatusShippingPending, true},
		{StatusEscrowFunded, StatusInTransit, true},
		{StatusShippingPending, StatusInTransit, true},
		{StatusInTransit, StatusDeliveredAwaiting, true},
		{StatusDeliveredAwaiting, StatusCompletedAwaitingRating, true},
		{StatusDeliveredAwaiting, StatusDisputeOpened, true},
		{StatusDeliveredAwaiting, StatusCompleted, false},
		{StatusCompletedAwaitingRating, StatusCompleted, true},
		{StatusCompleted, StatusDisputeOpened, true},
		{StatusDisputeOpened, StatusDisputeResolved, true},
		{StatusDisputeResolved, StatusCompleted, true},
		{StatusRejected, StatusPendingAcceptance, false},
		{StatusCountered, StatusPendingAcceptance, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusRejected, StatusCancelled, StatusCountered}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	active := []Status{
		StatusPendingAcceptance, StatusPaymentPending, StatusEscrowFunded,
		StatusShippingPending, StatusInTransit, StatusDeliveredAwaiting,
		StatusCompletedAwaitingRating, StatusCompleted, StatusDisputeOpened,
		StatusDisputeResolved,
	}
	for _, s := range active {
		if IsTerminal(s) {
			t.Errorf("expected %s to have outgoing transitions", s)
		}
	}
}

func TestDisputable(t *testing.T) {
	if !Disputable(StatusDeliveredAwaiting) || !Disputable(StatusCompleted) {
		t.Fatal("delivered and completed trades must accept disputes")
	}
	for _, s := range []Status{StatusPendingAcceptance, StatusInTransit, StatusDisputeOpened, StatusCancelled} {
		if Disputable(s) {
			t.Errorf("expected %s not to accept disputes", s)
		}
	}
}

func TestTradeHelpers(t *testing.T) {
	tr := Trade{ProposerID: "alice", ReceiverID: "bob"}

	if !tr.IsParty("alice") || !tr.IsParty("bob") || tr.IsParty("mallory") {
		t.Fatal("IsParty mismatch")
	}
	if tr.SideOf("alice") != SideProposer || tr.SideOf("bob") != SideReceiver {
		t.Fatal("SideOf mismatch")
	}
	if tr.OtherParty("alice") != "bob" || tr.OtherParty("bob") != "alice" {
		t.Fatal("OtherParty mismatch")
	}

	if tr.CashChangesHands() {
		t.Fatal("no declared cash should mean no escrow step")
	}
	tr.ReceiverCash = 500
	if !tr.CashChangesHands() {
		t.Fatal("declared receiver cash should require the escrow step")
	}
}
