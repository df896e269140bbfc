package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora-app/velora/internal/escrow"
)

func TestEndOutcome_DecisionTable(t *testing.T) {
	cases := []struct {
		reason string
		role   string
		want   string
	}{
		{ReasonModelNoShow, RoleClient, OutcomeRefund},
		{ReasonModelNoShow, RoleModel, OutcomeDispute},
		{ReasonClientNoShow, RoleModel, OutcomeRelease},
		{ReasonClientNoShow, RoleClient, OutcomeDispute},
		{ReasonCompletedEarly, RoleClient, OutcomeRelease},
		{ReasonCompletedEarly, RoleModel, OutcomeRelease},
		{ReasonTimeElapsed, RoleClient, OutcomeRelease},
		{ReasonSafetyConcern, RoleClient, OutcomeDispute},
		{ReasonSafetyConcern, RoleModel, OutcomeDispute},
		{ReasonConnectionIssue, RoleModel, OutcomeDispute},
		{ReasonScreenRecording, RoleClient, OutcomeDispute},
		{ReasonOther, RoleModel, OutcomeDispute},
	}
	for _, tc := range cases {
		got := endOutcome(tc.reason, tc.role)
		assert.Equal(t, tc.want, got, "%s by %s", tc.reason, tc.role)
	}
}

func TestEnd_InvalidReason(t *testing.T) {
	f := newFixture()

	s := f.accepted(t, TypeVoice, 10)
	_, err := f.sessions.End(context.Background(), s.Ref, "client1", "rage_quit", "")
	assert.ErrorIs(t, err, ErrInvalidReason)
}

func TestEnd_ModelNoShowByClient_Refunds(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Accepted but never joined: no deadline, the guard does not apply
	s := f.accepted(t, TypeVideo, 30)

	s, err := f.sessions.End(ctx, s.Ref, "client1", ReasonModelNoShow, "waited 10 minutes")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledModel, s.Status)
	assert.Equal(t, OutcomeRefund, s.Outcome)
	assert.Equal(t, "client1", s.EndedBy)

	bal, _ := f.wallets.Balance(ctx, "client1")
	assert.True(t, bal.Balance.Equal(d("220")))
}

func TestEnd_ModelNoShowByModel_Disputes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.accepted(t, TypeVideo, 30)

	// The model cannot self-declare its own no-show to force an outcome
	s, err := f.sessions.End(ctx, s.Ref, "model1", ReasonModelNoShow, "")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, s.Status)
	assert.Equal(t, OutcomeDispute, s.Outcome)

	dispute, err := f.escrows.OpenDisputeFor(ctx, s.EscrowRef)
	require.NoError(t, err)
	assert.Equal(t, "model1", dispute.OpenedBy)
	assert.Equal(t, ReasonModelNoShow, dispute.Reason)
	assert.Equal(t, s.Ref, dispute.SessionRef)
}

func TestEnd_ClientNoShowByModel_Releases(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.accepted(t, TypeVideo, 30)

	s, err := f.sessions.End(ctx, s.Ref, "model1", ReasonClientNoShow, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, OutcomeRelease, s.Outcome)

	bal, _ := f.wallets.Balance(ctx, "model1")
	assert.True(t, bal.Balance.Equal(d("176")))
}

func TestEnd_EarlyEndGuardForcesDispute(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Active with 30 minutes on the clock: far more than 30s remain
	s := f.active(t, TypeVideo, 30)

	s, err := f.sessions.End(ctx, s.Ref, "client1", ReasonCompletedEarly, "")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, s.Status)
	assert.Equal(t, OutcomeDispute, s.Outcome)
}

func TestEnd_NearDeadlineReleases(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.active(t, TypeVideo, 30)

	// 10 seconds before scheduled_end the guard stands down
	f.sessions.now = func() time.Time { return s.ScheduledEnd.Add(-10 * time.Second) }

	s, err := f.sessions.End(ctx, s.Ref, "client1", ReasonCompletedEarly, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, OutcomeRelease, s.Outcome)
}

func TestEnd_TimeElapsedExemptFromGuard(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.active(t, TypeVideo, 30)

	s, err := f.sessions.End(ctx, s.Ref, "model1", ReasonTimeElapsed, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, OutcomeRelease, s.Outcome)
}

func TestEnd_TerminalRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.accepted(t, TypeVideo, 30)
	_, err := f.sessions.End(ctx, s.Ref, "model1", ReasonClientNoShow, "")
	require.NoError(t, err)

	_, err = f.sessions.End(ctx, s.Ref, "client1", ReasonOther, "")
	assert.ErrorIs(t, err, ErrAlreadyEnded)

	_, err = f.sessions.Cancel(ctx, s.Ref, "client1", "")
	assert.ErrorIs(t, err, ErrAlreadyEnded)
}

func TestEnd_EvictsLockEntry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.active(t, TypeVideo, 30)
	s, err := f.sessions.End(ctx, s.Ref, "model1", ReasonTimeElapsed, "")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, s.Status)

	_, held := f.sessions.locks.Load(s.Ref)
	assert.False(t, held, "terminal session should not retain a lock entry")
}

func TestCancel_BeforeAcceptanceRefunds(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.bookPaid(t, TypeVideo, 30)

	s, err := f.sessions.Cancel(ctx, s.Ref, "client1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledClient, s.Status)

	bal, _ := f.wallets.Balance(ctx, "client1")
	assert.True(t, bal.Balance.Equal(d("220")))
}

func TestCancel_AfterAcceptanceDisputes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.accepted(t, TypeVideo, 30)

	s, err := f.sessions.Cancel(ctx, s.Ref, "client1", "no longer available")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, s.Status)

	// No unilateral clawback: funds still held, dispute open
	esc, _ := f.escrows.Get(ctx, s.EscrowRef)
	assert.Equal(t, escrow.StatusDisputed, esc.Status)

	bal, _ := f.wallets.Balance(ctx, "client1")
	assert.True(t, bal.Balance.IsZero())
}

func TestCancel_OnlyClient(t *testing.T) {
	f := newFixture()

	s := f.bookPaid(t, TypeVideo, 30)
	_, err := f.sessions.Cancel(context.Background(), s.Ref, "model1", "")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestExtend_AddsFiveMinutesAndEscrow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.active(t, TypeVideo, 30)
	endBefore := *s.ScheduledEnd

	ext, err := f.escrows.Hold(ctx, escrow.HoldRequest{
		Type:       escrow.TypeWalletExtension,
		RelatedRef: s.Ref,
		PayerID:    "client1",
		ReceiverID: "model1",
		Amount:     d("40"),
	})
	require.NoError(t, err)

	s, err = f.sessions.Extend(ctx, s.Ref, ext.Ref)
	require.NoError(t, err)
	assert.Equal(t, 35, s.Duration)
	assert.Equal(t, endBefore.Add(5*time.Minute), *s.ScheduledEnd)
	assert.Equal(t, []string{ext.Ref}, s.ExtensionRefs)
}

func TestExtend_ChatRejected(t *testing.T) {
	f := newFixture()

	s := f.accepted(t, TypeChat, 5)
	_, err := f.sessions.Extend(context.Background(), s.Ref, "")
	assert.ErrorIs(t, err, ErrExtensionUnavailable)
}

func TestExtend_CompletionReleasesBothEscrows(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.active(t, TypeVideo, 30)
	ext, err := f.escrows.Hold(ctx, escrow.HoldRequest{
		Type:       escrow.TypeWalletExtension,
		RelatedRef: s.Ref,
		PayerID:    "client1",
		ReceiverID: "model1",
		Amount:     d("40"),
	})
	require.NoError(t, err)
	_, err = f.sessions.Extend(ctx, s.Ref, ext.Ref)
	require.NoError(t, err)

	_, err = f.sessions.Confirm(ctx, s.Ref, "client1")
	require.NoError(t, err)
	s, err = f.sessions.Confirm(ctx, s.Ref, "model1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)

	// 176 session payout + 32 extension payout
	bal, _ := f.wallets.Balance(ctx, "model1")
	assert.True(t, bal.Balance.Equal(d("208")), "model balance = %s", bal.Balance)
}

func TestCancel_AfterAcceptanceDisputesExtensions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.active(t, TypeVideo, 30)
	due := time.Now().Add(-time.Minute)
	ext, err := f.escrows.Hold(ctx, escrow.HoldRequest{
		Type:          escrow.TypeWalletExtension,
		RelatedRef:    s.Ref,
		PayerID:       "client1",
		ReceiverID:    "model1",
		Amount:        d("40"),
		AutoReleaseAt: &due,
	})
	require.NoError(t, err)
	_, err = f.sessions.Extend(ctx, s.Ref, ext.Ref)
	require.NoError(t, err)

	s, err = f.sessions.Cancel(ctx, s.Ref, "client1", "contested")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, s.Status)

	// The extension escrow freezes with the session: a held extension
	// would still be swept past its auto-release deadline.
	extEsc, _ := f.escrows.Get(ctx, ext.Ref)
	assert.Equal(t, escrow.StatusDisputed, extEsc.Status)

	releasable, err := f.escrows.ListAutoReleasable(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, releasable)
}

func TestDispute_FreezesExtensionEscrows(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.active(t, TypeVideo, 30)
	ext, err := f.escrows.Hold(ctx, escrow.HoldRequest{
		Type:       escrow.TypeWalletExtension,
		RelatedRef: s.Ref,
		PayerID:    "client1",
		ReceiverID: "model1",
		Amount:     d("40"),
	})
	require.NoError(t, err)
	_, err = f.sessions.Extend(ctx, s.Ref, ext.Ref)
	require.NoError(t, err)

	_, err = f.sessions.Dispute(ctx, s.Ref, "client1", ReasonSafetyConcern, "")
	require.NoError(t, err)

	main, _ := f.escrows.Get(ctx, s.EscrowRef)
	extEsc, _ := f.escrows.Get(ctx, ext.Ref)
	assert.Equal(t, escrow.StatusDisputed, main.Status)
	assert.Equal(t, escrow.StatusDisputed, extEsc.Status)
}

func TestDispute_FreezesEscrow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.active(t, TypeVideo, 30)

	s, err := f.sessions.Dispute(ctx, s.Ref, "client1", ReasonSafetyConcern, "details withheld")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, s.Status)

	esc, _ := f.escrows.Get(ctx, s.EscrowRef)
	assert.Equal(t, escrow.StatusDisputed, esc.Status)
}

func TestRequestConfirmation_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.active(t, TypeVideo, 30)

	moved, err := f.sessions.RequestConfirmation(ctx, s.Ref)
	require.NoError(t, err)
	assert.True(t, moved)

	s, _ = f.sessions.Get(ctx, s.Ref)
	assert.Equal(t, StatusAwaitingConfirm, s.Status)

	// Second sweep finds nothing to do
	moved, err = f.sessions.RequestConfirmation(ctx, s.Ref)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestListActivePastDeadline(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.active(t, TypeVideo, 5)
	f.active(t, TypeVoice, 30)

	// Only the 5-minute session is overdue 10 minutes from now
	list, err := f.sessions.ListActivePastDeadline(ctx, time.Now().Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, s.Ref, list[0].Ref)
}
