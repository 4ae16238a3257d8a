package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSenderFSM_HappyPathTransitions(t *testing.T) {
	f := newSenderFSM()

	assert.Equal(t, SenderInitializing, f.Current())

	path := []SenderState{
		SenderListening,
		SenderHandshaking,
		SenderNegotiating,
		SenderTransferring,
		SenderFinishing,
		SenderAwaitingAck,
		SenderCompleted,
		SenderClosed,
	}

	for _, next := range path {
		assert.NoError(t, f.mustTransition(next))
	}
}

func TestSenderFSM_RejectsIllegalTransition(t *testing.T) {
	f := newSenderFSM()

	assert.False(t, f.transition(SenderTransferring))
	assert.Equal(t, SenderInitializing, f.Current())
}

func TestSenderFSM_ClosedIsTerminal(t *testing.T) {
	f := newSenderFSM()
	require := assert.New(t)

	require.NoError(f.mustTransition(SenderListening))
	require.NoError(f.mustTransition(SenderCancelled))
	require.NoError(f.mustTransition(SenderClosed))

	assert.False(t, f.transition(SenderListening))
	assert.False(t, f.transition(SenderCompleted))
}

func TestReceiverFSM_HappyPathTransitions(t *testing.T) {
	f := newReceiverFSM()

	path := []ReceiverState{
		ReceiverConnecting,
		ReceiverNegotiating,
		ReceiverTransferring,
		ReceiverCompleted,
		ReceiverClosed,
	}

	for _, next := range path {
		assert.NoError(t, f.mustTransition(next))
	}
}

func TestReceiverFSM_RejectsIllegalTransition(t *testing.T) {
	f := newReceiverFSM()

	assert.False(t, f.transition(ReceiverTransferring))
	assert.Error(t, f.mustTransition(ReceiverCompleted))
}

func TestReceiverFSM_CancelledFromNegotiatingThenClosed(t *testing.T) {
	f := newReceiverFSM()

	require := assert.New(t)
	require.NoError(f.mustTransition(ReceiverConnecting))
	require.NoError(f.mustTransition(ReceiverNegotiating))
	require.NoError(f.mustTransition(ReceiverCancelled))
	require.NoError(f.mustTransition(ReceiverClosed))

	assert.False(t, f.transition(ReceiverConnecting))
}
