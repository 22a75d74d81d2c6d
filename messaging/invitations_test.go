package messaging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutgoingSyncInvitationFlow(t *testing.T) {
	m, _ := testManager(t)
	myFrag := register(t, m)

	peer, err := GenerateRegistrationFragment(2)
	require.NoError(t, err)

	friend, err := m.AddOutgoingSyncInvitation("alice", "Alice", "six pink elephants", peer.KxPublicKey, testKeys())
	require.NoError(t, err)
	require.Equal(t, ProgressOutgoingSync, friend.Progress)

	invitations, err := m.GetOutgoingSyncInvitations()
	require.NoError(t, err)
	require.Len(t, invitations, 1)
	require.Equal(t, "six pink elephants", invitations[0].Story)

	// the invitation rides the chunk stream as a system chunk
	chunk, err := m.ChunkToSend(nil)
	require.NoError(t, err)
	require.True(t, chunk.System)
	require.Equal(t, SystemMessageOutgoingInvitation, chunk.SystemMessage)
	require.Equal(t, myFrag.PublicID, chunk.SystemMessageData)
	require.Equal(t, int64(1), chunk.SequenceNumber)

	// a claimed public id whose kx key does not match aborts everything,
	// including the seqnum advance
	impostor, err := GenerateRegistrationFragment(3)
	require.NoError(t, err)
	err = m.ReceiveInvitationSystemMessage(friend.UID, 1, impostor.PublicID)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
	acks, err := m.AcksToSend()
	require.NoError(t, err)
	require.Equal(t, int64(0), acks[0].AckSeqnum)

	require.NoError(t, m.ReceiveInvitationSystemMessage(friend.UID, 1, peer.PublicID))
	f, err := m.GetFriend("alice")
	require.NoError(t, err)
	require.Equal(t, ProgressComplete, f.Progress)
	invitations, err = m.GetOutgoingSyncInvitations()
	require.NoError(t, err)
	require.Len(t, invitations, 0)

	// replays are ignored
	require.NoError(t, m.ReceiveInvitationSystemMessage(friend.UID, 1, peer.PublicID))
}

func TestOutgoingAsyncInvitationFlow(t *testing.T) {
	m, _ := testManager(t)
	register(t, m)

	peer, err := GenerateRegistrationFragment(2)
	require.NoError(t, err)

	space, err := m.HasSpaceForAsyncInvitations()
	require.NoError(t, err)
	require.True(t, space)

	friend, err := m.AddOutgoingAsyncInvitation("bob", "Bob", peer.PublicID, "hello bob", testKeys())
	require.NoError(t, err)
	require.Equal(t, ProgressOutgoingAsync, friend.Progress)

	space, err = m.HasSpaceForAsyncInvitations()
	require.NoError(t, err)
	require.False(t, space)

	other, err := GenerateRegistrationFragment(3)
	require.NoError(t, err)
	_, err = m.AddOutgoingAsyncInvitation("carol", "Carol", other.PublicID, "hi", testKeys())
	require.Equal(t, CodeResourceExhausted, CodeOf(err))

	// their invitation crossing ours completes the friendship
	require.NoError(t, m.AddIncomingAsyncInvitation(peer.PublicID, "hello from bob"))
	f, err := m.GetFriend("bob")
	require.NoError(t, err)
	require.Equal(t, ProgressComplete, f.Progress)

	// our invitation text is backfilled as a delivered sent message
	sent, err := m.GetSentMessages(MessageQuery{Limit: -1, SortBy: SortSentAt})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, "hello bob", sent[0].Message)
	require.Len(t, sent[0].To, 1)
	require.True(t, sent[0].To[0].Delivered)

	// their invitation text shows up as a delivered received message
	received, err := m.GetReceivedMessages(MessageQuery{Limit: -1, DeliveryStatus: DeliveryDelivered})
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.Equal(t, "hello from bob", received[0].Message)
	require.False(t, received[0].Seen)
}

func TestRemoveOutgoingAsyncInvitation(t *testing.T) {
	m, _ := testManager(t)
	register(t, m)

	peer, err := GenerateRegistrationFragment(2)
	require.NoError(t, err)
	_, err = m.AddOutgoingAsyncInvitation("bob", "Bob", peer.PublicID, "hello", testKeys())
	require.NoError(t, err)

	require.NoError(t, m.RemoveOutgoingAsyncInvitation(peer.PublicID))
	space, err := m.HasSpaceForAsyncInvitations()
	require.NoError(t, err)
	require.True(t, space)
	friends, err := m.GetFriendsIncludingOutgoing()
	require.NoError(t, err)
	require.Len(t, friends, 0)
	_, err = m.ChunkToSend(nil)
	require.Equal(t, CodeNotFound, CodeOf(err))

	err = m.RemoveOutgoingAsyncInvitation(peer.PublicID)
	require.Equal(t, CodeNotFound, CodeOf(err))
}

func TestIncomingInvitationAcceptAndDeny(t *testing.T) {
	m, cl := testManager(t)

	id := newPublicID(t)
	require.NoError(t, m.AddIncomingAsyncInvitation(id, "let me in"))
	invitations, err := m.GetIncomingInvitations()
	require.NoError(t, err)
	require.Len(t, invitations, 1)
	invitedAt := invitations[0].ReceivedAt

	// refreshing an existing invitation updates the message
	cl.AdvanceMs(1000)
	require.NoError(t, m.AddIncomingAsyncInvitation(id, "let me in please"))
	invitations, err = m.GetIncomingInvitations()
	require.NoError(t, err)
	require.Len(t, invitations, 1)
	require.Equal(t, "let me in please", invitations[0].Message)
	require.Greater(t, invitations[0].ReceivedAt, invitedAt)

	cl.AdvanceMs(1000)
	friend, err := m.AcceptIncomingInvitation(id, "carol", "Carol", testKeys())
	require.NoError(t, err)
	require.Equal(t, ProgressComplete, friend.Progress)

	received, err := m.GetReceivedMessages(MessageQuery{Limit: -1, SortBy: SortReceivedAt})
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.Equal(t, "let me in please", received[0].Message)
	require.Equal(t, invitations[0].ReceivedAt, received[0].ReceivedAt)
	require.NotNil(t, received[0].DeliveredAt)
	require.Greater(t, *received[0].DeliveredAt, received[0].ReceivedAt)

	// a second invitation from a now-complete friend is ignored
	require.NoError(t, m.AddIncomingAsyncInvitation(id, "again"))
	invitations, err = m.GetIncomingInvitations()
	require.NoError(t, err)
	require.Len(t, invitations, 0)

	err = m.DenyIncomingInvitation(id)
	require.Equal(t, CodeNotFound, CodeOf(err))

	id2 := newPublicID(t)
	require.NoError(t, m.AddIncomingAsyncInvitation(id2, "me too"))
	require.NoError(t, m.DenyIncomingInvitation(id2))
	invitations, err = m.GetIncomingInvitations()
	require.NoError(t, err)
	require.Len(t, invitations, 0)
}

func TestReceiveAckCompletesAsyncInvitation(t *testing.T) {
	m, _ := testManager(t)
	register(t, m)

	peer, err := GenerateRegistrationFragment(2)
	require.NoError(t, err)
	friend, err := m.AddOutgoingAsyncInvitation("bob", "Bob", peer.PublicID, "hello bob", testKeys())
	require.NoError(t, err)

	novel, err := m.ReceiveAck(friend.UID, 1)
	require.NoError(t, err)
	require.True(t, novel)

	f, err := m.GetFriend("bob")
	require.NoError(t, err)
	require.Equal(t, ProgressComplete, f.Progress)

	// the acked invitation chunk is gone
	_, err = m.ChunkToSend(nil)
	require.Equal(t, CodeNotFound, CodeOf(err))

	novel, err = m.ReceiveAck(friend.UID, 1)
	require.NoError(t, err)
	require.False(t, novel)
}
