package messaging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueMessageFanOut(t *testing.T) {
	m, _ := testManager(t)

	alice := addCompleteFriend(t, m, "alice")
	bob := addCompleteFriend(t, m, "bob")

	_, err := m.QueueMessageToSend([]string{"alice", "bob"}, "a reasonably long message that spans several chunks", 16)
	require.NoError(t, err)

	aliceChunk, err := m.ChunkToSend([]int64{alice.UID})
	require.NoError(t, err)
	require.Equal(t, alice.UID, aliceChunk.ToFriend)
	require.Equal(t, int64(1), aliceChunk.SequenceNumber)
	require.Equal(t, int64(1), aliceChunk.ChunksStartSequenceNumber)
	require.False(t, aliceChunk.System)
	require.Greater(t, aliceChunk.NumChunks, 1)
	require.Len(t, aliceChunk.Content, 16)

	bobChunk, err := m.ChunkToSend([]int64{bob.UID})
	require.NoError(t, err)
	require.Equal(t, bob.UID, bobChunk.ToFriend)

	// acking alice's copy delivers to alice but not bob
	_, err = m.ReceiveAck(alice.UID, int64(aliceChunk.NumChunks))
	require.NoError(t, err)

	sent, err := m.GetSentMessages(MessageQuery{Limit: -1, SortBy: SortSentAt})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Len(t, sent[0].To, 2)
	byName := map[string]*SentRecipient{}
	for _, r := range sent[0].To {
		byName[r.UniqueName] = r
	}
	require.True(t, byName["alice"].Delivered)
	require.False(t, byName["bob"].Delivered)

	undelivered, err := m.GetSentMessages(MessageQuery{Limit: -1, DeliveryStatus: DeliveryUndelivered})
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	delivered, err := m.GetSentMessages(MessageQuery{Limit: -1, DeliveryStatus: DeliveryDelivered})
	require.NoError(t, err)
	require.Len(t, delivered, 0)

	_, err = m.ReceiveAck(bob.UID, int64(bobChunk.NumChunks))
	require.NoError(t, err)
	delivered, err = m.GetSentMessages(MessageQuery{Limit: -1, DeliveryStatus: DeliveryDelivered})
	require.NoError(t, err)
	require.Len(t, delivered, 1)
}

func TestQueueMessageValidation(t *testing.T) {
	m, _ := testManager(t)
	register(t, m)
	addCompleteFriend(t, m, "alice")

	_, err := m.QueueMessageToSend([]string{"alice"}, "hi", 0)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
	_, err = m.QueueMessageToSend(nil, "hi", 100)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
	_, err = m.QueueMessageToSend([]string{"nobody"}, "hi", 100)
	require.Equal(t, CodeNotFound, CodeOf(err))
	_, err = m.QueueMessageToSend([]string{"alice", "alice"}, "hi", 100)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))

	// an outgoing invitation is not a sendable friend yet
	peer, err := GenerateRegistrationFragment(2)
	require.NoError(t, err)
	_, err = m.AddOutgoingAsyncInvitation("bob", "Bob", peer.PublicID, "hello", testKeys())
	require.NoError(t, err)
	_, err = m.QueueMessageToSend([]string{"bob"}, "hi", 100)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestReceiveChunkReassembly(t *testing.T) {
	m, _ := testManager(t)

	charlie := addCompleteFriend(t, m, "charlie")
	stranger := newPublicID(t)

	wire, err := m.codec.Serialize(&WireMessage{Message: "hello from charlie", OtherRecipients: []string{stranger}})
	require.NoError(t, err)
	third := len(wire) / 3
	parts := []string{string(wire[:third]), string(wire[third : 2*third]), string(wire[2*third:])}

	chunkAt := func(seq int64, content string) IncomingChunk {
		return IncomingChunk{
			FromFriend:                charlie.UID,
			SequenceNumber:            seq,
			ChunksStartSequenceNumber: 1,
			NumChunks:                 3,
			Content:                   content,
		}
	}

	status, err := m.ReceiveChunk(chunkAt(1, parts[0]))
	require.NoError(t, err)
	require.Equal(t, ChunkStatusNew, status)

	// replaying the same fragment changes nothing
	status, err = m.ReceiveChunk(chunkAt(1, parts[0]))
	require.NoError(t, err)
	require.Equal(t, ChunkStatusOld, status)

	// a fragment past the watermark is buffered without advancing it
	status, err = m.ReceiveChunk(chunkAt(3, parts[2]))
	require.NoError(t, err)
	require.Equal(t, ChunkStatusNew, status)
	status, err = m.ReceiveChunk(chunkAt(3, parts[2]))
	require.NoError(t, err)
	require.Equal(t, ChunkStatusOld, status)

	status, err = m.ReceiveChunk(chunkAt(2, parts[1]))
	require.NoError(t, err)
	require.Equal(t, ChunkStatusNewMessage, status)

	received, err := m.GetReceivedMessages(MessageQuery{Limit: -1, SortBy: SortReceivedAt})
	require.NoError(t, err)
	var msg *ReceivedMessage
	for _, r := range received {
		if r.Message == "hello from charlie" {
			msg = r
		}
	}
	require.NotNil(t, msg)
	require.True(t, msg.Delivered)
	require.Equal(t, 3, msg.NumChunks)
	require.Len(t, msg.OtherRecipients, 1)
	require.Equal(t, stranger, msg.OtherRecipients[0].PublicID)
	require.Empty(t, msg.OtherRecipients[0].UniqueName)

	// the watermark only advanced through the contiguous prefix
	acks, err := m.AcksToSend()
	require.NoError(t, err)
	require.Equal(t, int64(2), acks[0].AckSeqnum)
}

func TestReceiveAckMonotonicity(t *testing.T) {
	m, _ := testManager(t)

	dave := addCompleteFriend(t, m, "dave")
	_, err := m.QueueMessageToSend([]string{"dave"}, "first", 10000)
	require.NoError(t, err)
	_, err = m.QueueMessageToSend([]string{"dave"}, "second", 10000)
	require.NoError(t, err)

	novel, err := m.ReceiveAck(dave.UID, 2)
	require.NoError(t, err)
	require.True(t, novel)

	// both messages delivered in one batch get distinct timestamps
	sent, err := m.GetSentMessages(MessageQuery{Limit: -1, SortBy: SortSentAt})
	require.NoError(t, err)
	require.Len(t, sent, 2)
	require.True(t, sent[0].To[0].Delivered)
	require.True(t, sent[1].To[0].Delivered)
	require.NotEqual(t, *sent[0].To[0].DeliveredAt, *sent[1].To[0].DeliveredAt)

	// regressing and repeated acks are ignored
	novel, err = m.ReceiveAck(dave.UID, 1)
	require.NoError(t, err)
	require.False(t, novel)
	novel, err = m.ReceiveAck(dave.UID, 2)
	require.NoError(t, err)
	require.False(t, novel)

	// seqnums continue past the acked watermark
	_, err = m.QueueMessageToSend([]string{"dave"}, "third", 10000)
	require.NoError(t, err)
	chunk, err := m.ChunkToSend(nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), chunk.SequenceNumber)
}

func TestChunkToSendPriority(t *testing.T) {
	m, _ := testManager(t)

	alice := addCompleteFriend(t, m, "alice")
	bob := addCompleteFriend(t, m, "bob")

	_, err := m.QueueMessageToSend([]string{"alice"}, "to alice", 10000)
	require.NoError(t, err)
	_, err = m.QueueMessageToSend([]string{"bob"}, "to bob", 10000)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		chunk, err := m.ChunkToSend([]int64{bob.UID})
		require.NoError(t, err)
		require.Equal(t, bob.UID, chunk.ToFriend)
	}

	// an unknown priority uid falls back to a random eligible friend
	chunk, err := m.ChunkToSend([]int64{99999})
	require.NoError(t, err)
	require.Contains(t, []int64{alice.UID, bob.UID}, chunk.ToFriend)
}
