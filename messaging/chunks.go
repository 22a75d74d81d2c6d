package messaging

import (
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// IncomingChunk is one fragment of a friend's chunk stream, already unsealed
// by the transport layer.
type IncomingChunk struct {
	FromFriend                int64
	SequenceNumber            int64
	ChunksStartSequenceNumber int64
	NumChunks                 int
	Content                   string
}

// OutgoingChunk is the next fragment to hand to the transport for a friend.
type OutgoingChunk struct {
	ToFriend                  int64
	SequenceNumber            int64
	ChunksStartSequenceNumber int64
	MessageUID                *int64
	Content                   string
	System                    bool
	SystemMessage             SystemMessage
	SystemMessageData         string
	WriteKey                  []byte
	NumChunks                 int
}

// OutgoingAck tells the transport what to acknowledge on a friend's behalf.
type OutgoingAck struct {
	FriendUID int64
	AckSeqnum int64
	WriteKey  []byte
	AckIndex  int
}

// nextSeqnum returns the sequence number for a friend's next outgoing chunk:
// one past the last pending chunk, or one past the last acked seqnum when
// nothing is pending.
func (m *Manager) nextSeqnum(friendUID int64) (int64, error) {
	t, err := m.transmissionFor(friendUID)
	if err != nil {
		return 0, err
	}
	var maxSeq sql.NullInt64
	if err := m.db.Tx.Get(&maxSeq, "SELECT MAX(sequence_number) FROM outgoing_chunk WHERE to_friend = ?", friendUID); err != nil {
		return 0, fmt.Errorf("messaging: error getting max sequence number: %w", err)
	}
	if maxSeq.Valid {
		return maxSeq.Int64 + 1, nil
	}
	return t.SentAckedSeqnum + 1, nil
}

func (m *Manager) insertSystemChunk(friendUID int64, sm SystemMessage, data string) error {
	seq, err := m.nextSeqnum(friendUID)
	if err != nil {
		return err
	}
	if _, err := m.db.Tx.Exec(`
		INSERT INTO outgoing_chunk
		(to_friend, sequence_number, chunks_start_sequence_number, message_uid, content, system, system_message, system_message_data)
		VALUES (?, ?, ?, NULL, '', TRUE, ?, ?)`,
		friendUID, seq, seq, sm, data); err != nil {
		return fmt.Errorf("messaging: error inserting system chunk: %w", err)
	}
	return nil
}

// updateSequenceNumber advances received_seqnum only for the next expected
// chunk. Anything at or below the watermark is a replay, anything past the
// watermark plus one is accepted but leaves the watermark alone so the gap
// can still be filled.
func (m *Manager) updateSequenceNumber(fromFriend, seq int64) (bool, error) {
	t, err := m.transmissionFor(fromFriend)
	if err != nil {
		return false, err
	}
	if seq <= t.ReceivedSeqnum {
		return false, nil
	}
	if seq == t.ReceivedSeqnum+1 {
		if _, err := m.db.Tx.Exec("UPDATE transmission SET received_seqnum = ? WHERE friend_uid = ?", seq, fromFriend); err != nil {
			return false, fmt.Errorf("messaging: error updating received seqnum: %w", err)
		}
	} else {
		m.log.Debugf("chunk %d from friend %d arrived ahead of watermark %d", seq, fromFriend, t.ReceivedSeqnum)
	}
	return true, nil
}

// ReceiveChunk buffers one fragment and reassembles the message when the
// last fragment lands. Replayed fragments are reported as old and change
// nothing.
func (m *Manager) ReceiveChunk(chunk IncomingChunk) (ReceiveChunkStatus, error) {
	if chunk.NumChunks <= 0 {
		return ChunkStatusOld, newError(CodeInvalidArgument, "num chunks must be positive, got %d", chunk.NumChunks)
	}
	status := ChunkStatusOld
	err := m.mutate(fmt.Sprintf("receiving chunk %d from %d", chunk.SequenceNumber, chunk.FromFriend), func() error {
		novel, err := m.updateSequenceNumber(chunk.FromFriend, chunk.SequenceNumber)
		if err != nil {
			return err
		}
		if !novel {
			status = ChunkStatusOld
			return nil
		}
		var count int
		if err := m.db.Tx.Get(&count, "SELECT COUNT(*) FROM incoming_chunk WHERE from_friend = ? AND sequence_number = ?",
			chunk.FromFriend, chunk.SequenceNumber); err != nil {
			return fmt.Errorf("messaging: error checking for buffered chunk: %w", err)
		}
		if count > 0 {
			status = ChunkStatusOld
			return nil
		}

		var messageUID int64
		err = m.db.Tx.Get(&messageUID, `
			SELECT message_uid FROM incoming_chunk
			WHERE from_friend = ? AND chunks_start_sequence_number = ? LIMIT 1`,
			chunk.FromFriend, chunk.ChunksStartSequenceNumber)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			messageUID, err = m.insertMessage("")
			if err != nil {
				return err
			}
			if _, err := m.db.Tx.Exec(`
				INSERT INTO received (uid, from_friend, num_chunks, received_at, delivered, delivered_at, other_recipients, seen)
				VALUES (?, ?, ?, ?, FALSE, NULL, '', FALSE)`,
				messageUID, chunk.FromFriend, chunk.NumChunks, m.clock.CurrentTimeMicro()); err != nil {
				return fmt.Errorf("messaging: error inserting received record: %w", err)
			}
		case err != nil:
			return fmt.Errorf("messaging: error looking up buffered message: %w", err)
		}

		if _, err := m.db.Tx.Exec(`
			INSERT INTO incoming_chunk (from_friend, sequence_number, chunks_start_sequence_number, message_uid, content)
			VALUES (?, ?, ?, ?, ?)`,
			chunk.FromFriend, chunk.SequenceNumber, chunk.ChunksStartSequenceNumber, messageUID, chunk.Content); err != nil {
			return fmt.Errorf("messaging: error inserting incoming chunk: %w", err)
		}

		rec := &receivedRow{}
		if err := m.db.Tx.Get(rec, "SELECT * FROM received WHERE uid = ?", messageUID); err != nil {
			return fmt.Errorf("messaging: error getting received record: %w", err)
		}
		var buffered int
		if err := m.db.Tx.Get(&buffered, "SELECT COUNT(*) FROM incoming_chunk WHERE message_uid = ?", messageUID); err != nil {
			return fmt.Errorf("messaging: error counting buffered chunks: %w", err)
		}
		if buffered < rec.NumChunks {
			status = ChunkStatusNew
			return nil
		}

		contents := []string{}
		if err := m.db.Tx.Select(&contents,
			"SELECT content FROM incoming_chunk WHERE message_uid = ? ORDER BY sequence_number", messageUID); err != nil {
			return fmt.Errorf("messaging: error selecting buffered chunks: %w", err)
		}
		var body []byte
		for _, c := range contents {
			body = append(body, c...)
		}
		wire, err := m.codec.Deserialize(body)
		if err != nil {
			return err
		}
		if _, err := m.db.Tx.Exec("UPDATE message SET content = ? WHERE uid = ?", wire.Message, messageUID); err != nil {
			return fmt.Errorf("messaging: error storing message body: %w", err)
		}
		if _, err := m.db.Tx.Exec(
			"UPDATE received SET delivered = TRUE, delivered_at = ?, other_recipients = ? WHERE uid = ?",
			m.clock.CurrentTimeMicro(), joinRecipients(wire.OtherRecipients), messageUID); err != nil {
			return fmt.Errorf("messaging: error marking message delivered: %w", err)
		}
		if _, err := m.db.Tx.Exec("DELETE FROM incoming_chunk WHERE message_uid = ?", messageUID); err != nil {
			return fmt.Errorf("messaging: error deleting buffered chunks: %w", err)
		}
		m.emit(MessageReceived{UID: messageUID})
		status = ChunkStatusNewMessage
		return nil
	})
	if err != nil {
		return ChunkStatusOld, err
	}
	return status, nil
}

// ReceiveAck processes a friend's cumulative ack. It returns true when the
// ack moved the watermark forward. A regressing ack is logged and ignored,
// the transport can replay old rounds.
func (m *Manager) ReceiveAck(friendUID, ack int64) (bool, error) {
	novel := false
	err := m.mutate(fmt.Sprintf("receiving ack %d from %d", ack, friendUID), func() error {
		t, err := m.transmissionFor(friendUID)
		if err != nil {
			return err
		}
		if ack <= t.SentAckedSeqnum {
			if ack < t.SentAckedSeqnum {
				m.log.Warnf("ack %d from friend %d is behind watermark %d", ack, friendUID, t.SentAckedSeqnum)
			}
			return nil
		}

		ackedSystem := []outgoingChunkRow{}
		if err := m.db.Tx.Select(&ackedSystem, `
			SELECT * FROM outgoing_chunk
			WHERE to_friend = ? AND sequence_number > ? AND sequence_number <= ? AND system AND system_message = ?`,
			friendUID, t.SentAckedSeqnum, ack, SystemMessageOutgoingInvitation); err != nil {
			return fmt.Errorf("messaging: error selecting acked system chunks: %w", err)
		}
		for range ackedSystem {
			// an acked invitation chunk means they hold our public id now
			if err := m.completeOutgoingAsyncFriend(friendUID); err != nil {
				return err
			}
		}

		if _, err := m.db.Tx.Exec("UPDATE transmission SET sent_acked_seqnum = ? WHERE friend_uid = ?", ack, friendUID); err != nil {
			return fmt.Errorf("messaging: error updating acked seqnum: %w", err)
		}
		if _, err := m.db.Tx.Exec("DELETE FROM outgoing_chunk WHERE to_friend = ? AND sequence_number <= ?", friendUID, ack); err != nil {
			return fmt.Errorf("messaging: error deleting acked chunks: %w", err)
		}

		newlyDelivered := []sentFriendRow{}
		if err := m.db.Tx.Select(&newlyDelivered, `
			SELECT * FROM sent_friend sf
			WHERE sf.to_friend = ? AND NOT sf.delivered
			AND NOT EXISTS (SELECT 1 FROM outgoing_chunk oc WHERE oc.to_friend = sf.to_friend AND oc.message_uid = sf.sent_uid)`,
			friendUID); err != nil {
			return fmt.Errorf("messaging: error selecting newly delivered messages: %w", err)
		}
		now := m.clock.CurrentTimeMicro()
		for i, sf := range newlyDelivered {
			// offset keeps delivery timestamps unique within the batch
			if _, err := m.db.Tx.Exec(
				"UPDATE sent_friend SET delivered = TRUE, delivered_at = ? WHERE sent_uid = ? AND to_friend = ?",
				now+int64(i), sf.SentUID, sf.ToFriend); err != nil {
				return fmt.Errorf("messaging: error marking message delivered: %w", err)
			}
			m.emit(MessageDelivered{UID: sf.SentUID})
		}
		novel = true
		return nil
	})
	return novel, err
}

// QueueMessageToSend fans a message out to every recipient as an
// independently chunked copy of the wire encoding. All recipients must be
// complete friends. Returns the uid of the sent message.
func (m *Manager) QueueMessageToSend(toUniqueNames []string, message string, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		return 0, newError(CodeInvalidArgument, "chunk size must be positive, got %d", chunkSize)
	}
	if len(toUniqueNames) == 0 {
		return 0, newError(CodeInvalidArgument, "no recipients")
	}
	seen := make(map[string]bool, len(toUniqueNames))
	for _, name := range toUniqueNames {
		if seen[name] {
			return 0, newError(CodeInvalidArgument, "duplicate recipient %s", name)
		}
		seen[name] = true
	}
	var messageUID int64
	err := m.mutate("queueing message", func() error {
		type recipient struct {
			friend   *friendRow
			publicID string
		}
		recipients := make([]recipient, 0, len(toUniqueNames))
		for _, name := range toUniqueNames {
			f, err := m.friendByUniqueName(name)
			if err != nil {
				return err
			}
			if f.InvitationProgress != ProgressComplete {
				return newError(CodeInvalidArgument, "friend %s is not complete yet", name)
			}
			cf := &completeFriendRow{}
			if err := m.db.Tx.Get(cf, "SELECT * FROM complete_friend WHERE friend_uid = ?", f.UID); err != nil {
				return fmt.Errorf("messaging: error getting complete friend %s: %w", name, err)
			}
			recipients = append(recipients, recipient{friend: f, publicID: cf.PublicID})
		}

		var err error
		messageUID, err = m.insertMessage(message)
		if err != nil {
			return err
		}
		if _, err := m.db.Tx.Exec("INSERT INTO sent (uid, sent_at) VALUES (?, ?)", messageUID, m.clock.CurrentTimeMicro()); err != nil {
			return fmt.Errorf("messaging: error inserting sent record: %w", err)
		}

		for i, r := range recipients {
			others := make([]string, 0, len(recipients)-1)
			for j, other := range recipients {
				if j != i {
					others = append(others, other.publicID)
				}
			}
			wire, err := m.codec.Serialize(&WireMessage{Message: message, OtherRecipients: others})
			if err != nil {
				return err
			}
			numChunks := (len(wire) + chunkSize - 1) / chunkSize
			start, err := m.nextSeqnum(r.friend.UID)
			if err != nil {
				return err
			}
			for c := 0; c < numChunks; c++ {
				end := (c + 1) * chunkSize
				if end > len(wire) {
					end = len(wire)
				}
				if _, err := m.db.Tx.Exec(`
					INSERT INTO outgoing_chunk
					(to_friend, sequence_number, chunks_start_sequence_number, message_uid, content, system, system_message, system_message_data)
					VALUES (?, ?, ?, ?, ?, FALSE, 0, '')`,
					r.friend.UID, start+int64(c), start, messageUID, string(wire[c*chunkSize:end])); err != nil {
					return fmt.Errorf("messaging: error inserting outgoing chunk: %w", err)
				}
			}
			if _, err := m.db.Tx.Exec(`
				INSERT INTO sent_friend (sent_uid, to_friend, num_chunks, delivered, delivered_at)
				VALUES (?, ?, ?, FALSE, NULL)`,
				messageUID, r.friend.UID, numChunks); err != nil {
				return fmt.Errorf("messaging: error inserting sent friend record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return messageUID, nil
}

// ChunkToSend picks the next chunk for the transport: the lowest pending
// sequence number of the first friend on the priority list with anything
// queued, or of a uniformly random friend when no priority matches.
func (m *Manager) ChunkToSend(priority []int64) (*OutgoingChunk, error) {
	type chunkHead struct {
		ToFriend       int64 `db:"to_friend"`
		SequenceNumber int64 `db:"sequence_number"`
	}
	var out *OutgoingChunk
	err := m.db.RunReadOnly("picking chunk to send", func() error {
		heads := []chunkHead{}
		if err := m.db.Tx.Select(&heads, `
			SELECT to_friend, MIN(sequence_number) AS sequence_number
			FROM outgoing_chunk GROUP BY to_friend ORDER BY to_friend`); err != nil {
			return fmt.Errorf("messaging: error selecting chunk heads: %w", err)
		}
		if len(heads) == 0 {
			return newError(CodeNotFound, "no chunks to send")
		}

		chosen := -1
		for _, p := range priority {
			if idx := slices.IndexFunc(heads, func(h chunkHead) bool { return h.ToFriend == p }); idx >= 0 {
				chosen = idx
				break
			}
		}
		if chosen < 0 {
			chosen = m.rand.Intn(len(heads))
		}

		row := &outgoingChunkRow{}
		if err := m.db.Tx.Get(row, "SELECT * FROM outgoing_chunk WHERE to_friend = ? AND sequence_number = ?",
			heads[chosen].ToFriend, heads[chosen].SequenceNumber); err != nil {
			return fmt.Errorf("messaging: error getting chunk: %w", err)
		}
		t, err := m.transmissionFor(row.ToFriend)
		if err != nil {
			return err
		}
		numChunks := 1
		if !row.System {
			sf := &sentFriendRow{}
			if err := m.db.Tx.Get(sf, "SELECT * FROM sent_friend WHERE sent_uid = ? AND to_friend = ?",
				*row.MessageUID, row.ToFriend); err != nil {
				return fmt.Errorf("messaging: error getting sent friend record: %w", err)
			}
			numChunks = sf.NumChunks
		}
		out = &OutgoingChunk{
			ToFriend:                  row.ToFriend,
			SequenceNumber:            row.SequenceNumber,
			ChunksStartSequenceNumber: row.ChunksStartSequenceNumber,
			MessageUID:                row.MessageUID,
			Content:                   row.Content,
			System:                    row.System,
			SystemMessage:             row.SystemMessage,
			SystemMessageData:         row.SystemMessageData,
			WriteKey:                  t.WriteKey,
			NumChunks:                 numChunks,
		}
		return nil
	})
	return out, err
}

// AcksToSend returns the cumulative ack for every non-deleted friend, one
// entry per leased ack slot.
func (m *Manager) AcksToSend() ([]*OutgoingAck, error) {
	var acks []*OutgoingAck
	err := m.db.RunReadOnly("collecting acks to send", func() error {
		rows := []transmissionRow{}
		if err := m.db.Tx.Select(&rows, `
			SELECT t.* FROM transmission t
			JOIN friend f ON f.uid = t.friend_uid
			WHERE NOT f.deleted ORDER BY t.friend_uid`); err != nil {
			return fmt.Errorf("messaging: error selecting transmissions: %w", err)
		}
		for i := range rows {
			acks = append(acks, &OutgoingAck{
				FriendUID: rows[i].FriendUID,
				AckSeqnum: rows[i].ReceivedSeqnum,
				WriteKey:  rows[i].WriteKey,
				AckIndex:  rows[i].AckIndex,
			})
		}
		return nil
	})
	return acks, err
}
