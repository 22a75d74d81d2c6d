package messaging

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"

	"github.com/burrow-im/go-burrow/ids"
)

type OutgoingSyncInvitation struct {
	UniqueName  string
	DisplayName string
	Story       string
	KxPublicKey []byte
	SentAt      int64
}

type OutgoingAsyncInvitation struct {
	UniqueName  string
	DisplayName string
	PublicID    string
	Message     string
	SentAt      int64
}

type IncomingInvitation struct {
	PublicID   string
	Message    string
	ReceivedAt int64
}

const maxOutstandingAsyncInvitations = 1

func (m *Manager) hasSpaceForAsyncInvitations() (bool, error) {
	var count int
	if err := m.db.Tx.Get(&count, "SELECT COUNT(*) FROM outgoing_async_invitation"); err != nil {
		return false, fmt.Errorf("messaging: error counting async invitations: %w", err)
	}
	return count < maxOutstandingAsyncInvitations, nil
}

func (m *Manager) HasSpaceForAsyncInvitations() (bool, error) {
	var space bool
	err := m.db.RunReadOnly("checking async invitation space", func() error {
		var err error
		space, err = m.hasSpaceForAsyncInvitations()
		return err
	})
	return space, err
}

func (m *Manager) myPublicID() (string, error) {
	r, err := m.registrationRow()
	if err != nil {
		return "", err
	}
	return r.PublicID, nil
}

// AddOutgoingSyncInvitation records an in-person invitation. The story is
// the shared phrase exchanged face to face, the kx public key comes from
// decoding it outside this module.
func (m *Manager) AddOutgoingSyncInvitation(uniqueName, displayName, story string, kxPublicKey []byte, keys TransmissionKeys) (*Friend, error) {
	var friend *Friend
	err := m.mutate(fmt.Sprintf("adding sync invitation for %s", uniqueName), func() error {
		publicID, err := m.myPublicID()
		if err != nil {
			return err
		}
		if err := m.canAddFriend(uniqueName, kxPublicKey); err != nil {
			return err
		}
		res, err := m.db.Tx.Exec(
			"INSERT INTO friend (unique_name, display_name, invitation_progress, deleted) VALUES (?, ?, ?, FALSE)",
			uniqueName, displayName, ProgressOutgoingSync)
		if err != nil {
			return fmt.Errorf("messaging: error inserting friend: %w", err)
		}
		friendUID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("messaging: error getting friend uid: %w", err)
		}
		if _, err := m.db.Tx.Exec(
			"INSERT INTO outgoing_sync_invitation (friend_uid, story, kx_public_key, sent_at) VALUES (?, ?, ?, ?)",
			friendUID, story, kxPublicKey, m.clock.CurrentTimeMicro()); err != nil {
			return fmt.Errorf("messaging: error inserting sync invitation: %w", err)
		}
		if err := m.createTransmissionRecord(friendUID, keys); err != nil {
			return err
		}
		if err := m.insertSystemChunk(friendUID, SystemMessageOutgoingInvitation, publicID); err != nil {
			return err
		}
		friend = &Friend{UID: friendUID, UniqueName: uniqueName, DisplayName: displayName, Progress: ProgressOutgoingSync}
		return nil
	})
	return friend, err
}

// AddOutgoingAsyncInvitation invites someone by their public ID alone. Only
// one async invitation may be outstanding at a time, the invitation slot on
// the server holds a single entry.
func (m *Manager) AddOutgoingAsyncInvitation(uniqueName, displayName, publicID, message string, keys TransmissionKeys) (*Friend, error) {
	kxPublicKey, invitationPublicKey, err := ids.DecodePublicID(publicID)
	if err != nil {
		return nil, wrapError(CodeInvalidArgument, err, "malformed public id %s", publicID)
	}
	var friend *Friend
	err = m.mutate(fmt.Sprintf("adding async invitation for %s", uniqueName), func() error {
		myID, err := m.myPublicID()
		if err != nil {
			return err
		}
		space, err := m.hasSpaceForAsyncInvitations()
		if err != nil {
			return err
		}
		if !space {
			return newError(CodeResourceExhausted, "an async invitation is already outstanding")
		}
		var count int
		if err := m.db.Tx.Get(&count, "SELECT COUNT(*) FROM incoming_invitation WHERE public_id = ?", publicID); err != nil {
			return fmt.Errorf("messaging: error checking incoming invitations: %w", err)
		}
		if count > 0 {
			return newError(CodeAlreadyExists, "incoming invitation from %s exists, accept it instead", publicID)
		}
		if err := m.canAddFriend(uniqueName, kxPublicKey); err != nil {
			return err
		}
		res, err := m.db.Tx.Exec(
			"INSERT INTO friend (unique_name, display_name, invitation_progress, deleted) VALUES (?, ?, ?, FALSE)",
			uniqueName, displayName, ProgressOutgoingAsync)
		if err != nil {
			return fmt.Errorf("messaging: error inserting friend: %w", err)
		}
		friendUID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("messaging: error getting friend uid: %w", err)
		}
		if _, err := m.db.Tx.Exec(`
			INSERT INTO outgoing_async_invitation (friend_uid, public_id, invitation_public_key, kx_public_key, message, sent_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			friendUID, publicID, invitationPublicKey, kxPublicKey, message, m.clock.CurrentTimeMicro()); err != nil {
			return fmt.Errorf("messaging: error inserting async invitation: %w", err)
		}
		if err := m.createTransmissionRecord(friendUID, keys); err != nil {
			return err
		}
		if err := m.insertSystemChunk(friendUID, SystemMessageOutgoingInvitation, myID); err != nil {
			return err
		}
		friend = &Friend{UID: friendUID, UniqueName: uniqueName, DisplayName: displayName, Progress: ProgressOutgoingAsync}
		return nil
	})
	return friend, err
}

// RemoveOutgoingAsyncInvitation withdraws an un-accepted async invitation
// entirely, unlike DeleteFriend this leaves no trace.
func (m *Manager) RemoveOutgoingAsyncInvitation(publicID string) error {
	return m.mutate("removing async invitation", func() error {
		inv := &outgoingAsyncInvitationRow{}
		if err := m.db.Tx.Get(inv, "SELECT * FROM outgoing_async_invitation WHERE public_id = ?", publicID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return newError(CodeNotFound, "no async invitation for %s", publicID)
			}
			return fmt.Errorf("messaging: error getting async invitation: %w", err)
		}
		for _, stmt := range []string{
			"DELETE FROM outgoing_chunk WHERE to_friend = ?",
			"DELETE FROM transmission WHERE friend_uid = ?",
			"DELETE FROM outgoing_async_invitation WHERE friend_uid = ?",
			"DELETE FROM friend WHERE uid = ?",
		} {
			if _, err := m.db.Tx.Exec(stmt, inv.FriendUID); err != nil {
				return fmt.Errorf("messaging: error removing async invitation: %w", err)
			}
		}
		return nil
	})
}

// AddIncomingAsyncInvitation files an invitation fetched from the server.
// If it crosses with one of our own outgoing async invitations to the same
// person, the friendship completes immediately and the invitation text is
// filed as their first message.
func (m *Manager) AddIncomingAsyncInvitation(publicID, message string) error {
	return m.mutate("adding incoming invitation", func() error {
		now := m.clock.CurrentTimeMicro()

		var count int
		if err := m.db.Tx.Get(&count, "SELECT COUNT(*) FROM incoming_invitation WHERE public_id = ?", publicID); err != nil {
			return fmt.Errorf("messaging: error checking incoming invitations: %w", err)
		}
		if count > 0 {
			if _, err := m.db.Tx.Exec(
				"UPDATE incoming_invitation SET message = ?, received_at = ? WHERE public_id = ?",
				message, now, publicID); err != nil {
				return fmt.Errorf("messaging: error refreshing incoming invitation: %w", err)
			}
			return nil
		}

		if err := m.db.Tx.Get(&count, `
			SELECT COUNT(*) FROM complete_friend cf
			JOIN friend f ON f.uid = cf.friend_uid
			WHERE cf.public_id = ? AND NOT f.deleted`, publicID); err != nil {
			return fmt.Errorf("messaging: error checking complete friends: %w", err)
		}
		if count > 0 {
			m.log.Debugf("ignoring invitation from existing friend %s", publicID)
			return nil
		}

		inv := &outgoingAsyncInvitationRow{}
		err := m.db.Tx.Get(inv, "SELECT * FROM outgoing_async_invitation WHERE public_id = ?", publicID)
		switch {
		case err == nil:
			if err := m.completeOutgoingAsyncFriend(inv.FriendUID); err != nil {
				return err
			}
			messageUID, err := m.insertMessage(message)
			if err != nil {
				return err
			}
			if _, err := m.db.Tx.Exec(`
				INSERT INTO received (uid, from_friend, num_chunks, received_at, delivered, delivered_at, other_recipients, seen)
				VALUES (?, ?, 1, ?, TRUE, ?, '', FALSE)`,
				messageUID, inv.FriendUID, now, now); err != nil {
				return fmt.Errorf("messaging: error inserting received message: %w", err)
			}
			m.emit(MessageReceived{UID: messageUID})
			return nil
		case errors.Is(err, sql.ErrNoRows):
			if _, err := m.db.Tx.Exec(
				"INSERT INTO incoming_invitation (public_id, message, received_at) VALUES (?, ?, ?)",
				publicID, message, now); err != nil {
				return fmt.Errorf("messaging: error inserting incoming invitation: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("messaging: error checking async invitations: %w", err)
		}
	})
}

// AcceptIncomingInvitation turns a pending incoming invitation into a
// complete friend. The invitation text becomes their first received message,
// timestamped when the invitation arrived.
func (m *Manager) AcceptIncomingInvitation(publicID, uniqueName, displayName string, keys TransmissionKeys) (*Friend, error) {
	kxPublicKey, invitationPublicKey, err := ids.DecodePublicID(publicID)
	if err != nil {
		return nil, wrapError(CodeInvalidArgument, err, "malformed public id %s", publicID)
	}
	var friend *Friend
	err = m.mutate(fmt.Sprintf("accepting invitation from %s", publicID), func() error {
		inv := &incomingInvitationRow{}
		if err := m.db.Tx.Get(inv, "SELECT * FROM incoming_invitation WHERE public_id = ?", publicID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return newError(CodeNotFound, "no incoming invitation from %s", publicID)
			}
			return fmt.Errorf("messaging: error getting incoming invitation: %w", err)
		}
		if err := m.canAddFriend(uniqueName, kxPublicKey); err != nil {
			return err
		}
		now := m.clock.CurrentTimeMicro()
		res, err := m.db.Tx.Exec(
			"INSERT INTO friend (unique_name, display_name, invitation_progress, deleted) VALUES (?, ?, ?, FALSE)",
			uniqueName, displayName, ProgressComplete)
		if err != nil {
			return fmt.Errorf("messaging: error inserting friend: %w", err)
		}
		friendUID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("messaging: error getting friend uid: %w", err)
		}
		if _, err := m.db.Tx.Exec(`
			INSERT INTO complete_friend (friend_uid, public_id, invitation_public_key, kx_public_key, completed_at)
			VALUES (?, ?, ?, ?, ?)`,
			friendUID, publicID, invitationPublicKey, kxPublicKey, now); err != nil {
			return fmt.Errorf("messaging: error inserting complete friend: %w", err)
		}
		if _, err := m.db.Tx.Exec("DELETE FROM incoming_invitation WHERE public_id = ?", publicID); err != nil {
			return fmt.Errorf("messaging: error deleting incoming invitation: %w", err)
		}
		messageUID, err := m.insertMessage(inv.Message)
		if err != nil {
			return err
		}
		if _, err := m.db.Tx.Exec(`
			INSERT INTO received (uid, from_friend, num_chunks, received_at, delivered, delivered_at, other_recipients, seen)
			VALUES (?, ?, 1, ?, TRUE, ?, '', FALSE)`,
			messageUID, friendUID, inv.ReceivedAt, now); err != nil {
			return fmt.Errorf("messaging: error inserting received message: %w", err)
		}
		if err := m.createTransmissionRecord(friendUID, keys); err != nil {
			return err
		}
		friend = &Friend{UID: friendUID, UniqueName: uniqueName, DisplayName: displayName, Progress: ProgressComplete}
		m.emit(InvitationAccepted{FriendUID: friendUID})
		m.emit(MessageReceived{UID: messageUID})
		return nil
	})
	return friend, err
}

func (m *Manager) DenyIncomingInvitation(publicID string) error {
	return m.mutate(fmt.Sprintf("denying invitation from %s", publicID), func() error {
		res, err := m.db.Tx.Exec("DELETE FROM incoming_invitation WHERE public_id = ?", publicID)
		if err != nil {
			return fmt.Errorf("messaging: error deleting incoming invitation: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("messaging: error checking deleted rows: %w", err)
		}
		if affected == 0 {
			return newError(CodeNotFound, "no incoming invitation from %s", publicID)
		}
		return nil
	})
}

// ReceiveInvitationSystemMessage handles the control chunk a friend sends
// when they learn our address, completing whichever outgoing invitation it
// answers. A key mismatch aborts the whole transaction so the sequence
// number does not advance past an impostor.
func (m *Manager) ReceiveInvitationSystemMessage(fromFriend, sequenceNumber int64, publicID string) error {
	kxPublicKey, invitationPublicKey, err := ids.DecodePublicID(publicID)
	if err != nil {
		return wrapError(CodeInvalidArgument, err, "malformed public id %s", publicID)
	}
	return m.mutate(fmt.Sprintf("receiving invitation system message from %d", fromFriend), func() error {
		novel, err := m.updateSequenceNumber(fromFriend, sequenceNumber)
		if err != nil {
			return err
		}
		if !novel {
			return nil
		}
		f, err := m.friendByUID(fromFriend)
		if err != nil {
			return err
		}
		switch f.InvitationProgress {
		case ProgressOutgoingSync:
			inv := &outgoingSyncInvitationRow{}
			if err := m.db.Tx.Get(inv, "SELECT * FROM outgoing_sync_invitation WHERE friend_uid = ?", fromFriend); err != nil {
				return fmt.Errorf("messaging: error getting sync invitation: %w", err)
			}
			if !bytes.Equal(inv.KxPublicKey, kxPublicKey) {
				return newError(CodeInvalidArgument, "kx public key mismatch for friend %d", fromFriend)
			}
			return m.completeOutgoingSyncFriend(fromFriend, publicID, invitationPublicKey)
		case ProgressOutgoingAsync:
			inv := &outgoingAsyncInvitationRow{}
			if err := m.db.Tx.Get(inv, "SELECT * FROM outgoing_async_invitation WHERE friend_uid = ?", fromFriend); err != nil {
				return fmt.Errorf("messaging: error getting async invitation: %w", err)
			}
			if inv.PublicID != publicID {
				return newError(CodeInvalidArgument, "public id mismatch for friend %d", fromFriend)
			}
			return m.completeOutgoingAsyncFriend(fromFriend)
		case ProgressComplete:
			return nil
		default:
			return newError(CodeInternal, "invalid invitation progress %d for friend %d", f.InvitationProgress, fromFriend)
		}
	})
}

// completeOutgoingAsyncFriend is idempotent, it does nothing when the async
// invitation row is already gone. The invitation text is backfilled as our
// first sent message, dated when the invitation went out.
func (m *Manager) completeOutgoingAsyncFriend(friendUID int64) error {
	inv := &outgoingAsyncInvitationRow{}
	if err := m.db.Tx.Get(inv, "SELECT * FROM outgoing_async_invitation WHERE friend_uid = ?", friendUID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("messaging: error getting async invitation: %w", err)
	}
	now := m.clock.CurrentTimeMicro()
	if _, err := m.db.Tx.Exec("UPDATE friend SET invitation_progress = ? WHERE uid = ?", ProgressComplete, friendUID); err != nil {
		return fmt.Errorf("messaging: error updating friend progress: %w", err)
	}
	if _, err := m.db.Tx.Exec(`
		INSERT INTO complete_friend (friend_uid, public_id, invitation_public_key, kx_public_key, completed_at)
		VALUES (?, ?, ?, ?, ?)`,
		friendUID, inv.PublicID, inv.InvitationPublicKey, inv.KxPublicKey, now); err != nil {
		return fmt.Errorf("messaging: error inserting complete friend: %w", err)
	}
	if _, err := m.db.Tx.Exec("DELETE FROM outgoing_async_invitation WHERE friend_uid = ?", friendUID); err != nil {
		return fmt.Errorf("messaging: error deleting async invitation: %w", err)
	}
	messageUID, err := m.insertMessage(inv.Message)
	if err != nil {
		return err
	}
	if _, err := m.db.Tx.Exec("INSERT INTO sent (uid, sent_at) VALUES (?, ?)", messageUID, inv.SentAt); err != nil {
		return fmt.Errorf("messaging: error inserting sent record: %w", err)
	}
	if _, err := m.db.Tx.Exec(`
		INSERT INTO sent_friend (sent_uid, to_friend, num_chunks, delivered, delivered_at)
		VALUES (?, ?, 1, TRUE, ?)`, messageUID, friendUID, now); err != nil {
		return fmt.Errorf("messaging: error inserting sent friend record: %w", err)
	}
	m.emit(MessageDelivered{UID: messageUID})
	return nil
}

func (m *Manager) completeOutgoingSyncFriend(friendUID int64, publicID string, invitationPublicKey []byte) error {
	inv := &outgoingSyncInvitationRow{}
	if err := m.db.Tx.Get(inv, "SELECT * FROM outgoing_sync_invitation WHERE friend_uid = ?", friendUID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("messaging: error getting sync invitation: %w", err)
	}
	if _, err := m.db.Tx.Exec("UPDATE friend SET invitation_progress = ? WHERE uid = ?", ProgressComplete, friendUID); err != nil {
		return fmt.Errorf("messaging: error updating friend progress: %w", err)
	}
	if _, err := m.db.Tx.Exec(`
		INSERT INTO complete_friend (friend_uid, public_id, invitation_public_key, kx_public_key, completed_at)
		VALUES (?, ?, ?, ?, ?)`,
		friendUID, publicID, invitationPublicKey, inv.KxPublicKey, m.clock.CurrentTimeMicro()); err != nil {
		return fmt.Errorf("messaging: error inserting complete friend: %w", err)
	}
	if _, err := m.db.Tx.Exec("DELETE FROM outgoing_sync_invitation WHERE friend_uid = ?", friendUID); err != nil {
		return fmt.Errorf("messaging: error deleting sync invitation: %w", err)
	}
	return nil
}

func (m *Manager) GetOutgoingSyncInvitations() ([]*OutgoingSyncInvitation, error) {
	var invitations []*OutgoingSyncInvitation
	err := m.db.RunReadOnly("getting sync invitations", func() error {
		rows := []struct {
			outgoingSyncInvitationRow
			UniqueName  string `db:"unique_name"`
			DisplayName string `db:"display_name"`
		}{}
		if err := m.db.Tx.Select(&rows, `
			SELECT i.friend_uid, i.story, i.kx_public_key, i.sent_at, f.unique_name, f.display_name
			FROM outgoing_sync_invitation i JOIN friend f ON f.uid = i.friend_uid
			WHERE NOT f.deleted ORDER BY i.sent_at`); err != nil {
			return fmt.Errorf("messaging: error selecting sync invitations: %w", err)
		}
		for i := range rows {
			invitations = append(invitations, &OutgoingSyncInvitation{
				UniqueName:  rows[i].UniqueName,
				DisplayName: rows[i].DisplayName,
				Story:       rows[i].Story,
				KxPublicKey: rows[i].KxPublicKey,
				SentAt:      rows[i].SentAt,
			})
		}
		return nil
	})
	return invitations, err
}

func (m *Manager) GetOutgoingAsyncInvitations() ([]*OutgoingAsyncInvitation, error) {
	var invitations []*OutgoingAsyncInvitation
	err := m.db.RunReadOnly("getting async invitations", func() error {
		rows := []struct {
			outgoingAsyncInvitationRow
			UniqueName  string `db:"unique_name"`
			DisplayName string `db:"display_name"`
		}{}
		if err := m.db.Tx.Select(&rows, `
			SELECT i.friend_uid, i.public_id, i.invitation_public_key, i.kx_public_key, i.message, i.sent_at, f.unique_name, f.display_name
			FROM outgoing_async_invitation i JOIN friend f ON f.uid = i.friend_uid
			WHERE NOT f.deleted ORDER BY i.sent_at`); err != nil {
			return fmt.Errorf("messaging: error selecting async invitations: %w", err)
		}
		for i := range rows {
			invitations = append(invitations, &OutgoingAsyncInvitation{
				UniqueName:  rows[i].UniqueName,
				DisplayName: rows[i].DisplayName,
				PublicID:    rows[i].PublicID,
				Message:     rows[i].Message,
				SentAt:      rows[i].SentAt,
			})
		}
		return nil
	})
	return invitations, err
}

func (m *Manager) GetIncomingInvitations() ([]*IncomingInvitation, error) {
	var invitations []*IncomingInvitation
	err := m.db.RunReadOnly("getting incoming invitations", func() error {
		rows := []incomingInvitationRow{}
		if err := m.db.Tx.Select(&rows, "SELECT * FROM incoming_invitation ORDER BY received_at"); err != nil {
			return fmt.Errorf("messaging: error selecting incoming invitations: %w", err)
		}
		for i := range rows {
			invitations = append(invitations, &IncomingInvitation{
				PublicID:   rows[i].PublicID,
				Message:    rows[i].Message,
				ReceivedAt: rows[i].ReceivedAt,
			})
		}
		return nil
	})
	return invitations, err
}
