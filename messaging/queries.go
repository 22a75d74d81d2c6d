package messaging

import (
	"database/sql"
	"errors"
	"fmt"
)

type MessageFilter int

const (
	FilterAll MessageFilter = iota
	FilterNew
)

type DeliveryStatus int

const (
	DeliveryAll DeliveryStatus = iota
	DeliveryDelivered
	DeliveryUndelivered
)

type SortBy int

const (
	SortNone SortBy = iota
	SortSentAt
	SortReceivedAt
	SortDeliveredAt
)

// MessageQuery selects and orders messages. Limit of -1 means no limit.
// After is an exclusive timestamp cursor on the sort field, 0 disables it.
// Results are always newest first.
type MessageQuery struct {
	Limit          int
	Filter         MessageFilter
	DeliveryStatus DeliveryStatus
	SortBy         SortBy
	After          int64
}

// MaybeFriend names another recipient of a received message. UniqueName and
// DisplayName are empty when the public ID does not belong to a known friend.
type MaybeFriend struct {
	UniqueName  string
	DisplayName string
	PublicID    string
}

type ReceivedMessage struct {
	UID             int64
	Message         string
	FromUniqueName  string
	FromDisplayName string
	OtherRecipients []MaybeFriend
	NumChunks       int
	ReceivedAt      int64
	Delivered       bool
	DeliveredAt     *int64
	Seen            bool
}

type SentRecipient struct {
	UniqueName  string
	DisplayName string
	NumChunks   int
	Delivered   bool
	DeliveredAt *int64
}

type SentMessage struct {
	UID     int64
	Message string
	SentAt  int64
	To      []*SentRecipient
}

func (m *Manager) GetReceivedMessages(q MessageQuery) ([]*ReceivedMessage, error) {
	switch q.SortBy {
	case SortNone, SortReceivedAt, SortDeliveredAt:
	case SortSentAt:
		return nil, newError(CodeInvalidArgument, "cannot sort received messages by sent_at")
	default:
		return nil, newError(CodeInvalidArgument, "invalid sort %d", q.SortBy)
	}
	if q.After != 0 && q.SortBy == SortNone {
		return nil, newError(CodeInvalidArgument, "after cursor requires a sort field")
	}

	var messages []*ReceivedMessage
	err := m.db.RunReadOnly("getting received messages", func() error {
		query := `
			SELECT r.uid, r.from_friend, r.num_chunks, r.received_at, r.delivered, r.delivered_at, r.other_recipients, r.seen,
			m.content, f.unique_name, f.display_name
			FROM received r
			JOIN message m ON m.uid = r.uid
			JOIN friend f ON f.uid = r.from_friend
			WHERE 1=1`
		args := []interface{}{}
		if q.Filter == FilterNew {
			query += " AND NOT r.seen"
		}
		switch q.DeliveryStatus {
		case DeliveryDelivered:
			query += " AND r.delivered"
		case DeliveryUndelivered:
			query += " AND NOT r.delivered"
		}
		sortCol := ""
		switch q.SortBy {
		case SortReceivedAt:
			sortCol = "r.received_at"
		case SortDeliveredAt:
			sortCol = "r.delivered_at"
		}
		if q.After != 0 {
			query += fmt.Sprintf(" AND %s > ?", sortCol)
			args = append(args, q.After)
		}
		if sortCol != "" {
			query += fmt.Sprintf(" ORDER BY %s DESC", sortCol)
		}
		if q.Limit >= 0 {
			query += " LIMIT ?"
			args = append(args, q.Limit)
		}

		rows := []struct {
			receivedRow
			Content     string `db:"content"`
			UniqueName  string `db:"unique_name"`
			DisplayName string `db:"display_name"`
		}{}
		if err := m.db.Tx.Select(&rows, query, args...); err != nil {
			return fmt.Errorf("messaging: error selecting received messages: %w", err)
		}
		for i := range rows {
			others, err := m.resolveRecipients(splitRecipients(rows[i].OtherRecipients))
			if err != nil {
				return err
			}
			messages = append(messages, &ReceivedMessage{
				UID:             rows[i].UID,
				Message:         rows[i].Content,
				FromUniqueName:  rows[i].UniqueName,
				FromDisplayName: rows[i].DisplayName,
				OtherRecipients: others,
				NumChunks:       rows[i].NumChunks,
				ReceivedAt:      rows[i].ReceivedAt,
				Delivered:       rows[i].Delivered,
				DeliveredAt:     rows[i].DeliveredAt,
				Seen:            rows[i].Seen,
			})
		}
		return nil
	})
	return messages, err
}

func (m *Manager) resolveRecipients(publicIDs []string) ([]MaybeFriend, error) {
	var out []MaybeFriend
	for _, id := range publicIDs {
		row := struct {
			UniqueName  string `db:"unique_name"`
			DisplayName string `db:"display_name"`
		}{}
		err := m.db.Tx.Get(&row, `
			SELECT f.unique_name, f.display_name FROM complete_friend cf
			JOIN friend f ON f.uid = cf.friend_uid
			WHERE cf.public_id = ? AND NOT f.deleted`, id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			out = append(out, MaybeFriend{PublicID: id})
		case err != nil:
			return nil, fmt.Errorf("messaging: error resolving recipient %s: %w", id, err)
		default:
			out = append(out, MaybeFriend{UniqueName: row.UniqueName, DisplayName: row.DisplayName, PublicID: id})
		}
	}
	return out, nil
}

func (m *Manager) GetSentMessages(q MessageQuery) ([]*SentMessage, error) {
	if q.Filter == FilterNew {
		return nil, newError(CodeInvalidArgument, "seen filter does not apply to sent messages")
	}
	switch q.SortBy {
	case SortNone, SortSentAt:
	case SortReceivedAt, SortDeliveredAt:
		return nil, newError(CodeInvalidArgument, "cannot sort sent messages by that field")
	default:
		return nil, newError(CodeInvalidArgument, "invalid sort %d", q.SortBy)
	}
	if q.After != 0 && q.SortBy == SortNone {
		return nil, newError(CodeInvalidArgument, "after cursor requires a sort field")
	}

	var messages []*SentMessage
	err := m.db.RunReadOnly("getting sent messages", func() error {
		query := `
			SELECT s.uid, s.sent_at, m.content
			FROM sent s JOIN message m ON m.uid = s.uid
			WHERE 1=1`
		args := []interface{}{}
		switch q.DeliveryStatus {
		case DeliveryDelivered:
			query += " AND NOT EXISTS (SELECT 1 FROM sent_friend sf WHERE sf.sent_uid = s.uid AND NOT sf.delivered)"
		case DeliveryUndelivered:
			query += " AND EXISTS (SELECT 1 FROM sent_friend sf WHERE sf.sent_uid = s.uid AND NOT sf.delivered)"
		}
		if q.After != 0 {
			query += " AND s.sent_at > ?"
			args = append(args, q.After)
		}
		if q.SortBy == SortSentAt {
			query += " ORDER BY s.sent_at DESC"
		}
		if q.Limit >= 0 {
			query += " LIMIT ?"
			args = append(args, q.Limit)
		}

		rows := []struct {
			UID     int64  `db:"uid"`
			SentAt  int64  `db:"sent_at"`
			Content string `db:"content"`
		}{}
		if err := m.db.Tx.Select(&rows, query, args...); err != nil {
			return fmt.Errorf("messaging: error selecting sent messages: %w", err)
		}
		for i := range rows {
			recipients := []struct {
				sentFriendRow
				UniqueName  string `db:"unique_name"`
				DisplayName string `db:"display_name"`
			}{}
			if err := m.db.Tx.Select(&recipients, `
				SELECT sf.sent_uid, sf.to_friend, sf.num_chunks, sf.delivered, sf.delivered_at, f.unique_name, f.display_name
				FROM sent_friend sf JOIN friend f ON f.uid = sf.to_friend
				WHERE sf.sent_uid = ? ORDER BY sf.to_friend`, rows[i].UID); err != nil {
				return fmt.Errorf("messaging: error selecting recipients: %w", err)
			}
			sm := &SentMessage{UID: rows[i].UID, Message: rows[i].Content, SentAt: rows[i].SentAt}
			for j := range recipients {
				sm.To = append(sm.To, &SentRecipient{
					UniqueName:  recipients[j].UniqueName,
					DisplayName: recipients[j].DisplayName,
					NumChunks:   recipients[j].NumChunks,
					Delivered:   recipients[j].Delivered,
					DeliveredAt: recipients[j].DeliveredAt,
				})
			}
			messages = append(messages, sm)
		}
		return nil
	})
	return messages, err
}

// GetDraftMessages is not implemented, drafts have no lifecycle yet.
func (m *Manager) GetDraftMessages(q MessageQuery) ([]*SentMessage, error) {
	return nil, newError(CodeUnimplemented, "draft queries are not implemented")
}

func (m *Manager) MarkMessageAsSeen(uid int64) error {
	return m.mutate(fmt.Sprintf("marking message %d seen", uid), func() error {
		res, err := m.db.Tx.Exec("UPDATE received SET seen = TRUE WHERE uid = ?", uid)
		if err != nil {
			return fmt.Errorf("messaging: error marking message seen: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("messaging: error checking updated rows: %w", err)
		}
		if affected == 0 {
			return newError(CodeNotFound, "no received message with uid %d", uid)
		}
		return nil
	})
}

// GetMostRecentReceivedDeliveredAt returns 0 when nothing has been
// delivered yet.
func (m *Manager) GetMostRecentReceivedDeliveredAt() (int64, error) {
	var latest int64
	err := m.db.RunReadOnly("getting most recent delivery", func() error {
		var ts sql.NullInt64
		if err := m.db.Tx.Get(&ts, "SELECT MAX(delivered_at) FROM received WHERE delivered"); err != nil {
			return fmt.Errorf("messaging: error getting most recent delivery: %w", err)
		}
		if ts.Valid {
			latest = ts.Int64
		}
		return nil
	})
	return latest, err
}
