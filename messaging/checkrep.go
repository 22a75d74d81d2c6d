package messaging

import (
	"fmt"
	"strings"
)

// checkRep validates the representation invariants inside the current
// transaction. A violation is a programming error and panics. A locked
// database makes the check inconclusive, so it is skipped.
func (m *Manager) checkRep() {
	if err := m.checkRepErr(); err != nil {
		if strings.Contains(err.Error(), "database is locked") {
			m.log.Debugf("skipping invariant check, database is locked")
			return
		}
		panic(fmt.Sprintf("messaging: invariant violation: %v", err))
	}
}

type repCheck struct {
	desc  string
	query string
}

// Each query counts violations of one invariant, zero means the invariant
// holds.
var repChecks = []repCheck{
	{
		"exactly one config row",
		"SELECT COUNT(*) - 1 FROM config",
	},
	{
		"has_registered matches registration count",
		`SELECT COUNT(*) FROM config
		 WHERE (has_registered AND (SELECT COUNT(*) FROM registration) != 1)
		 OR (NOT has_registered AND (SELECT COUNT(*) FROM registration) != 0)`,
	},
	{
		"outgoing async friends have exactly one async invitation row",
		`SELECT COUNT(*) FROM friend f WHERE f.invitation_progress = 0
		 AND (SELECT COUNT(*) FROM outgoing_async_invitation i WHERE i.friend_uid = f.uid) != 1`,
	},
	{
		"outgoing sync friends have exactly one sync invitation row",
		`SELECT COUNT(*) FROM friend f WHERE f.invitation_progress = 1
		 AND (SELECT COUNT(*) FROM outgoing_sync_invitation i WHERE i.friend_uid = f.uid) != 1`,
	},
	{
		"complete friends have exactly one complete row",
		`SELECT COUNT(*) FROM friend f WHERE f.invitation_progress = 2
		 AND (SELECT COUNT(*) FROM complete_friend cf WHERE cf.friend_uid = f.uid) != 1`,
	},
	{
		"no side rows without a matching friend state",
		`SELECT (SELECT COUNT(*) FROM outgoing_async_invitation i JOIN friend f ON f.uid = i.friend_uid WHERE f.invitation_progress != 0)
		 + (SELECT COUNT(*) FROM outgoing_sync_invitation i JOIN friend f ON f.uid = i.friend_uid WHERE f.invitation_progress != 1)
		 + (SELECT COUNT(*) FROM complete_friend cf JOIN friend f ON f.uid = cf.friend_uid WHERE f.invitation_progress != 2)`,
	},
	{
		"every non-deleted friend has a transmission record",
		`SELECT COUNT(*) FROM friend f WHERE NOT f.deleted
		 AND (SELECT COUNT(*) FROM transmission t WHERE t.friend_uid = f.uid) != 1`,
	},
	{
		"no transmission record for deleted or missing friends",
		`SELECT COUNT(*) FROM transmission t
		 WHERE (SELECT COUNT(*) FROM friend f WHERE f.uid = t.friend_uid AND NOT f.deleted) = 0`,
	},
	{
		"ack indices are non-negative",
		"SELECT COUNT(*) FROM transmission WHERE ack_index < 0",
	},
	{
		"ack indices are unique across live friends",
		`SELECT COUNT(*) FROM (
			SELECT t.ack_index FROM transmission t JOIN friend f ON f.uid = t.friend_uid
			WHERE NOT f.deleted GROUP BY t.ack_index HAVING COUNT(*) > 1)`,
	},
	{
		"outgoing chunks are system iff they have no message",
		"SELECT COUNT(*) FROM outgoing_chunk WHERE (message_uid IS NULL) != system",
	},
	{
		"sent_friend delivered matches delivered_at",
		"SELECT COUNT(*) FROM sent_friend WHERE delivered != (delivered_at IS NOT NULL)",
	},
	{
		"received delivered matches delivered_at",
		"SELECT COUNT(*) FROM received WHERE delivered != (delivered_at IS NOT NULL)",
	},
	{
		"draft, sent and received uids are disjoint",
		`SELECT (SELECT COUNT(*) FROM draft d JOIN sent s ON s.uid = d.uid)
		 + (SELECT COUNT(*) FROM draft d JOIN received r ON r.uid = d.uid)
		 + (SELECT COUNT(*) FROM sent s JOIN received r ON r.uid = s.uid)`,
	},
	{
		"every sent message has at least one recipient",
		`SELECT COUNT(*) FROM sent s
		 WHERE (SELECT COUNT(*) FROM sent_friend sf WHERE sf.sent_uid = s.uid) = 0`,
	},
	{
		"outgoing chunk groups map to a single message",
		`SELECT COUNT(*) FROM (
			SELECT 1 FROM outgoing_chunk WHERE NOT system
			GROUP BY to_friend, chunks_start_sequence_number
			HAVING COUNT(DISTINCT message_uid) > 1)`,
	},
	{
		"outgoing messages map to a single chunk group",
		`SELECT COUNT(*) FROM (
			SELECT 1 FROM outgoing_chunk WHERE NOT system
			GROUP BY to_friend, message_uid
			HAVING COUNT(DISTINCT chunks_start_sequence_number) > 1)`,
	},
	{
		"incoming chunk groups map to a single message",
		`SELECT COUNT(*) FROM (
			SELECT 1 FROM incoming_chunk
			GROUP BY from_friend, chunks_start_sequence_number
			HAVING COUNT(DISTINCT message_uid) > 1)`,
	},
	{
		"incoming messages map to a single chunk group",
		`SELECT COUNT(*) FROM (
			SELECT 1 FROM incoming_chunk
			GROUP BY from_friend, message_uid
			HAVING COUNT(DISTINCT chunks_start_sequence_number) > 1)`,
	},
}

func (m *Manager) checkRepErr() error {
	for _, check := range repChecks {
		var violations int
		if err := m.db.Tx.Get(&violations, check.query); err != nil {
			return fmt.Errorf("error checking that %s: %w", check.desc, err)
		}
		if violations != 0 {
			return fmt.Errorf("expected that %s, found %d violations", check.desc, violations)
		}
	}
	return nil
}
