package messaging

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/burrow-im/go-burrow/migration"
)

// InvitationProgress tracks how far along the handshake with a friend is.
// Every friend row is in exactly one of these states and has exactly one
// matching detail row (outgoing_async_invitation, outgoing_sync_invitation
// or complete_friend).
type InvitationProgress int

const (
	ProgressOutgoingAsync InvitationProgress = 0
	ProgressOutgoingSync  InvitationProgress = 1
	ProgressComplete      InvitationProgress = 2
)

func (p InvitationProgress) String() string {
	switch p {
	case ProgressOutgoingAsync:
		return "outgoing_async"
	case ProgressOutgoingSync:
		return "outgoing_sync"
	case ProgressComplete:
		return "complete"
	default:
		return fmt.Sprintf("invalid(%d)", int(p))
	}
}

// SystemMessage identifies control chunks that ride the same sequence-number
// stream as user messages.
type SystemMessage int

const (
	SystemMessageOutgoingInvitation SystemMessage = 1
)

// ReceiveChunkStatus reports what a call to ReceiveChunk did.
type ReceiveChunkStatus int

const (
	ChunkStatusOld ReceiveChunkStatus = iota
	ChunkStatusNew
	ChunkStatusNewMessage
)

type friendRow struct {
	UID                int64              `db:"uid"`
	UniqueName         string             `db:"unique_name"`
	DisplayName        string             `db:"display_name"`
	InvitationProgress InvitationProgress `db:"invitation_progress"`
	Deleted            bool               `db:"deleted"`
}

type completeFriendRow struct {
	FriendUID           int64  `db:"friend_uid"`
	PublicID            string `db:"public_id"`
	InvitationPublicKey []byte `db:"invitation_public_key"`
	KxPublicKey         []byte `db:"kx_public_key"`
	CompletedAt         int64  `db:"completed_at"`
}

type outgoingSyncInvitationRow struct {
	FriendUID   int64  `db:"friend_uid"`
	Story       string `db:"story"`
	KxPublicKey []byte `db:"kx_public_key"`
	SentAt      int64  `db:"sent_at"`
}

type outgoingAsyncInvitationRow struct {
	FriendUID           int64  `db:"friend_uid"`
	PublicID            string `db:"public_id"`
	InvitationPublicKey []byte `db:"invitation_public_key"`
	KxPublicKey         []byte `db:"kx_public_key"`
	Message             string `db:"message"`
	SentAt              int64  `db:"sent_at"`
}

type incomingInvitationRow struct {
	PublicID   string `db:"public_id"`
	Message    string `db:"message"`
	ReceivedAt int64  `db:"received_at"`
}

type transmissionRow struct {
	FriendUID       int64  `db:"friend_uid"`
	ReadIndex       int    `db:"read_index"`
	ReadKey         []byte `db:"read_key"`
	WriteKey        []byte `db:"write_key"`
	AckIndex        int    `db:"ack_index"`
	SentAckedSeqnum int64  `db:"sent_acked_seqnum"`
	ReceivedSeqnum  int64  `db:"received_seqnum"`
}

type messageRow struct {
	UID     int64  `db:"uid"`
	Content string `db:"content"`
}

type sentRow struct {
	UID    int64 `db:"uid"`
	SentAt int64 `db:"sent_at"`
}

type sentFriendRow struct {
	SentUID     int64  `db:"sent_uid"`
	ToFriend    int64  `db:"to_friend"`
	NumChunks   int    `db:"num_chunks"`
	Delivered   bool   `db:"delivered"`
	DeliveredAt *int64 `db:"delivered_at"`
}

type receivedRow struct {
	UID             int64  `db:"uid"`
	FromFriend      int64  `db:"from_friend"`
	NumChunks       int    `db:"num_chunks"`
	ReceivedAt      int64  `db:"received_at"`
	Delivered       bool   `db:"delivered"`
	DeliveredAt     *int64 `db:"delivered_at"`
	OtherRecipients string `db:"other_recipients"`
	Seen            bool   `db:"seen"`
}

type outgoingChunkRow struct {
	ToFriend                  int64         `db:"to_friend"`
	SequenceNumber            int64         `db:"sequence_number"`
	ChunksStartSequenceNumber int64         `db:"chunks_start_sequence_number"`
	MessageUID                *int64        `db:"message_uid"`
	Content                   string        `db:"content"`
	System                    bool          `db:"system"`
	SystemMessage             SystemMessage `db:"system_message"`
	SystemMessageData         string        `db:"system_message_data"`
}

type incomingChunkRow struct {
	FromFriend                int64  `db:"from_friend"`
	SequenceNumber            int64  `db:"sequence_number"`
	ChunksStartSequenceNumber int64  `db:"chunks_start_sequence_number"`
	MessageUID                int64  `db:"message_uid"`
	Content                   string `db:"content"`
}

type configRow struct {
	UID             int64  `db:"uid"`
	ServerAddress   string `db:"server_address"`
	Latency         int    `db:"latency"`
	HasRegistered   bool   `db:"has_registered"`
	RegistrationUID *int64 `db:"registration_uid"`
}

type registrationRow struct {
	UID                  int64  `db:"uid"`
	InvitationPublicKey  []byte `db:"invitation_public_key"`
	InvitationPrivateKey []byte `db:"invitation_private_key"`
	KxPublicKey          []byte `db:"kx_public_key"`
	KxPrivateKey         []byte `db:"kx_private_key"`
	Allocation           int    `db:"allocation"`
	PirSecretKey         []byte `db:"pir_secret_key"`
	PirGaloisKey         []byte `db:"pir_galois_key"`
	AuthenticationToken  string `db:"authentication_token"`
	PublicID             string `db:"public_id"`
}

var migrations = []*migration.Migration{
	{
		Name: "create initial tables",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE registration (
	uid INTEGER PRIMARY KEY AUTOINCREMENT,
	invitation_public_key BLOB NOT NULL,
	invitation_private_key BLOB NOT NULL,
	kx_public_key BLOB NOT NULL,
	kx_private_key BLOB NOT NULL,
	allocation INTEGER NOT NULL,
	pir_secret_key BLOB NOT NULL,
	pir_galois_key BLOB NOT NULL,
	authentication_token STRING NOT NULL,
	public_id STRING NOT NULL
);

CREATE TABLE config (
	uid INTEGER PRIMARY KEY,
	server_address STRING NOT NULL,
	latency INTEGER NOT NULL,
	has_registered BOOLEAN NOT NULL DEFAULT FALSE,
	registration_uid INTEGER REFERENCES registration(uid)
);

CREATE TABLE friend (
	uid INTEGER PRIMARY KEY AUTOINCREMENT,
	unique_name STRING NOT NULL,
	display_name STRING NOT NULL,
	invitation_progress INTEGER NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX friend_unique_name ON friend(unique_name) WHERE NOT deleted;

CREATE TABLE complete_friend (
	friend_uid INTEGER PRIMARY KEY REFERENCES friend(uid),
	public_id STRING NOT NULL,
	invitation_public_key BLOB NOT NULL,
	kx_public_key BLOB NOT NULL,
	completed_at INTEGER NOT NULL
);

CREATE TABLE outgoing_sync_invitation (
	friend_uid INTEGER PRIMARY KEY REFERENCES friend(uid),
	story STRING NOT NULL,
	kx_public_key BLOB NOT NULL,
	sent_at INTEGER NOT NULL
);

CREATE TABLE outgoing_async_invitation (
	friend_uid INTEGER PRIMARY KEY REFERENCES friend(uid),
	public_id STRING NOT NULL,
	invitation_public_key BLOB NOT NULL,
	kx_public_key BLOB NOT NULL,
	message STRING NOT NULL,
	sent_at INTEGER NOT NULL
);

CREATE TABLE incoming_invitation (
	public_id STRING PRIMARY KEY,
	message STRING NOT NULL,
	received_at INTEGER NOT NULL
);

CREATE TABLE transmission (
	friend_uid INTEGER PRIMARY KEY REFERENCES friend(uid),
	read_index INTEGER NOT NULL,
	read_key BLOB NOT NULL,
	write_key BLOB NOT NULL,
	ack_index INTEGER NOT NULL,
	sent_acked_seqnum INTEGER NOT NULL DEFAULT 0,
	received_seqnum INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE message (
	uid INTEGER PRIMARY KEY AUTOINCREMENT,
	content STRING NOT NULL
);

CREATE TABLE draft (
	uid INTEGER PRIMARY KEY REFERENCES message(uid)
);

CREATE TABLE sent (
	uid INTEGER PRIMARY KEY REFERENCES message(uid),
	sent_at INTEGER NOT NULL
);

CREATE TABLE sent_friend (
	sent_uid INTEGER NOT NULL REFERENCES sent(uid),
	to_friend INTEGER NOT NULL REFERENCES friend(uid),
	num_chunks INTEGER NOT NULL,
	delivered BOOLEAN NOT NULL DEFAULT FALSE,
	delivered_at INTEGER,
	PRIMARY KEY (sent_uid, to_friend)
);

CREATE TABLE received (
	uid INTEGER PRIMARY KEY REFERENCES message(uid),
	from_friend INTEGER NOT NULL REFERENCES friend(uid),
	num_chunks INTEGER NOT NULL,
	received_at INTEGER NOT NULL,
	delivered BOOLEAN NOT NULL DEFAULT FALSE,
	delivered_at INTEGER,
	other_recipients STRING NOT NULL DEFAULT '',
	seen BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE outgoing_chunk (
	to_friend INTEGER NOT NULL REFERENCES friend(uid),
	sequence_number INTEGER NOT NULL,
	chunks_start_sequence_number INTEGER NOT NULL,
	message_uid INTEGER REFERENCES sent(uid),
	content STRING NOT NULL,
	system BOOLEAN NOT NULL DEFAULT FALSE,
	system_message INTEGER NOT NULL DEFAULT 0,
	system_message_data STRING NOT NULL DEFAULT '',
	PRIMARY KEY (to_friend, sequence_number)
);

CREATE TABLE incoming_chunk (
	from_friend INTEGER NOT NULL,
	sequence_number INTEGER NOT NULL,
	chunks_start_sequence_number INTEGER NOT NULL,
	message_uid INTEGER NOT NULL REFERENCES received(uid),
	content STRING NOT NULL,
	PRIMARY KEY (from_friend, sequence_number)
);
			`)
			return err
		},
	},
}

func (m *Manager) friendByUID(uid int64) (*friendRow, error) {
	f := &friendRow{}
	if err := m.db.Tx.Get(f, "SELECT * FROM friend WHERE uid = ?", uid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(CodeNotFound, "no friend with uid %d", uid)
		}
		return nil, fmt.Errorf("messaging: error getting friend %d: %w", uid, err)
	}
	return f, nil
}

func (m *Manager) friendByUniqueName(uniqueName string) (*friendRow, error) {
	f := &friendRow{}
	if err := m.db.Tx.Get(f, "SELECT * FROM friend WHERE unique_name = ? AND NOT deleted", uniqueName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(CodeNotFound, "no friend named %s", uniqueName)
		}
		return nil, fmt.Errorf("messaging: error getting friend %s: %w", uniqueName, err)
	}
	return f, nil
}

func (m *Manager) transmissionFor(friendUID int64) (*transmissionRow, error) {
	t := &transmissionRow{}
	if err := m.db.Tx.Get(t, "SELECT * FROM transmission WHERE friend_uid = ?", friendUID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(CodeNotFound, "no transmission record for friend %d", friendUID)
		}
		return nil, fmt.Errorf("messaging: error getting transmission record for friend %d: %w", friendUID, err)
	}
	return t, nil
}

func (m *Manager) configRow() (*configRow, error) {
	c := &configRow{}
	if err := m.db.Tx.Get(c, "SELECT * FROM config WHERE uid = 1"); err != nil {
		return nil, fmt.Errorf("messaging: error getting config row: %w", err)
	}
	return c, nil
}

func (m *Manager) insertMessage(content string) (int64, error) {
	res, err := m.db.Tx.Exec("INSERT INTO message (content) VALUES (?)", content)
	if err != nil {
		return 0, fmt.Errorf("messaging: error inserting message: %w", err)
	}
	uid, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("messaging: error getting message uid: %w", err)
	}
	return uid, nil
}

func joinRecipients(publicIDs []string) string {
	return strings.Join(publicIDs, ",")
}

func splitRecipients(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
