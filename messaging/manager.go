// This package implements the durable delivery core: friends and
// invitations, message chunking and reassembly, acknowledgement bookkeeping
// and the inputs the round scheduler needs. Everything is stored in a
// SQLCipher database and every operation runs in its own transaction.
package messaging

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/burrow-im/go-burrow/clock"
	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/crypto"
	"github.com/burrow-im/go-burrow/ids"
	"github.com/burrow-im/go-burrow/internal/db"
	"go.uber.org/zap"
)

// Update values are emitted on the updates channel after the transaction
// that caused them commits.
type Update interface {
	isUpdate()
}

type MessageDelivered struct {
	UID int64
}

type MessageReceived struct {
	UID int64
}

type InvitationAccepted struct {
	FriendUID int64
}

func (MessageDelivered) isUpdate()   {}
func (MessageReceived) isUpdate()    {}
func (InvitationAccepted) isUpdate() {}

type UpdateChannel chan Update

type Friend struct {
	UID         int64
	UniqueName  string
	DisplayName string
	Progress    InvitationProgress
}

type CompleteFriend struct {
	Friend
	PublicID    string
	CompletedAt int64
}

// FriendAddress is what the transport layer needs to exchange chunks with a
// friend.
type FriendAddress struct {
	FriendUID int64
	ReadIndex int
	ReadKey   []byte
	WriteKey  []byte
	AckIndex  int
}

// TransmissionKeys carries the read/write keys derived outside this module
// during key exchange.
type TransmissionKeys struct {
	ReadIndex int
	ReadKey   []byte
	WriteKey  []byte
}

type RegistrationFragment struct {
	InvitationPublicKey  []byte
	InvitationPrivateKey []byte
	KxPublicKey          []byte
	KxPrivateKey         []byte
	Allocation           int
	PirSecretKey         []byte
	PirGaloisKey         []byte
	AuthenticationToken  string
	PublicID             string
}

type Registration struct {
	UID int64
	RegistrationFragment
}

// SmallRegistration omits the galois key, which can run to megabytes.
type SmallRegistration struct {
	InvitationPublicKey  []byte
	InvitationPrivateKey []byte
	KxPublicKey          []byte
	KxPrivateKey         []byte
	Allocation           int
	PirSecretKey         []byte
	AuthenticationToken  string
	PublicID             string
}

type SendInfo struct {
	Allocation          int
	AuthenticationToken string
}

type Manager struct {
	config  *config.Config
	log     *zap.SugaredLogger
	db      *db.Database
	clock   clock.Clock
	rand    *rand.Rand
	codec   Codec
	updates UpdateChannel
}

func NewManager(c *config.Config, d *db.Database, cl clock.Clock, rng *rand.Rand, codec Codec) (*Manager, error) {
	m := &Manager{
		config:  c,
		log:     c.Logger("messaging"),
		db:      d,
		clock:   cl,
		rand:    rng,
		codec:   codec,
		updates: make(UpdateChannel, 100),
	}

	if err := d.Migrate("messaging", migrations); err != nil {
		return nil, err
	}
	if err := d.Run("ensure config row", func() error {
		var count int
		if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM config"); err != nil {
			return err
		}
		if count != 0 {
			return nil
		}
		_, err := d.Tx.Exec("INSERT INTO config (uid, server_address, latency, has_registered) VALUES (1, ?, ?, FALSE)", c.DefaultServer, c.DefaultLatencySec)
		return err
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Updates() UpdateChannel {
	return m.updates
}

// mutate wraps a writing transaction with the representation checker when
// debugging is on.
func (m *Manager) mutate(label string, runner func() error) error {
	return m.db.Run(label, func() error {
		if m.config.Debug {
			m.checkRep()
		}
		if err := runner(); err != nil {
			return err
		}
		if m.config.Debug {
			m.checkRep()
		}
		return nil
	})
}

func (m *Manager) emit(u Update) {
	m.db.AfterCommit(func() {
		select {
		case m.updates <- u:
		default:
			m.log.Warnf("dropping update %#v, channel full", u)
		}
	})
}

// GenerateRegistrationFragment makes fresh key material for a registration.
// The PIR keys produced here are placeholders sized like the real thing, the
// caller replaces them with keys from its PIR library before registering.
func GenerateRegistrationFragment(allocation int) (*RegistrationFragment, error) {
	invitation, err := crypto.NewKeyPair()
	if err != nil {
		return nil, err
	}
	kx, err := crypto.NewKeyPair()
	if err != nil {
		return nil, err
	}
	publicID, err := ids.EncodePublicID(kx.Public, invitation.Public)
	if err != nil {
		return nil, err
	}
	return &RegistrationFragment{
		InvitationPublicKey:  invitation.Public,
		InvitationPrivateKey: invitation.Private,
		KxPublicKey:          kx.Public,
		KxPrivateKey:         kx.Private,
		Allocation:           allocation,
		PirSecretKey:         crypto.RandomBytes(32),
		PirGaloisKey:         crypto.RandomBytes(32),
		AuthenticationToken:  crypto.NewAuthToken(),
		PublicID:             publicID,
	}, nil
}

func (m *Manager) DoRegister(frag *RegistrationFragment) error {
	return m.mutate("registering", func() error {
		var count int
		if err := m.db.Tx.Get(&count, "SELECT COUNT(*) FROM registration"); err != nil {
			return fmt.Errorf("messaging: error counting registrations: %w", err)
		}
		if count != 0 {
			return newError(CodeAlreadyExists, "already registered")
		}
		res, err := m.db.Tx.Exec(`
			INSERT INTO registration
			(invitation_public_key, invitation_private_key, kx_public_key, kx_private_key, allocation, pir_secret_key, pir_galois_key, authentication_token, public_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			frag.InvitationPublicKey, frag.InvitationPrivateKey, frag.KxPublicKey, frag.KxPrivateKey,
			frag.Allocation, frag.PirSecretKey, frag.PirGaloisKey, frag.AuthenticationToken, frag.PublicID)
		if err != nil {
			return fmt.Errorf("messaging: error inserting registration: %w", err)
		}
		uid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("messaging: error getting registration uid: %w", err)
		}
		if _, err := m.db.Tx.Exec("UPDATE config SET has_registered = TRUE, registration_uid = ? WHERE uid = 1", uid); err != nil {
			return fmt.Errorf("messaging: error updating config: %w", err)
		}
		return nil
	})
}

func (m *Manager) HasRegistered() (bool, error) {
	var registered bool
	err := m.db.RunReadOnly("checking registration", func() error {
		c, err := m.configRow()
		if err != nil {
			return err
		}
		registered = c.HasRegistered
		return nil
	})
	return registered, err
}

func (m *Manager) registrationRow() (*registrationRow, error) {
	r := &registrationRow{}
	if err := m.db.Tx.Get(r, "SELECT * FROM registration LIMIT 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(CodeNotFound, "not registered")
		}
		return nil, fmt.Errorf("messaging: error getting registration: %w", err)
	}
	return r, nil
}

func (m *Manager) GetRegistration() (*Registration, error) {
	var reg *Registration
	err := m.db.RunReadOnly("getting registration", func() error {
		r, err := m.registrationRow()
		if err != nil {
			return err
		}
		reg = &Registration{
			UID: r.UID,
			RegistrationFragment: RegistrationFragment{
				InvitationPublicKey:  r.InvitationPublicKey,
				InvitationPrivateKey: r.InvitationPrivateKey,
				KxPublicKey:          r.KxPublicKey,
				KxPrivateKey:         r.KxPrivateKey,
				Allocation:           r.Allocation,
				PirSecretKey:         r.PirSecretKey,
				PirGaloisKey:         r.PirGaloisKey,
				AuthenticationToken:  r.AuthenticationToken,
				PublicID:             r.PublicID,
			},
		}
		return nil
	})
	return reg, err
}

func (m *Manager) GetSmallRegistration() (*SmallRegistration, error) {
	var reg *SmallRegistration
	err := m.db.RunReadOnly("getting small registration", func() error {
		r := &registrationRow{}
		if err := m.db.Tx.Get(r, `
			SELECT uid, invitation_public_key, invitation_private_key, kx_public_key, kx_private_key,
			allocation, pir_secret_key, authentication_token, public_id
			FROM registration LIMIT 1`); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return newError(CodeNotFound, "not registered")
			}
			return fmt.Errorf("messaging: error getting registration: %w", err)
		}
		reg = &SmallRegistration{
			InvitationPublicKey:  r.InvitationPublicKey,
			InvitationPrivateKey: r.InvitationPrivateKey,
			KxPublicKey:          r.KxPublicKey,
			KxPrivateKey:         r.KxPrivateKey,
			Allocation:           r.Allocation,
			PirSecretKey:         r.PirSecretKey,
			AuthenticationToken:  r.AuthenticationToken,
			PublicID:             r.PublicID,
		}
		return nil
	})
	return reg, err
}

func (m *Manager) GetPirSecretKey() ([]byte, error) {
	var key []byte
	err := m.db.RunReadOnly("getting pir secret key", func() error {
		r, err := m.registrationRow()
		if err != nil {
			return err
		}
		key = r.PirSecretKey
		return nil
	})
	return key, err
}

func (m *Manager) GetSendInfo() (*SendInfo, error) {
	var info *SendInfo
	err := m.db.RunReadOnly("getting send info", func() error {
		r, err := m.registrationRow()
		if err != nil {
			return err
		}
		info = &SendInfo{Allocation: r.Allocation, AuthenticationToken: r.AuthenticationToken}
		return nil
	})
	return info, err
}

func (m *Manager) DeleteRegistration() error {
	return m.mutate("deleting registration", func() error {
		if _, err := m.db.Tx.Exec("UPDATE config SET has_registered = FALSE, registration_uid = NULL WHERE uid = 1"); err != nil {
			return fmt.Errorf("messaging: error updating config: %w", err)
		}
		if _, err := m.db.Tx.Exec("DELETE FROM registration"); err != nil {
			return fmt.Errorf("messaging: error deleting registration: %w", err)
		}
		return nil
	})
}

func (m *Manager) GetLatency() (int, error) {
	var latency int
	err := m.db.RunReadOnly("getting latency", func() error {
		c, err := m.configRow()
		if err != nil {
			return err
		}
		latency = c.Latency
		return nil
	})
	return latency, err
}

func (m *Manager) SetLatency(seconds int) error {
	if seconds <= 0 {
		return newError(CodeInvalidArgument, "latency must be positive, got %d", seconds)
	}
	return m.mutate("setting latency", func() error {
		if _, err := m.db.Tx.Exec("UPDATE config SET latency = ? WHERE uid = 1", seconds); err != nil {
			return fmt.Errorf("messaging: error setting latency: %w", err)
		}
		return nil
	})
}

func (m *Manager) GetServerAddress() (string, error) {
	var addr string
	err := m.db.RunReadOnly("getting server address", func() error {
		c, err := m.configRow()
		if err != nil {
			return err
		}
		addr = c.ServerAddress
		return nil
	})
	return addr, err
}

func (m *Manager) SetServerAddress(addr string) error {
	if addr == "" {
		return newError(CodeInvalidArgument, "server address must not be empty")
	}
	return m.mutate("setting server address", func() error {
		if _, err := m.db.Tx.Exec("UPDATE config SET server_address = ? WHERE uid = 1", addr); err != nil {
			return fmt.Errorf("messaging: error setting server address: %w", err)
		}
		return nil
	})
}

func friendFromRow(f *friendRow) Friend {
	return Friend{UID: f.UID, UniqueName: f.UniqueName, DisplayName: f.DisplayName, Progress: f.InvitationProgress}
}

func (m *Manager) GetFriend(uniqueName string) (*Friend, error) {
	var friend *Friend
	err := m.db.RunReadOnly("getting friend", func() error {
		f, err := m.friendByUniqueName(uniqueName)
		if err != nil {
			return err
		}
		fr := friendFromRow(f)
		friend = &fr
		return nil
	})
	return friend, err
}

// GetFriends returns all complete, non-deleted friends.
func (m *Manager) GetFriends() ([]*CompleteFriend, error) {
	var friends []*CompleteFriend
	err := m.db.RunReadOnly("getting friends", func() error {
		rows := []struct {
			friendRow
			PublicID    string `db:"public_id"`
			CompletedAt int64  `db:"completed_at"`
		}{}
		if err := m.db.Tx.Select(&rows, `
			SELECT f.uid, f.unique_name, f.display_name, f.invitation_progress, f.deleted, cf.public_id, cf.completed_at
			FROM friend f JOIN complete_friend cf ON cf.friend_uid = f.uid
			WHERE NOT f.deleted ORDER BY f.uid`); err != nil {
			return fmt.Errorf("messaging: error selecting friends: %w", err)
		}
		for i := range rows {
			friends = append(friends, &CompleteFriend{
				Friend:      friendFromRow(&rows[i].friendRow),
				PublicID:    rows[i].PublicID,
				CompletedAt: rows[i].CompletedAt,
			})
		}
		return nil
	})
	return friends, err
}

func (m *Manager) GetFriendsIncludingOutgoing() ([]*Friend, error) {
	var friends []*Friend
	err := m.db.RunReadOnly("getting all friends", func() error {
		rows := []friendRow{}
		if err := m.db.Tx.Select(&rows, "SELECT * FROM friend WHERE NOT deleted ORDER BY uid"); err != nil {
			return fmt.Errorf("messaging: error selecting friends: %w", err)
		}
		for i := range rows {
			f := friendFromRow(&rows[i])
			friends = append(friends, &f)
		}
		return nil
	})
	return friends, err
}

// DeleteFriend soft-deletes a friend, freeing its ack slot but keeping
// message history intact.
func (m *Manager) DeleteFriend(uniqueName string) error {
	return m.mutate(fmt.Sprintf("deleting friend %s", uniqueName), func() error {
		f, err := m.friendByUniqueName(uniqueName)
		if err != nil {
			return err
		}
		if _, err := m.db.Tx.Exec("UPDATE friend SET deleted = TRUE WHERE uid = ?", f.UID); err != nil {
			return fmt.Errorf("messaging: error deleting friend %s: %w", uniqueName, err)
		}
		if _, err := m.db.Tx.Exec("DELETE FROM transmission WHERE friend_uid = ?", f.UID); err != nil {
			return fmt.Errorf("messaging: error deleting transmission record for %s: %w", uniqueName, err)
		}
		if _, err := m.db.Tx.Exec("DELETE FROM outgoing_chunk WHERE to_friend = ?", f.UID); err != nil {
			return fmt.Errorf("messaging: error deleting outgoing chunks for %s: %w", uniqueName, err)
		}
		if _, err := m.db.Tx.Exec("DELETE FROM incoming_chunk WHERE from_friend = ?", f.UID); err != nil {
			return fmt.Errorf("messaging: error deleting incoming chunks for %s: %w", uniqueName, err)
		}
		return nil
	})
}

func (m *Manager) GetFriendAddress(friendUID int64) (*FriendAddress, error) {
	var addr *FriendAddress
	err := m.db.RunReadOnly("getting friend address", func() error {
		t, err := m.transmissionFor(friendUID)
		if err != nil {
			return err
		}
		addr = &FriendAddress{
			FriendUID: t.FriendUID,
			ReadIndex: t.ReadIndex,
			ReadKey:   t.ReadKey,
			WriteKey:  t.WriteKey,
			AckIndex:  t.AckIndex,
		}
		return nil
	})
	return addr, err
}

// GetRandomEnabledFriendAddressExcluding picks a uniformly random complete
// friend not in the exclusion list. Used by the scheduler to fill rounds
// with cover traffic.
func (m *Manager) GetRandomEnabledFriendAddressExcluding(excluded []int64) (*FriendAddress, error) {
	var addr *FriendAddress
	err := m.db.RunReadOnly("getting random friend address", func() error {
		query := `
			SELECT t.friend_uid, t.read_index, t.read_key, t.write_key, t.ack_index
			FROM transmission t JOIN friend f ON f.uid = t.friend_uid
			WHERE NOT f.deleted AND f.invitation_progress = ?`
		args := []interface{}{ProgressComplete}
		if len(excluded) > 0 {
			q, inArgs, err := inClause(excluded)
			if err != nil {
				return err
			}
			query += " AND t.friend_uid NOT IN " + q
			args = append(args, inArgs...)
		}
		rows := []transmissionRow{}
		if err := m.db.Tx.Select(&rows, query, args...); err != nil {
			return fmt.Errorf("messaging: error selecting friend addresses: %w", err)
		}
		if len(rows) == 0 {
			return newError(CodeNotFound, "no enabled friends to pick from")
		}
		t := rows[m.rand.Intn(len(rows))]
		addr = &FriendAddress{
			FriendUID: t.FriendUID,
			ReadIndex: t.ReadIndex,
			ReadKey:   t.ReadKey,
			WriteKey:  t.WriteKey,
			AckIndex:  t.AckIndex,
		}
		return nil
	})
	return addr, err
}

func inClause(uids []int64) (string, []interface{}, error) {
	if len(uids) == 0 {
		return "", nil, newError(CodeInvalidArgument, "empty in clause")
	}
	args := make([]interface{}, len(uids))
	for i, uid := range uids {
		args[i] = uid
	}
	return "(?" + strings.Repeat(", ?", len(uids)-1) + ")", args, nil
}

// canAddFriend enforces the slot cap and name/key uniqueness for any
// operation that creates a friend row.
func (m *Manager) canAddFriend(uniqueName string, kxPublicKey []byte) error {
	var count int
	if err := m.db.Tx.Get(&count, "SELECT COUNT(*) FROM friend WHERE unique_name = ? AND NOT deleted", uniqueName); err != nil {
		return fmt.Errorf("messaging: error checking unique name: %w", err)
	}
	if count > 0 {
		return newError(CodeAlreadyExists, "friend named %s already exists", uniqueName)
	}
	if err := m.db.Tx.Get(&count, "SELECT COUNT(*) FROM friend WHERE NOT deleted"); err != nil {
		return fmt.Errorf("messaging: error counting friends: %w", err)
	}
	if count >= m.config.MaxFriends {
		return newError(CodeResourceExhausted, "friend limit of %d reached", m.config.MaxFriends)
	}
	if err := m.db.Tx.Get(&count, `
		SELECT COUNT(*) FROM (
			SELECT kx_public_key FROM complete_friend
			UNION ALL SELECT kx_public_key FROM outgoing_sync_invitation
			UNION ALL SELECT kx_public_key FROM outgoing_async_invitation
		) WHERE kx_public_key = ?`, kxPublicKey); err != nil {
		return fmt.Errorf("messaging: error checking kx public key: %w", err)
	}
	if count > 0 {
		return newError(CodeAlreadyExists, "kx public key already in use")
	}
	return nil
}

// createTransmissionRecord leases a random free ack slot for a new friend.
func (m *Manager) createTransmissionRecord(friendUID int64, keys TransmissionKeys) error {
	used := []int{}
	if err := m.db.Tx.Select(&used, `
		SELECT t.ack_index FROM transmission t
		JOIN friend f ON f.uid = t.friend_uid WHERE NOT f.deleted`); err != nil {
		return fmt.Errorf("messaging: error selecting ack indices: %w", err)
	}
	usedSet := make(map[int]bool, len(used))
	for _, idx := range used {
		usedSet[idx] = true
	}
	free := []int{}
	for i := 0; i < m.config.MaxFriends; i++ {
		if !usedSet[i] {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return newError(CodeResourceExhausted, "no free ack slot")
	}
	ackIndex := free[m.rand.Intn(len(free))]
	if _, err := m.db.Tx.Exec(`
		INSERT INTO transmission (friend_uid, read_index, read_key, write_key, ack_index, sent_acked_seqnum, received_seqnum)
		VALUES (?, ?, ?, ?, ?, 0, 0)`,
		friendUID, keys.ReadIndex, keys.ReadKey, keys.WriteKey, ackIndex); err != nil {
		return fmt.Errorf("messaging: error inserting transmission record: %w", err)
	}
	return nil
}
