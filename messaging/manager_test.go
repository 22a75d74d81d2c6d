package messaging

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testClock struct {
	offsetMicro int64
}

func (c *testClock) CurrentTimeMicro() int64 {
	return 1700000000000000 + c.offsetMicro
}

func (c *testClock) CurrentTimeMs() int64 {
	return c.CurrentTimeMicro() / 1000
}

func (c *testClock) Now() time.Time {
	return time.UnixMicro(c.CurrentTimeMicro())
}

func (c *testClock) AdvanceMs(ms int64) {
	c.offsetMicro += ms * 1000
}

func testManager(t *testing.T) (*Manager, *testClock) {
	c := config.NewConfig(
		config.WithDebug(true),
		config.WithMaxFriends(5),
		config.WithLoggingPrefix("test"),
	)
	d := test.NewTestDatabase(c)
	cl := &testClock{}
	codec, err := NewCBORCodec()
	require.NoError(t, err)
	m, err := NewManager(c, d, cl, rand.New(rand.NewSource(0)), codec)
	require.NoError(t, err)
	return m, cl
}

func testKeys() TransmissionKeys {
	return TransmissionKeys{ReadIndex: 0, ReadKey: make([]byte, 32), WriteKey: make([]byte, 32)}
}

func register(t *testing.T, m *Manager) *RegistrationFragment {
	frag, err := GenerateRegistrationFragment(0)
	require.NoError(t, err)
	require.NoError(t, m.DoRegister(frag))
	return frag
}

func newPublicID(t *testing.T) string {
	frag, err := GenerateRegistrationFragment(1)
	require.NoError(t, err)
	return frag.PublicID
}

// addCompleteFriend runs the incoming-invitation path to completion. It
// leaves one received message (the invitation text) behind.
func addCompleteFriend(t *testing.T, m *Manager, name string) *Friend {
	id := newPublicID(t)
	require.NoError(t, m.AddIncomingAsyncInvitation(id, "invitation from "+name))
	f, err := m.AcceptIncomingInvitation(id, name, name, testKeys())
	require.NoError(t, err)
	return f
}

func TestRegistration(t *testing.T) {
	m, _ := testManager(t)

	registered, err := m.HasRegistered()
	require.NoError(t, err)
	require.False(t, registered)
	_, err = m.GetRegistration()
	require.Equal(t, CodeNotFound, CodeOf(err))

	frag := register(t, m)
	registered, err = m.HasRegistered()
	require.NoError(t, err)
	require.True(t, registered)

	reg, err := m.GetRegistration()
	require.NoError(t, err)
	require.Equal(t, frag.PublicID, reg.PublicID)
	require.Equal(t, frag.KxPublicKey, reg.KxPublicKey)
	require.Equal(t, frag.PirGaloisKey, reg.PirGaloisKey)

	small, err := m.GetSmallRegistration()
	require.NoError(t, err)
	require.Equal(t, frag.PublicID, small.PublicID)
	require.Equal(t, frag.PirSecretKey, small.PirSecretKey)

	key, err := m.GetPirSecretKey()
	require.NoError(t, err)
	require.Equal(t, frag.PirSecretKey, key)

	info, err := m.GetSendInfo()
	require.NoError(t, err)
	require.Equal(t, frag.Allocation, info.Allocation)
	require.Equal(t, frag.AuthenticationToken, info.AuthenticationToken)

	frag2, err := GenerateRegistrationFragment(1)
	require.NoError(t, err)
	err = m.DoRegister(frag2)
	require.Equal(t, CodeAlreadyExists, CodeOf(err))

	require.NoError(t, m.DeleteRegistration())
	registered, err = m.HasRegistered()
	require.NoError(t, err)
	require.False(t, registered)
}

func TestConfigOps(t *testing.T) {
	m, _ := testManager(t)

	latency, err := m.GetLatency()
	require.NoError(t, err)
	require.Equal(t, 60, latency)

	require.NoError(t, m.SetLatency(120))
	latency, err = m.GetLatency()
	require.NoError(t, err)
	require.Equal(t, 120, latency)

	// setting the same value again still succeeds
	require.NoError(t, m.SetLatency(120))

	err = m.SetLatency(0)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))

	require.NoError(t, m.SetServerAddress("server2.example.com:443"))
	addr, err := m.GetServerAddress()
	require.NoError(t, err)
	require.Equal(t, "server2.example.com:443", addr)

	err = m.SetServerAddress("")
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestFriendLifecycle(t *testing.T) {
	m, _ := testManager(t)

	alice := addCompleteFriend(t, m, "alice")
	addCompleteFriend(t, m, "bob")

	friends, err := m.GetFriends()
	require.NoError(t, err)
	require.Len(t, friends, 2)

	f, err := m.GetFriend("alice")
	require.NoError(t, err)
	require.Equal(t, alice.UID, f.UID)
	require.Equal(t, ProgressComplete, f.Progress)

	addr, err := m.GetFriendAddress(alice.UID)
	require.NoError(t, err)
	require.Equal(t, alice.UID, addr.FriendUID)

	require.NoError(t, m.DeleteFriend("alice"))
	_, err = m.GetFriend("alice")
	require.Equal(t, CodeNotFound, CodeOf(err))
	friends, err = m.GetFriends()
	require.NoError(t, err)
	require.Len(t, friends, 1)

	_, err = m.GetFriendAddress(alice.UID)
	require.Equal(t, CodeNotFound, CodeOf(err))

	err = m.DeleteFriend("nobody")
	require.Equal(t, CodeNotFound, CodeOf(err))
}

func TestReAddFriendNameAfterDelete(t *testing.T) {
	m, _ := testManager(t)

	first := addCompleteFriend(t, m, "alice")
	require.NoError(t, m.DeleteFriend("alice"))

	// the name is free again once its holder is soft-deleted
	second := addCompleteFriend(t, m, "alice")
	require.NotEqual(t, first.UID, second.UID)

	f, err := m.GetFriend("alice")
	require.NoError(t, err)
	require.Equal(t, second.UID, f.UID)

	friends, err := m.GetFriends()
	require.NoError(t, err)
	require.Len(t, friends, 1)
}

func TestAckSlotAllocation(t *testing.T) {
	m, _ := testManager(t)

	names := []string{"a", "b", "c", "d", "e"}
	for _, name := range names {
		addCompleteFriend(t, m, name)
	}

	// all five slots leased
	id := newPublicID(t)
	require.NoError(t, m.AddIncomingAsyncInvitation(id, "one too many"))
	_, err := m.AcceptIncomingInvitation(id, "f", "f", testKeys())
	require.Equal(t, CodeResourceExhausted, CodeOf(err))

	acks, err := m.AcksToSend()
	require.NoError(t, err)
	require.Len(t, acks, 5)
	seen := map[int]bool{}
	for _, a := range acks {
		require.GreaterOrEqual(t, a.AckIndex, 0)
		require.Less(t, a.AckIndex, 5)
		require.False(t, seen[a.AckIndex])
		seen[a.AckIndex] = true
	}

	// deleting a friend frees its slot for reuse
	require.NoError(t, m.DeleteFriend("c"))
	_, err = m.AcceptIncomingInvitation(id, "f", "f", testKeys())
	require.NoError(t, err)
	acks, err = m.AcksToSend()
	require.NoError(t, err)
	require.Len(t, acks, 5)
}

func TestGetRandomEnabledFriendAddressExcluding(t *testing.T) {
	m, _ := testManager(t)

	alice := addCompleteFriend(t, m, "alice")
	bob := addCompleteFriend(t, m, "bob")

	for i := 0; i < 10; i++ {
		addr, err := m.GetRandomEnabledFriendAddressExcluding([]int64{alice.UID})
		require.NoError(t, err)
		require.Equal(t, bob.UID, addr.FriendUID)
	}

	_, err := m.GetRandomEnabledFriendAddressExcluding([]int64{alice.UID, bob.UID})
	require.Equal(t, CodeNotFound, CodeOf(err))
}
