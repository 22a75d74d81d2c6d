package messaging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceivedMessageQueries(t *testing.T) {
	m, cl := testManager(t)

	latest, err := m.GetMostRecentReceivedDeliveredAt()
	require.NoError(t, err)
	require.Equal(t, int64(0), latest)

	addCompleteFriend(t, m, "alice")
	cl.AdvanceMs(1000)
	addCompleteFriend(t, m, "bob")

	all, err := m.GetReceivedMessages(MessageQuery{Limit: -1, SortBy: SortReceivedAt})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// newest first
	require.Equal(t, "invitation from bob", all[0].Message)
	require.Equal(t, "invitation from alice", all[1].Message)

	limited, err := m.GetReceivedMessages(MessageQuery{Limit: 1, SortBy: SortReceivedAt})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	after, err := m.GetReceivedMessages(MessageQuery{Limit: -1, SortBy: SortReceivedAt, After: all[1].ReceivedAt})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, "invitation from bob", after[0].Message)

	fresh, err := m.GetReceivedMessages(MessageQuery{Limit: -1, Filter: FilterNew})
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	require.NoError(t, m.MarkMessageAsSeen(all[0].UID))
	fresh, err = m.GetReceivedMessages(MessageQuery{Limit: -1, Filter: FilterNew})
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	err = m.MarkMessageAsSeen(99999)
	require.Equal(t, CodeNotFound, CodeOf(err))

	latest, err = m.GetMostRecentReceivedDeliveredAt()
	require.NoError(t, err)
	require.Greater(t, latest, int64(0))
}

func TestInvalidQueryCombinations(t *testing.T) {
	m, _ := testManager(t)

	_, err := m.GetReceivedMessages(MessageQuery{Limit: -1, SortBy: SortSentAt})
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
	_, err = m.GetReceivedMessages(MessageQuery{Limit: -1, After: 100})
	require.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = m.GetSentMessages(MessageQuery{Limit: -1, Filter: FilterNew})
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
	_, err = m.GetSentMessages(MessageQuery{Limit: -1, SortBy: SortReceivedAt})
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
	_, err = m.GetSentMessages(MessageQuery{Limit: -1, SortBy: SortDeliveredAt})
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
	_, err = m.GetSentMessages(MessageQuery{Limit: -1, After: 100})
	require.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = m.GetDraftMessages(MessageQuery{Limit: -1})
	require.Equal(t, CodeUnimplemented, CodeOf(err))
}
