package schedoc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus_AllValid(t *testing.T) {
	for _, st := range AllStatuses {
		got, err := ParseStatus(st.String())
		require.NoError(t, err)
		require.Equal(t, st, got)
	}
}

func TestParseStatus_Unknown(t *testing.T) {
	_, err := ParseStatus("nope")
	require.ErrorIs(t, err, ErrUnknownStatus)
}

func TestStatus_Terminal(t *testing.T) {
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusInProgress.Terminal())
	for _, st := range []Status{StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut, StatusSchedulingTimedOut} {
		require.True(t, st.Terminal(), st)
	}
}
