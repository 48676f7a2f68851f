package mongostore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	schedoc "github.com/schedoc/schedoc-go"
)

var t0 = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

func TestBuildFilter_Claim(t *testing.T) {
	now := t0
	f := buildFilter(schedoc.TaskFilter{
		Status:            schedoc.StatusPending,
		ScheduledAtBefore: &now,
		NameIn:            []string{"email.send", "report"},
	})
	require.Equal(t, schedoc.StatusPending, f["status"])
	require.Equal(t, bson.M{"$lte": now}, f["scheduledAt"])
	require.Equal(t, bson.M{"$in": []string{"email.send", "report"}}, f["name"])
}

func TestBuildFilter_Sweep(t *testing.T) {
	now := t0
	f := buildFilter(schedoc.TaskFilter{
		Status:          schedoc.StatusInProgress,
		TimeoutAtBefore: &now,
	})
	require.Equal(t, schedoc.StatusInProgress, f["status"])
	require.Equal(t, bson.M{"$lte": now}, f["timeoutAt"])
	require.NotContains(t, f, "scheduledAt")
}

func TestBuildFilter_ByID(t *testing.T) {
	f := buildFilter(schedoc.TaskFilter{ID: "t-1"})
	require.Equal(t, bson.M{"_id": "t-1"}, f)
}

func TestBuildUpdate_ClaimFields(t *testing.T) {
	now := t0
	lease := t0.Add(10 * time.Minute)
	u := buildUpdate(schedoc.TaskUpdate{
		Status:           schedoc.StatusInProgress,
		StartedRunningAt: &now,
		TimeoutAt:        &lease,
		WorkerName:       "w-1",
	})
	set := u["$set"].(bson.M)
	require.Equal(t, schedoc.StatusInProgress, set["status"])
	require.Equal(t, now, set["startedRunningAt"])
	require.Equal(t, lease, set["timeoutAt"])
	require.Equal(t, "w-1", set["workerName"])
	require.Equal(t, bson.M{"updatedAt": true}, u["$currentDate"])
}

func TestBuildUpdate_ResultOnlyWhenSet(t *testing.T) {
	u := buildUpdate(schedoc.TaskUpdate{Status: schedoc.StatusSucceeded})
	set := u["$set"].(bson.M)
	require.NotContains(t, set, "result")

	u = buildUpdate(schedoc.TaskUpdate{Status: schedoc.StatusSucceeded, SetResult: true, Result: nil})
	set = u["$set"].(bson.M)
	require.Contains(t, set, "result")

	u = buildUpdate(schedoc.TaskUpdate{
		Status: schedoc.StatusFailed,
		Error:  &schedoc.TaskError{Message: "boom"},
	})
	set = u["$set"].(bson.M)
	require.Equal(t, &schedoc.TaskError{Message: "boom"}, set["error"])
}
