package tokens

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeConfinedToPresentFields(t *testing.T) {
	rec := Record{
		ID:                  "tok-1",
		Email:               "old@example.com",
		Status:              "unknown",
		Sora2RemainingCount: 3,
	}

	var resp TestResponse
	require.NoError(t, json.Unmarshal([]byte(
		`{"success":true,"status":"active","sora2_supported":true,"sora2_remaining_count":7}`,
	), &resp))

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	rec.Merge(&resp, now)

	assert.Equal(t, "tok-1", rec.ID)
	assert.Equal(t, "active", rec.Status)
	assert.True(t, rec.Sora2Supported)
	assert.Equal(t, 7, rec.Sora2RemainingCount)
	assert.Equal(t, now, rec.LastTestedAt)

	// Absent in the response, so preserved.
	assert.Equal(t, "old@example.com", rec.Email)
}

func TestMergeIgnoresUnsuccessfulResponse(t *testing.T) {
	rec := Record{ID: "tok-2", Status: "active"}

	resp := TestResponse{Success: false, Message: "invalid token"}
	rec.Merge(&resp, time.Now())

	assert.Equal(t, "active", rec.Status)
	assert.True(t, rec.LastTestedAt.IsZero())
}

func TestMergeIgnoresFailedStatus(t *testing.T) {
	rec := Record{ID: "tok-2", Status: "active", Sora2RemainingCount: 5}

	// The upstream wraps an invalid token in success:true and carries
	// the verdict in status.
	var resp TestResponse
	require.NoError(t, json.Unmarshal([]byte(
		`{"success":true,"status":"failed","message":"token expired","sora2_remaining_count":0}`,
	), &resp))

	rec.Merge(&resp, time.Now())

	assert.Equal(t, "active", rec.Status)
	assert.Equal(t, 5, rec.Sora2RemainingCount)
	assert.True(t, rec.LastTestedAt.IsZero())
}

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		resp TestResponse
		want bool
	}{
		{"success with status success", TestResponse{Success: true, Status: "success"}, true},
		{"success without status", TestResponse{Success: true}, true},
		{"success with status failed", TestResponse{Success: true, Status: "failed"}, false},
		{"not success", TestResponse{Success: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resp.Valid())
		})
	}
}

func TestMergeZeroValuesStillApply(t *testing.T) {
	rec := Record{ID: "tok-3", Sora2RemainingCount: 5}

	var resp TestResponse
	require.NoError(t, json.Unmarshal([]byte(
		`{"success":true,"sora2_remaining_count":0}`,
	), &resp))

	rec.Merge(&resp, time.Now())
	assert.Equal(t, 0, rec.Sora2RemainingCount, "an explicit zero overwrites")
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		name string
		resp TestResponse
		want string
	}{
		{"message field", TestResponse{Message: "expired"}, "expired"},
		{"detail field", TestResponse{Detail: "not found"}, "not found"},
		{"error field", TestResponse{Error: "boom"}, "boom"},
		{"status only", TestResponse{Status: "banned"}, "banned"},
		{"nothing", TestResponse{}, "token test failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resp.FailureMessage())
		})
	}
}
