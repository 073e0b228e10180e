// Package tokens models access-token records and the confined merge the
// batch validator applies to them.
package tokens

import "time"

// Record is one access token as the validator sees it: an opaque id plus
// the quota and status fields a test call is allowed to refresh.
type Record struct {
	ID                  string `json:"id"`
	Email               string `json:"email,omitempty"`
	Username            string `json:"username,omitempty"`
	Status              string `json:"status,omitempty"`
	Sora2Supported      bool   `json:"sora2_supported,omitempty"`
	Sora2InviteCode     string `json:"sora2_invite_code,omitempty"`
	Sora2RedeemedCount  int    `json:"sora2_redeemed_count,omitempty"`
	Sora2TotalCount     int    `json:"sora2_total_count,omitempty"`
	Sora2RemainingCount int    `json:"sora2_remaining_count,omitempty"`

	LastTestedAt time.Time `json:"last_tested_at,omitzero"`
}

// TestResponse is the JSON body of a token test call. Pointer fields
// distinguish absent from zero: only fields the server actually sent
// may overwrite a record.
type TestResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`

	Email               *string `json:"email,omitempty"`
	Username            *string `json:"username,omitempty"`
	Sora2Supported      *bool   `json:"sora2_supported,omitempty"`
	Sora2InviteCode     *string `json:"sora2_invite_code,omitempty"`
	Sora2RedeemedCount  *int    `json:"sora2_redeemed_count,omitempty"`
	Sora2TotalCount     *int    `json:"sora2_total_count,omitempty"`
	Sora2RemainingCount *int    `json:"sora2_remaining_count,omitempty"`
}

// Valid reports whether the response confirms a working token. The
// upstream replies success:true on every non-exception path and signals
// an invalid-but-testable token with status "failed", so status carries
// the verdict.
func (r *TestResponse) Valid() bool {
	return r.Success && r.Status != "failed"
}

// FailureMessage returns the human-readable cause carried by an
// unsuccessful response, checking the usual field spellings.
func (r *TestResponse) FailureMessage() string {
	for _, s := range []string{r.Message, r.Detail, r.Error, r.Status} {
		if s != "" {
			return s
		}
	}
	return "token test failed"
}

// Merge applies a test response confirming a valid token to the record.
// Absent fields leave the existing values untouched; the record's id
// never changes. Responses that report an invalid token are ignored.
func (rec *Record) Merge(resp *TestResponse, testedAt time.Time) {
	if resp == nil || !resp.Valid() {
		return
	}
	if resp.Status != "" {
		rec.Status = resp.Status
	}
	if resp.Email != nil {
		rec.Email = *resp.Email
	}
	if resp.Username != nil {
		rec.Username = *resp.Username
	}
	if resp.Sora2Supported != nil {
		rec.Sora2Supported = *resp.Sora2Supported
	}
	if resp.Sora2InviteCode != nil {
		rec.Sora2InviteCode = *resp.Sora2InviteCode
	}
	if resp.Sora2RedeemedCount != nil {
		rec.Sora2RedeemedCount = *resp.Sora2RedeemedCount
	}
	if resp.Sora2TotalCount != nil {
		rec.Sora2TotalCount = *resp.Sora2TotalCount
	}
	if resp.Sora2RemainingCount != nil {
		rec.Sora2RemainingCount = *resp.Sora2RemainingCount
	}
	rec.LastTestedAt = testedAt
}
