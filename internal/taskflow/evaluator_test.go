package taskflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywordEvaluator(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		proceed bool
		pos     float64
		neg     float64
	}{
		{"plain proceed", "proceed", true, 1, 0},
		{"empty text ties", "", true, 0, 0},
		{"retry wins", "The call failed, please retry.", false, 0, 2},
		{"tie favours proceed", "Completed, but try again later if needed.", true, 1, 1},
		{"error outweighed", "Completed with one error.", true, 1, 0.7},
		{"half weights", "The result is adequate but something is missing.", true, 0.5, 0.5},
		{"soft negatives win", "The output is incorrect and a field is missing.", false, 0, 1},
		{"case insensitive", "PROCEED to the NEXT STEP", true, 2, 0},
		{"phrase counted once", "retry retry retry, proceed", true, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := KeywordEvaluator{}.Decide(tt.text)
			assert.Equal(t, tt.proceed, v.Proceed)
			assert.InDelta(t, tt.pos, v.Positive, 1e-9)
			assert.InDelta(t, tt.neg, v.Negative, 1e-9)
		})
	}
}

func TestKeywordEvaluator_Overrides(t *testing.T) {
	tests := []struct {
		text    string
		proceed bool
	}{
		{"Everything failed with an error, retry... no, skip step.", true},
		{"Force proceed even though it failed.", true},
		{"It is unsuccessful, continue anyway", true},
		{"We hit maximum retries.", false},
		{"Too many attempts; let's continue.", true},
		{"Maximum retries reached, skip it and succeed later", true},
		{"Too many attempts and it failed, retry", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.proceed, KeywordEvaluator{}.Decide(tt.text).Proceed)
		})
	}
}

func TestParsePlan(t *testing.T) {
	text := `Sure! Here is what I'll do:

1. Read the ticket (using add_ticket_comment)
2.   **Ask in general for context**
   3. Post the summary (Using send_message)
4.no space so ignored
- a bullet
10. Close out`

	assert.Equal(t, []string{
		"Read the ticket",
		"Ask in general for context",
		"Post the summary",
		"Close out",
	}, ParsePlan(text))

	assert.Empty(t, ParsePlan("no numbers here"))
	assert.Empty(t, ParsePlan("1. (using send_message)"))
}

func TestRecoveryStrategy(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{"channelId and content are required",
			"Make sure to include both 'channelId' and 'content' parameters when calling send_message."},
		{"ticketId and content are required",
			"Make sure to include both 'ticketId' and 'content' parameters when calling add_ticket_comment."},
		{"ticketId and status are required",
			"Make sure to include both 'ticketId' and 'status' parameters when calling update_ticket_status."},
		{"content is required", "Check that every required parameter is provided with a non-empty value."},
		{"channel random not found", "Verify the referenced id exists; list or re-read the ticket or channel before retrying."},
		{"permission denied", "The agent may lack access for this operation; try a different tool or ask for help in a comment."},
		{"context deadline exceeded", "The operation timed out; retry with a smaller request."},
		{"invalid JSON in arguments", "Check the argument format; values must match the tool's parameter schema."},
		{"boom", defaultRecovery},
	}
	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			assert.Equal(t, tt.want, RecoveryStrategy(tt.err))
		})
	}
}
