package taskflow

import "strings"

type recoveryRule struct {
	patterns []string
	hint     string
}

// recoveryRules are checked in order against the lowercased error message.
var recoveryRules = []recoveryRule{
	{[]string{"channelid and content are required"},
		"Make sure to include both 'channelId' and 'content' parameters when calling send_message."},
	{[]string{"ticketid and content are required"},
		"Make sure to include both 'ticketId' and 'content' parameters when calling add_ticket_comment."},
	{[]string{"ticketid and status are required"},
		"Make sure to include both 'ticketId' and 'status' parameters when calling update_ticket_status."},
	{[]string{"is required", "are required", "missing"},
		"Check that every required parameter is provided with a non-empty value."},
	{[]string{"not found", "does not exist"},
		"Verify the referenced id exists; list or re-read the ticket or channel before retrying."},
	{[]string{"permission", "forbidden", "unauthorized", "not allowed"},
		"The agent may lack access for this operation; try a different tool or ask for help in a comment."},
	{[]string{"timeout", "timed out", "deadline exceeded"},
		"The operation timed out; retry with a smaller request."},
	{[]string{"syntax", "json", "parse", "invalid"},
		"Check the argument format; values must match the tool's parameter schema."},
}

const defaultRecovery = "Review the error and adjust the approach before retrying."

// RecoveryStrategy picks a remediation hint for a failed step. The hint is
// advice for the next attempt and is never acted on automatically.
func RecoveryStrategy(errMsg string) string {
	msg := strings.ToLower(errMsg)
	for _, r := range recoveryRules {
		if containsAny(msg, r.patterns) {
			return r.hint
		}
	}
	return defaultRecovery
}
