package hibiki

import "fmt"

// AccountType identifies what kind of account a session logs in as.
type AccountType string

const (
	// AccountTypeBot is an automated account without a social graph.
	AccountTypeBot AccountType = "bot"
	// AccountTypeClient is a user account with relationships and groups.
	AccountTypeClient AccountType = "client"
)

// HasSocialGraph reports whether relationships and groups exist for the type.
func (t AccountType) HasSocialGraph() bool {
	return t == AccountTypeClient
}

// Validate checks that the account type is known.
func (t AccountType) Validate() error {
	switch t {
	case AccountTypeBot, AccountTypeClient:
		return nil
	default:
		return fmt.Errorf("%w: unknown account type %q", ErrInvalidConfig, string(t))
	}
}
