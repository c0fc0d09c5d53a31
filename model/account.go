package model

import "fmt"

// Account describes one POP3 mailbox and the command its mail is piped to.
// Immutable once validated by the config loader.
type Account struct {
	Host     string
	User     string
	Password string
	Port     int
	UseSSL   bool
	UseAPOP  bool
	Command  string
}

// Scope identifies the account inside the ledger. Two accounts sharing a
// server but differing in user or port are distinct scopes.
func (a Account) Scope() string {
	return fmt.Sprintf("%s@%s:%d", a.User, a.Host, a.Port)
}

// Key is the ledger key for one message of this account.
func (a Account) Key(uid string) string {
	return a.Scope() + "#" + uid
}

// Remote is one pending message as reported by the current session.
// Seq is the server-assigned ordinal and is only meaningful within the
// session that reported it; UID is the stable identity.
type Remote struct {
	Seq  int
	Size int64
	UID  string
}
