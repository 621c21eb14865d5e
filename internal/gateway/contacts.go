package gateway

// ContactSource resolves which users are interested in a given user's
// presence changes. The social graph itself lives in an external service;
// the gateway only consumes this interface.
type ContactSource interface {
	Contacts(userID string) []string
}

// StaticContacts is a fixed in-memory contact graph, used in tests and
// single-node deployments without a graph service.
type StaticContacts map[string][]string

func (s StaticContacts) Contacts(userID string) []string {
	return s[userID]
}

// NoContacts disables presence fan-out entirely.
type NoContacts struct{}

func (NoContacts) Contacts(string) []string { return nil }
