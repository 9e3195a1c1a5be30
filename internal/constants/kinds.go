package constants

// Event kinds the pool treats specially.
const (
	KindProfile     = 0
	KindTextNote    = 1
	KindContactList = 3
	KindDeletion    = 5
	KindRelayList   = 10002
)

// DefaultOneShotKinds are closed as soon as every relay reports EOSE. They
// are replaceable metadata, so a live feed adds little after the first answer.
var DefaultOneShotKinds = []int{KindProfile, KindContactList}

// Machine-readable prefixes on OK and CLOSED reasons.
const (
	PrefixAuthRequired = "auth-required:"
	PrefixDuplicate    = "duplicate:"
	PrefixBlocked      = "blocked:"
	PrefixRateLimited  = "rate-limited:"
	PrefixInvalid      = "invalid:"
	PrefixError        = "error:"
	PrefixRestricted   = "restricted:"
)

// Store defaults.
const (
	DatabaseName   = "relaypool"
	EventsTable    = "posts"
	BloomCapacity  = 1_000_000
	BloomFalseRate = 0.001
)
