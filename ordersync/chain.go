package ordersync

// Chain ids of the networks the exchange protocol is deployed on. A filter's
// ChainID scopes a sync session to one of these; everything else about the
// chain is opaque to the core.
const (
	ChainMainnet         = 1
	ChainRopsten         = 3
	ChainRinkeby         = 4
	ChainKovan           = 42
	ChainGanacheSnapshot = 1337
)
