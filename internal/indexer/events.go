package indexer

// Events receives engine notifications. Callbacks fire after the store
// transaction that produced them has committed, never from inside it, so
// observers always see consistent state. Delivery is at-least-once; the
// executor must be idempotent against duplicate OnReadyToExecute fires.
type Events interface {
	OnReadyToExecute(txid string)
	OnAddTransaction(txid string)
	OnDeleteTransaction(txid string)
	OnTrustTransaction(txid string)
	OnUntrustTransaction(txid string)
	OnBanTransaction(txid string)
	OnUnbanTransaction(txid string)
	OnUnindexTransaction(txid string)
	OnJigState(location string)
}

// NoopEvents implements Events with no-ops. Embed it to wire only the
// callbacks a consumer cares about.
type NoopEvents struct{}

func (NoopEvents) OnReadyToExecute(_ string)     {}
func (NoopEvents) OnAddTransaction(_ string)     {}
func (NoopEvents) OnDeleteTransaction(_ string)  {}
func (NoopEvents) OnTrustTransaction(_ string)   {}
func (NoopEvents) OnUntrustTransaction(_ string) {}
func (NoopEvents) OnBanTransaction(_ string)     {}
func (NoopEvents) OnUnbanTransaction(_ string)   {}
func (NoopEvents) OnUnindexTransaction(_ string) {}
func (NoopEvents) OnJigState(_ string)           {}

// MultiEvents fans every event out to each sink in order.
type MultiEvents []Events

func (m MultiEvents) OnReadyToExecute(txid string) {
	for _, e := range m {
		e.OnReadyToExecute(txid)
	}
}

func (m MultiEvents) OnAddTransaction(txid string) {
	for _, e := range m {
		e.OnAddTransaction(txid)
	}
}

func (m MultiEvents) OnDeleteTransaction(txid string) {
	for _, e := range m {
		e.OnDeleteTransaction(txid)
	}
}

func (m MultiEvents) OnTrustTransaction(txid string) {
	for _, e := range m {
		e.OnTrustTransaction(txid)
	}
}

func (m MultiEvents) OnUntrustTransaction(txid string) {
	for _, e := range m {
		e.OnUntrustTransaction(txid)
	}
}

func (m MultiEvents) OnBanTransaction(txid string) {
	for _, e := range m {
		e.OnBanTransaction(txid)
	}
}

func (m MultiEvents) OnUnbanTransaction(txid string) {
	for _, e := range m {
		e.OnUnbanTransaction(txid)
	}
}

func (m MultiEvents) OnUnindexTransaction(txid string) {
	for _, e := range m {
		e.OnUnindexTransaction(txid)
	}
}

func (m MultiEvents) OnJigState(location string) {
	for _, e := range m {
		e.OnJigState(location)
	}
}
