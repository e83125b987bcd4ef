package callbacker

import (
	"time"
)

// Event names as delivered to the webhook endpoint.
const (
	EventReadyToExecute = "ready-to-execute"
	EventAdd            = "tx-added"
	EventDelete         = "tx-deleted"
	EventTrust          = "tx-trusted"
	EventUntrust        = "tx-untrusted"
	EventBan            = "tx-banned"
	EventUnban          = "tx-unbanned"
	EventUnindex        = "tx-unindexed"
	EventJigState       = "jig-state"
)

// Notifier adapts the engine's event sink onto the callback sender. It is
// invoked after store commits, so subscribers observe consistent state.
type Notifier struct {
	sender *CallbackSender
	now    func() time.Time
}

func NewNotifier(sender *CallbackSender) *Notifier {
	return &Notifier{
		sender: sender,
		now:    time.Now,
	}
}

func (n *Notifier) notify(event, txid string) {
	n.sender.Send(&Callback{
		Event:     event,
		Data:      txid,
		Timestamp: n.now().UTC(),
	})
}

func (n *Notifier) OnReadyToExecute(txid string)     { n.notify(EventReadyToExecute, txid) }
func (n *Notifier) OnAddTransaction(txid string)     { n.notify(EventAdd, txid) }
func (n *Notifier) OnDeleteTransaction(txid string)  { n.notify(EventDelete, txid) }
func (n *Notifier) OnTrustTransaction(txid string)   { n.notify(EventTrust, txid) }
func (n *Notifier) OnUntrustTransaction(txid string) { n.notify(EventUntrust, txid) }
func (n *Notifier) OnBanTransaction(txid string)     { n.notify(EventBan, txid) }
func (n *Notifier) OnUnbanTransaction(txid string)   { n.notify(EventUnban, txid) }
func (n *Notifier) OnUnindexTransaction(txid string) { n.notify(EventUnindex, txid) }
func (n *Notifier) OnJigState(location string)       { n.notify(EventJigState, location) }
