package sync

// Reconcile returns the updates the sending side must push so that the
// receiving side converges to the sender's view.
//
// Both ends of a session call Reconcile with themselves as the sender, so
// each side independently decides what it still needs to send. There's no
// negotiation over conflicting edits: whichever update is applied last, by
// arrival order, wins. This relies on the two initial scans being taken
// close together in time.
func Reconcile(sender, receiver PathState) []Update {
	return Diff(sender, receiver)
}
