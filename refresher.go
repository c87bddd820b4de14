package kcoord

import "time"

// defaultRefreshInterval is the hard-coded metadata refresh period.
// kcoord exposes it via RefreshInterval for callers who need a
// different cadence, but this remains the default.
const defaultRefreshInterval = 10 * time.Minute

// runRefresher is a re-arming timer that posts an unsolicited
// full-metadata message on every tick. The timer's callback never runs
// the fetch itself - it only triggers, preserving the agent's
// sole-writer serialization.
func (c *Coordinator) runRefresher() {
	defer close(c.refresherDone)

	ticker := time.NewTicker(c.cfg.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.postFullMetadataRefresh()
		}
	}
}

// postFullMetadataRefresh enqueues a full-metadata message with no
// attached waiter, used by both the periodic refresher and the
// node-dead handler.
func (c *Coordinator) postFullMetadataRefresh() {
	select {
	case c.mailbox <- mailboxMsg{kind: msgFullMetadata}:
	case <-c.closed:
	}
}
