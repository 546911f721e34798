package registry

import "sync"

// notifier wakes in-process readers of a run whenever its state changes.
type notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{chans: make(map[string]chan struct{})}
}

// watch returns a channel that is closed on the next notify for runID.
// Callers must take the channel before reading state to avoid missed wakeups.
func (n *notifier) watch(runID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.chans[runID]
	if !ok {
		ch = make(chan struct{})
		n.chans[runID] = ch
	}
	return ch
}

func (n *notifier) notify(runID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.chans[runID]; ok {
		close(ch)
		delete(n.chans, runID)
	}
}
