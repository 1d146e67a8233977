package audit

import "github.com/rogersf/taskforge/internal/domain"

const defaultSubscriberBuffer = 64

// Subscribe registers a live listener. Records are delivered in chain order;
// a subscriber whose buffer is full misses records rather than stalling
// writers. The returned cancel func closes the channel.
func (l *Ledger) Subscribe(buffer int) (<-chan domain.AuditEventRecord, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan domain.AuditEventRecord, buffer)

	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// broadcast fans a record out to subscribers. Caller holds l.mu so deliveries
// keep write order.
func (l *Ledger) broadcast(rec domain.AuditEventRecord) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for id, ch := range l.subs {
		select {
		case ch <- rec:
		default:
			l.logger.Warn("audit subscriber buffer full, dropping record",
				"subscriber", id, "event_type", rec.EventType, "record_id", rec.ID)
		}
	}
}
