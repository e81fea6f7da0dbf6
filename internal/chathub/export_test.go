package chathub

import "context"

// PendingEvents returns the live events held for a resuming subscription.
func (m *ManagerService) PendingEvents(ctx context.Context, connID, room string) (int, error) {
	var n int
	err := m.inspect(ctx, func() {
		if conn := m.conns[connID]; conn != nil {
			if sub := conn.rooms[room]; sub != nil {
				n = len(sub.pending)
			}
		}
	})
	return n, err
}
