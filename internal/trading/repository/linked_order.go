package repository

import "market_maker/internal/domain"

// LinkedOrderRepository answers "what order set currently covers this
// record" (entry + TP + SL) without recomputing secondary indexes on every
// call — a SUPPLEMENTED feature (original linked_order_repository.py),
// expressed here as a thin named view over OrderRepository's existing
// RecordID index rather than a second copy of the data.
type LinkedOrderRepository struct {
	orders *OrderRepository
}

func NewLinkedOrderRepository(orders *OrderRepository) *LinkedOrderRepository {
	return &LinkedOrderRepository{orders: orders}
}

// OrdersForRecord returns every order (entry, TP, SL, close) bound to
// recordID, in no particular order — callers partition by Purpose.
func (l *LinkedOrderRepository) OrdersForRecord(recordID string) []*domain.Order {
	return l.orders.ForRecord(recordID)
}
