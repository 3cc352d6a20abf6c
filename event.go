package cafeds

// Delivery is published on Node's delivery channel each time an Order is
// actually delivered — in sequence, after WAL durability. It's the signal
// an outer UI (waiter/kitchen) consumes, without needing to know anything
// about epochs, buffering, or retransmission. Grounded on zeromq-gyre's
// event.go accessor-method Event type.
type Delivery struct {
	order Order
}

// Seq returns the delivered order's sequence number.
func (d Delivery) Seq() int {
	return d.order.Seq
}

// Sender returns the node id recorded as the order's submitter. Orders a
// follower receives over TCP carry no sender id, so for those it is 0.
func (d Delivery) Sender() int {
	return d.order.SenderID
}

// UUID returns the order's client-generated idempotency key.
func (d Delivery) UUID() string {
	return d.order.OrderUUID
}

// Payload returns the opaque attribute bag the submitter provided; the
// core never inspects its contents, so this is handed back unexamined.
func (d Delivery) Payload() map[string]interface{} {
	return d.order.Payload
}

// Order returns the full delivered record.
func (d Delivery) Order() Order {
	return d.order
}
