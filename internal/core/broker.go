package core

import "time"

// BrokerMessage is a message handed to the executor by the broker: the
// decoded task message plus the delivery metadata needed to ack or claim
// it later.
type BrokerMessage struct {
	Message     TaskMessage
	DeliveryTag string
	Queue       string
	ReceivedAt  time.Time
}
