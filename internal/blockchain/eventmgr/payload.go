package eventmgr

// Payload is the normalized shape of a chaincode event delivered to callers, whatever the delivery mode.
type Payload struct {
	Payload       string `json:"payload"`
	BlockNumber   uint64 `json:"blockNumber"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	EventName     string `json:"eventName,omitempty"`
	ChaincodeID   string `json:"chaincodeId,omitempty"`
}

// TxStatusValid is the status reported when the transport doesn't carry a validation code. Transports only emit chaincode events of committed valid transactions.
const TxStatusValid = "VALID"

// NewPayload normalizes a raw chaincode event.
func NewPayload(event *ChaincodeEvent) *Payload {
	status := event.TxStatus
	if status == "" {
		status = TxStatusValid
	}

	return &Payload{
		Payload:       string(event.Payload),
		BlockNumber:   event.BlockNumber,
		TransactionID: event.TxID,
		Status:        status,
		EventName:     event.EventName,
		ChaincodeID:   event.ChaincodeID,
	}
}
