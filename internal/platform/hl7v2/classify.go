package hl7v2

import "strings"

// Kind is the processing path chosen for an inbound message.
type Kind string

const (
	KindQuery  Kind = "query"
	KindResult Kind = "result"
)

// queryTriggers are message type families answered with a demographic
// query response.
var queryTriggers = []string{"QRY", "QBP"}

// Classify routes a parsed message. A message is a query when it carries a
// QRD segment, when MSH-9 names a query family, or when it is an order
// message without any OBX segment. Everything else takes the result path.
func Classify(p *ParseOutcome) Kind {
	if p.QRD != "" {
		return KindQuery
	}

	msgType := strings.ToUpper(p.MessageType)
	for _, q := range queryTriggers {
		if strings.Contains(msgType, q) {
			return KindQuery
		}
	}

	if strings.HasPrefix(msgType, "ORM") && !p.HasOBX {
		return KindQuery
	}

	return KindResult
}
