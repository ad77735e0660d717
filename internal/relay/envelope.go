package relay

import (
	"encoding/json"

	"github.com/modelguard/relay/internal/ierr"
)

// Envelope is the wire format in both directions. Inbound client events
// carry Method and Params; Id is set only when the client expects a reply.
// Outbound broadcasts are notifications (no Id), replies carry Result or
// Error for the originating Id.
type Envelope struct {
	Id     int              `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Params *json.RawMessage `json:"params,omitempty"`
	Result *json.RawMessage `json:"result,omitempty"`
	Error  *ierr.Error      `json:"error,omitempty"`
}

func NewNotification(method string, params any) (Envelope, error) {
	envelope := Envelope{Method: method}

	if params == nil {
		return envelope, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, err
	}

	rawParams := json.RawMessage(raw)
	envelope.Params = &rawParams

	return envelope, nil
}

// NewRelayed re-emits an inbound event verbatim: same method, the exact
// raw params the sender supplied.
func NewRelayed(method string, params *json.RawMessage) Envelope {
	return Envelope{
		Method: method,
		Params: params,
	}
}

func (e Envelope) ReplyExpected() bool {
	return e.Id != 0
}

func (e Envelope) Reply(result any) (Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Envelope{}, err
	}

	rawResult := json.RawMessage(raw)

	return Envelope{
		Id:     e.Id,
		Result: &rawResult,
	}, nil
}

func (e Envelope) ReplyWithError(err ierr.Error) Envelope {
	return Envelope{
		Id:    e.Id,
		Error: &err,
	}
}
