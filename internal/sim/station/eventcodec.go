package station

import (
	"encoding/json"
	"fmt"
)

// EventRecord is the logged form of an applied event.
type EventRecord struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func EncodeEvent(ev Event) (EventRecord, error) {
	if ev == nil {
		return EventRecord{}, fmt.Errorf("station: nil event")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return EventRecord{Type: ev.eventName()}, fmt.Errorf("station: encode %s: %w", ev.eventName(), err)
	}
	return EventRecord{Type: ev.eventName(), Data: b}, nil
}

func DecodeEvent(r EventRecord) (Event, error) {
	dec, ok := eventDecoders[r.Type]
	if !ok {
		return nil, fmt.Errorf("station: unknown event type %q", r.Type)
	}
	if len(r.Data) == 0 {
		return nil, fmt.Errorf("station: event %s has no data", r.Type)
	}
	ev, err := dec(r.Data)
	if err != nil {
		return nil, fmt.Errorf("station: decode %s: %w", r.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var eventDecoders = map[string]func(json.RawMessage) (Event, error){
	GridCreated{}.eventName():        decodeAs[GridCreated],
	GridRemoved{}.eventName():        decodeAs[GridRemoved],
	TileBlockedChanged{}.eventName(): decodeAs[TileBlockedChanged],
	TileSpaced{}.eventName():         decodeAs[TileSpaced],
	TileAdded{}.eventName():          decodeAs[TileAdded],
	TileRemoved{}.eventName():        decodeAs[TileRemoved],
	NodeAdded{}.eventName():          decodeAs[NodeAdded],
	NodeRemoved{}.eventName():        decodeAs[NodeRemoved],
	NodeMoved{}.eventName():          decodeAs[NodeMoved],
	NodeRotated{}.eventName():        decodeAs[NodeRotated],
	NodeAnchorChanged{}.eventName():  decodeAs[NodeAnchorChanged],
	DeviceAdded{}.eventName():        decodeAs[DeviceAdded],
	DeviceRemoved{}.eventName():      decodeAs[DeviceRemoved],
	DeviceToggled{}.eventName():      decodeAs[DeviceToggled],
	GasInjected{}.eventName():        decodeAs[GasInjected],
	GasRemoved{}.eventName():         decodeAs[GasRemoved],
}
