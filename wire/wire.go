// Package wire is the realtime channel protocol between a board client
// and the broadcast hub: JSON frames over a single websocket.
//
// The hub adds no sequence numbers. Ordering within one sender's stream
// of element events is preserved only as strongly as the transport
// preserves message order.
package wire

import (
	"encoding/json"

	"github.com/drawsync/drawsync/collab"
)

type FrameType string

const (
	FrameInvoke FrameType = "invoke"
	FrameAck    FrameType = "ack"
	FrameEvent  FrameType = "event"
)

// client -> server methods
const (
	MethodJoinBoard       = "JoinBoard"
	MethodLeaveBoard      = "LeaveBoard"
	MethodUpdateCursor    = "UpdateCursor"
	MethodCreateElement   = "CreateElement"
	MethodUpdateElement   = "UpdateElement"
	MethodDeleteElements  = "DeleteElements"
	MethodUpdateSelection = "UpdateSelection"
)

// server -> client events
const (
	EventParticipantJoined = "ParticipantJoined"
	EventParticipantLeft   = "ParticipantLeft"
	EventCursorMoved       = "CursorMoved"
	EventElementCreated    = "ElementCreated"
	EventElementUpdated    = "ElementUpdated"
	EventElementsDeleted   = "ElementsDeleted"
	EventSelectionChanged  = "SelectionChanged"
)

type Frame struct {
	Type FrameType `json:"type"`
	// invoke/ack correlation id, per connection
	Id     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func NewInvoke(id uint64, method string, params any) (*Frame, error) {
	paramsJson, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:   FrameInvoke,
		Id:     id,
		Method: method,
		Params: paramsJson,
	}, nil
}

func NewAck(id uint64, result any) (*Frame, error) {
	var resultJson json.RawMessage
	if result != nil {
		var err error
		resultJson, err = json.Marshal(result)
		if err != nil {
			return nil, err
		}
	}
	return &Frame{
		Type:   FrameAck,
		Id:     id,
		Params: resultJson,
	}, nil
}

func NewErrorAck(id uint64, message string) *Frame {
	return &Frame{
		Type:  FrameAck,
		Id:    id,
		Error: message,
	}
}

func NewEvent(event string, params any) (*Frame, error) {
	paramsJson, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:   FrameEvent,
		Method: event,
		Params: paramsJson,
	}, nil
}

type Participant struct {
	ConnectionId collab.Id `json:"connectionId"`
	DisplayName  string    `json:"displayName,omitempty"`
}

type JoinBoardArgs struct {
	BoardId     collab.Id `json:"boardId"`
	DisplayName string    `json:"displayName,omitempty"`
	ShareToken  string    `json:"shareToken,omitempty"`
}

type JoinBoardResult struct {
	ConnectionId collab.Id     `json:"connectionId"`
	Participants []Participant `json:"participants"`
}

type LeaveBoardArgs struct {
	BoardId collab.Id `json:"boardId"`
}

type UpdateCursorArgs struct {
	BoardId collab.Id `json:"boardId"`
	X       float64   `json:"x"`
	Y       float64   `json:"y"`
}

type CreateElementArgs struct {
	BoardId collab.Id       `json:"boardId"`
	Element *collab.Element `json:"element"`
}

type UpdateElementArgs struct {
	BoardId   collab.Id             `json:"boardId"`
	ElementId collab.Id             `json:"elementId"`
	Payload   collab.ElementPayload `json:"payload"`
}

type DeleteElementsArgs struct {
	BoardId    collab.Id   `json:"boardId"`
	ElementIds []collab.Id `json:"elementIds"`
}

type UpdateSelectionArgs struct {
	BoardId    collab.Id   `json:"boardId"`
	ElementIds []collab.Id `json:"elementIds"`
}

type ParticipantJoinedEvent struct {
	ConnectionId collab.Id `json:"connectionId"`
	DisplayName  string    `json:"displayName,omitempty"`
}

type ParticipantLeftEvent struct {
	ConnectionId collab.Id `json:"connectionId"`
}

type CursorMovedEvent struct {
	ConnectionId collab.Id `json:"connectionId"`
	X            float64   `json:"x"`
	Y            float64   `json:"y"`
}

type ElementCreatedEvent struct {
	Element *collab.Element `json:"element"`
}

type ElementUpdatedEvent struct {
	ElementId collab.Id             `json:"elementId"`
	Payload   collab.ElementPayload `json:"payload"`
}

type ElementsDeletedEvent struct {
	ElementIds []collab.Id `json:"elementIds"`
}

type SelectionChangedEvent struct {
	ConnectionId collab.Id   `json:"connectionId"`
	ElementIds   []collab.Id `json:"elementIds"`
}
