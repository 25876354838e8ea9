package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mcdev12/syncparty/go/internal/room/events"
)

const (
	// RoomServiceName is the fully-qualified name of the RoomService
	RoomServiceName = "syncparty.v1.RoomService"

	// GetRoomProcedure returns a room's projection, presence and connection count
	GetRoomProcedure = "/syncparty.v1.RoomService/GetRoom"
	// PublishSyncProcedure publishes a sync event into an active room
	PublishSyncProcedure = "/syncparty.v1.RoomService/PublishSync"
)

var errRoomNotActive = errors.New("room is not active on this gateway")

type GetRoomRequest struct {
	RoomID string `json:"roomId"`
}

type GetRoomResponse struct {
	RoomID      string           `json:"roomId"`
	State       events.RoomState `json:"state"`
	Members     events.Members   `json:"members"`
	Connections int              `json:"connections"`
}

type PublishSyncRequest struct {
	RoomID string           `json:"roomId"`
	Event  events.SyncEvent `json:"event"`
}

type PublishSyncResponse struct{}

// jsonCodec carries RoomService messages as plain JSON; the messages are not
// protobuf types
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// RoomService exposes active rooms over Connect
type RoomService struct {
	connectionManager *ConnectionManager
}

// NewRoomService creates a RoomService over cm
func NewRoomService(cm *ConnectionManager) *RoomService {
	return &RoomService{connectionManager: cm}
}

func (s *RoomService) GetRoom(ctx context.Context, req *connect.Request[GetRoomRequest]) (*connect.Response[GetRoomResponse], error) {
	roomID := req.Msg.RoomID
	if err := events.ValidateRoomID(roomID); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	cm := s.connectionManager
	cm.mu.RLock()
	rm, ok := cm.rooms[roomID]
	var connections int
	if ok {
		connections = len(rm.connections)
	}
	cm.mu.RUnlock()
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("room %s: %w", roomID, errRoomNotActive))
	}

	return connect.NewResponse(&GetRoomResponse{
		RoomID:      roomID,
		State:       rm.snapshot(),
		Members:     rm.ch.Presence(),
		Connections: connections,
	}), nil
}

func (s *RoomService) PublishSync(ctx context.Context, req *connect.Request[PublishSyncRequest]) (*connect.Response[PublishSyncResponse], error) {
	roomID := req.Msg.RoomID
	if err := events.ValidateRoomID(roomID); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := req.Msg.Event.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	rm, ok := s.connectionManager.lookup(roomID)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("room %s: %w", roomID, errRoomNotActive))
	}
	rm.ch.Publish(req.Msg.Event)
	return connect.NewResponse(&PublishSyncResponse{}), nil
}

// NewRoomServiceHandler builds the HTTP handler serving RoomService and the path
// prefix to mount it on
func NewRoomServiceHandler(svc *RoomService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	getRoom := connect.NewUnaryHandler(GetRoomProcedure, svc.GetRoom, opts...)
	publishSync := connect.NewUnaryHandler(PublishSyncProcedure, svc.PublishSync, opts...)

	return "/" + RoomServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case GetRoomProcedure:
			getRoom.ServeHTTP(w, r)
		case PublishSyncProcedure:
			publishSync.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// RoomServiceClient calls RoomService on a gateway
type RoomServiceClient struct {
	getRoom     *connect.Client[GetRoomRequest, GetRoomResponse]
	publishSync *connect.Client[PublishSyncRequest, PublishSyncResponse]
}

// NewRoomServiceClient creates a client for the gateway at baseURL
func NewRoomServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *RoomServiceClient {
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &RoomServiceClient{
		getRoom:     connect.NewClient[GetRoomRequest, GetRoomResponse](httpClient, baseURL+GetRoomProcedure, opts...),
		publishSync: connect.NewClient[PublishSyncRequest, PublishSyncResponse](httpClient, baseURL+PublishSyncProcedure, opts...),
	}
}

// GetRoom fetches a room's state
func (c *RoomServiceClient) GetRoom(ctx context.Context, roomID string) (*GetRoomResponse, error) {
	res, err := c.getRoom.CallUnary(ctx, connect.NewRequest(&GetRoomRequest{RoomID: roomID}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// PublishSync publishes ev into a room
func (c *RoomServiceClient) PublishSync(ctx context.Context, roomID string, ev events.SyncEvent) error {
	_, err := c.publishSync.CallUnary(ctx, connect.NewRequest(&PublishSyncRequest{RoomID: roomID, Event: ev}))
	return err
}
