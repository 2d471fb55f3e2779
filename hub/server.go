package hub

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/drawsync/drawsync/collab"
)

// Server exposes the hub websocket endpoint and the element HTTP API that
// collab.ApiStore talks to, on one mux.
type Server struct {
	hub   *Hub
	store collab.Store

	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func NewServer(hub *Hub, store collab.Store) *Server {
	self := &Server{
		hub:   hub,
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// board access is enforced by share tokens on join
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		mux: http.NewServeMux(),
	}

	self.mux.HandleFunc("GET /ws", self.serveWs)
	self.mux.HandleFunc("POST /api/boards/{boardId}/elements", self.createElement)
	self.mux.HandleFunc("PUT /api/boards/{boardId}/elements/{elementId}", self.updateElement)
	self.mux.HandleFunc("POST /api/boards/{boardId}/elements/delete", self.deleteElements)
	self.mux.HandleFunc("GET /api/boards/{boardId}/elements", self.listElements)

	return self
}

func (self *Server) Handler() http.Handler {
	return self.mux
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.mux.ServeHTTP(w, r)
}

func (self *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade = %s\n", err)
		return
	}
	go self.hub.AddConnection(ws)
}

func (self *Server) createElement(w http.ResponseWriter, r *http.Request) {
	boardId, ok := pathId(w, r, "boardId")
	if !ok {
		return
	}
	args := &collab.CreateElementArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if err := args.CreatedBy.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	element, err := self.store.CreateElement(r.Context(), boardId, args.Payload, args.ZIndex, args.CreatedBy)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJson(w, element)
}

func (self *Server) updateElement(w http.ResponseWriter, r *http.Request) {
	boardId, ok := pathId(w, r, "boardId")
	if !ok {
		return
	}
	elementId, ok := pathId(w, r, "elementId")
	if !ok {
		return
	}
	args := &collab.UpdateElementArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	element, err := self.store.UpdateElement(r.Context(), boardId, elementId, args.Payload)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJson(w, element)
}

func (self *Server) deleteElements(w http.ResponseWriter, r *http.Request) {
	boardId, ok := pathId(w, r, "boardId")
	if !ok {
		return
	}
	args := &collab.DeleteElementsArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	if err := self.store.DeleteElements(r.Context(), boardId, args.ElementIds); err != nil {
		storeError(w, err)
		return
	}
	writeJson(w, map[string]any{})
}

func (self *Server) listElements(w http.ResponseWriter, r *http.Request) {
	boardId, ok := pathId(w, r, "boardId")
	if !ok {
		return
	}
	elements, err := self.store.ListElements(r.Context(), boardId)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJson(w, &collab.ListElementsResult{
		Elements: elements,
	})
}

func pathId(w http.ResponseWriter, r *http.Request, name string) (collab.Id, bool) {
	id, err := collab.ParseId(r.PathValue(name))
	if err != nil {
		http.Error(w, "bad "+name, http.StatusBadRequest)
		return collab.Id{}, false
	}
	return id, true
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case collab.IsConnectivityError(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err == collab.ErrElementNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJson(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		glog.Errorf("[s]response encode = %s\n", err)
	}
}
