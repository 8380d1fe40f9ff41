package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// AuctionIDFunc extracts the auction to stream from a request.
type AuctionIDFunc func(*http.Request) string

// QueryAuctionID reads the auction id from the "auction" query parameter.
func QueryAuctionID(r *http.Request) string {
	return r.URL.Query().Get("auction")
}

// SSEHandler streams an auction's events over Server-Sent Events. Each
// event is sent with its type as the SSE event name and JSON as data.
func SSEHandler(b Broadcaster, auctionID AuctionIDFunc) http.HandlerFunc {
	if auctionID == nil {
		auctionID = QueryAuctionID
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := auctionID(r)
		if id == "" {
			http.Error(w, "missing auction", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := b.Subscribe(ctx, id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer func() { _ = b.Unsubscribe(context.Background(), id, ch) }()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(e)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams an auction's events over WebSocket as JSON text
// messages.
func WebSocketHandler(b Broadcaster, auctionID AuctionIDFunc) http.HandlerFunc {
	if auctionID == nil {
		auctionID = QueryAuctionID
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := auctionID(r)
		if id == "" {
			http.Error(w, "missing auction", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := b.Subscribe(ctx, id)
		if err != nil {
			return
		}
		defer func() { _ = b.Unsubscribe(context.Background(), id, ch) }()

		// The read loop only notices the peer going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(e); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
