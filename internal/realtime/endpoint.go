package realtime

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // adjust for prod
	},
}

// ServeWS upgrades a viewer connection for one vehicle's live count.
//
//	wscat -c "ws://localhost:8000/ws/42"
//
// The first frame is the current count; every frame after that is a
// change: {"vehicle_id":"42","count":3}
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["vehicle_id"]
	if vehicleID == "" {
		http.Error(w, "vehicle id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Println("Upgrade error:", err)
		return
	}

	client, err := hub.Connect(r.Context(), vehicleID, conn)
	if err != nil {
		hub.logger.Errorw("viewer connect failed", "vehicle_id", vehicleID, "error", err)
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), deadline)
		conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}
