package comms

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robotarm/armd/arm"
)

// FrameRate is how many status frames per second are pushed to
// connected clients.
const FrameRate = 4

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Device is the view of the control core the conductor needs.
type Device interface {
	StatusAll() map[string]arm.ServoStatus
	EmergencyStopActive() bool
}

// StatePayload is the frame sent to every websocket client.
type StatePayload struct {
	EmergencyStopActive bool                       `json:"emergency_stop_active"`
	Servos              map[string]arm.ServoStatus `json:"servos"`
	Timestamp           time.Time                  `json:"timestamp"`
}

// Conductor fans live device state out to websocket clients.
type Conductor struct {
	Device Device

	lock    sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewConductor(device Device) *Conductor {
	return &Conductor{
		Device:  device,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// StatusHandler upgrades the connection and registers it for state
// frames until the peer goes away.
func (c *Conductor) StatusHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Print("upgrade:", err)
		return
	}

	c.lock.Lock()
	c.clients[conn] = struct{}{}
	c.lock.Unlock()

	// drain inbound frames so close and ping control messages are
	// processed; clients never send data here
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				c.drop(conn)
				return
			}
		}
	}()
}

// EchoHandler answers every frame with itself; connectivity check.
func (c *Conductor) EchoHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Print("upgrade:", err)
		return
	}
	defer conn.Close()

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if err = conn.WriteMessage(mt, message); err != nil {
			log.Println("write:", err)
			break
		}
	}
}

// Broadcast sends one state frame to every connected client, dropping
// clients whose connection has failed.
func (c *Conductor) Broadcast() {
	payload := StatePayload{
		EmergencyStopActive: c.Device.EmergencyStopActive(),
		Servos:              c.Device.StatusAll(),
		Timestamp:           time.Now().UTC(),
	}

	msg, err := json.Marshal(payload)
	if err != nil {
		log.Printf("unable to marshal state payload: %v", err)
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	for conn := range c.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			delete(c.clients, conn)
		}
	}
}

// UpdateClients pushes state frames at FrameRate until the process
// exits. Run it in its own goroutine.
func (c *Conductor) UpdateClients() {
	for {
		c.Broadcast()
		time.Sleep(time.Second / FrameRate)
	}
}

func (c *Conductor) drop(conn *websocket.Conn) {
	conn.Close()
	c.lock.Lock()
	delete(c.clients, conn)
	c.lock.Unlock()
}
