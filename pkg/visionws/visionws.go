package visionws

import (
	"RepairLens/internal/entity"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameQuery is what the edge detector service receives alongside every
// frame. Mode selects the model head on the detector side.
type FrameQuery struct {
	Mode            string   `json:"mode"`
	ExpectedItem    string   `json:"expected_item,omitempty"`
	StepInstruction string   `json:"step_instruction,omitempty"`
	MissingItem     string   `json:"missing_item,omitempty"`
	BannedItems     []string `json:"banned_items,omitempty"`
}

type frameRequest struct {
	Image string     `json:"image"`
	Query FrameQuery `json:"query"`
}

type IVisionSocket interface {
	ProcessGuidanceFrame(frame []byte, query FrameQuery) (*entity.VisionResult, error)
	IsConnected() bool
	Reconnect() error
	CloseConnection()
}

type visionSocketClient struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewVisionSocketClient() IVisionSocket {
	client := &visionSocketClient{
		pingInterval: 30 * time.Second,
		readTimeout:  10 * time.Second,
		writeTimeout: 5 * time.Second,
	}

	go func() {
		if err := client.Reconnect(); err != nil {
			log.Printf("Initial connection to edge detector failed: %v. Will retry on demand.", err)
		} else {
			log.Printf("Successfully connected to edge detector service")
		}
	}()

	return client
}

func (c *visionSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *visionSocketClient) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	url := os.Getenv("EDGE_DETECTOR_URL")
	if url == "" {
		url = "ws://localhost:8000/api/v1/guidance/ws"
	}

	log.Printf("Connecting to edge detector at %s", url)

	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeTimeout))
		if err != nil {
			log.Printf("Error sending pong: %v", err)
		}
		return nil
	})

	c.conn = conn

	go c.keepAlive()

	return nil
}

func (c *visionSocketClient) CloseConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *visionSocketClient) keepAlive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		conn := c.conn
		if conn == nil {
			c.mu.Unlock()
			return
		}

		err := conn.WriteControl(
			websocket.PingMessage,
			[]byte{},
			time.Now().Add(c.writeTimeout),
		)
		if err != nil {
			log.Printf("Ping failed for edge detector, marking connection as dead: %v", err)
			c.conn = nil
			conn.Close()
			c.mu.Unlock()
			return
		}

		c.mu.Unlock()
	}
}

func (c *visionSocketClient) getConnection() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected to edge detector service")
	}

	return c.conn, nil
}

func (c *visionSocketClient) ProcessGuidanceFrame(frame []byte, query FrameQuery) (*entity.VisionResult, error) {
	conn, err := c.getConnection()
	if err != nil {
		if err := c.Reconnect(); err != nil {
			return nil, fmt.Errorf("cannot connect to edge detector service: %w", err)
		}
		conn, err = c.getConnection()
		if err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(frameRequest{
		Image: base64.StdEncoding.EncodeToString(frame),
		Query: query,
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding frame request: %w", err)
	}

	c.mu.Lock()

	conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.conn = nil
		conn.Close()
		c.mu.Unlock()
		return nil, fmt.Errorf("error sending guidance frame: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.readTimeout))

	c.mu.Unlock()

	_, message, err := conn.ReadMessage()
	if err != nil {
		c.mu.Lock()
		c.conn = nil
		conn.Close()
		c.mu.Unlock()
		return nil, fmt.Errorf("error reading guidance response: %w", err)
	}

	c.mu.Lock()
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	c.mu.Unlock()

	var result entity.VisionResult
	if err := json.Unmarshal(message, &result); err != nil {
		return nil, fmt.Errorf("error unmarshaling guidance response: %w", err)
	}

	return &result, nil
}
