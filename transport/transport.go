package transport

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/paychannel/channel-guard/messages"
)

// MessageCallback receives one decoded inbound envelope. Returning an error
// routes it to the transport's error callback; the service treats it as fatal.
type MessageCallback func(env *messages.Envelope) error

// Transport is the inbound channel for signed participant messages.
type Transport interface {
	AddMessageCallback(fn MessageCallback)
	Start()
	Stop()
}

// WSTransport reads message envelopes from a broadcast websocket room. On
// connect it announces itself with a presence frame signed by the service key.
// Connection failures fall back to a reconnect pause, like any other watcher
// in the service.
type WSTransport struct {
	url           string
	key           *ecdsa.PrivateKey
	fallbackPause time.Duration

	callbacks []MessageCallback
	onError   func(error)

	conn      *websocket.Conn
	logger    tmlog.Logger
	isRunning bool
	mu        sync.Mutex
}

func NewWSTransport(url string, key *ecdsa.PrivateKey, fallbackPause time.Duration, logger tmlog.Logger) *WSTransport {
	return &WSTransport{
		url:           url,
		key:           key,
		fallbackPause: fallbackPause,
		logger:        logger,
	}
}

// AddMessageCallback registers a callback. Must be called before Start.
func (t *WSTransport) AddMessageCallback(fn MessageCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

// SetErrorCallback registers the handler for callback failures. Must be
// called before Start.
func (t *WSTransport) SetErrorCallback(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = fn
}

// Start runs the connect/read loop until Stop. Blocks; run in a goroutine.
func (t *WSTransport) Start() {
	t.mu.Lock()
	if t.isRunning {
		t.mu.Unlock()
		return
	}
	t.isRunning = true
	t.mu.Unlock()

	for t.running() {
		conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
		if err != nil {
			t.logger.Error(fmt.Sprintf("[%s] transport connect: %s", t.url, err.Error()))
			time.Sleep(t.fallbackPause)
			continue
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		if err := t.sendPresence(conn); err != nil {
			t.logger.Error(fmt.Sprintf("[%s] send presence: %s", t.url, err.Error()))
		}
		t.readLoop(conn)
		conn.Close()
	}
}

// Stop ends the read loop and closes the current connection.
func (t *WSTransport) Stop() {
	t.mu.Lock()
	t.isRunning = false
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()
}

func (t *WSTransport) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isRunning
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for t.running() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.running() {
				t.logger.Error(fmt.Sprintf("[%s] transport read: %s", t.url, err.Error()))
				time.Sleep(t.fallbackPause)
			}
			return
		}
		env, err := messages.DecodeEnvelope(data)
		if err != nil {
			t.logger.Debug(fmt.Sprintf("[%s] dropping undecodable frame: %s", t.url, err.Error()))
			continue
		}
		t.deliver(env)
	}
}

func (t *WSTransport) deliver(env *messages.Envelope) {
	t.mu.Lock()
	callbacks := t.callbacks
	onError := t.onError
	t.mu.Unlock()
	for _, fn := range callbacks {
		if err := fn(env); err != nil {
			err = errors.Wrapf(err, "message callback for %s", env.Kind)
			if onError != nil {
				onError(err)
				return
			}
			t.logger.Error(err.Error())
		}
	}
}

type presenceFrame struct {
	Kind      string `json:"type"`
	Address   string `json:"address"`
	Signature []byte `json:"signature"`
}

func (t *WSTransport) sendPresence(conn *websocket.Conn) error {
	address := crypto.PubkeyToAddress(t.key.PublicKey)
	digest := crypto.Keccak256Hash(address.Bytes())
	sig, err := crypto.Sign(digest.Bytes(), t.key)
	if err != nil {
		return errors.Wrap(err, "sign presence")
	}
	frame, err := json.Marshal(presenceFrame{
		Kind:      "Presence",
		Address:   address.Hex(),
		Signature: sig,
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Address returns the transport's signing identity.
func (t *WSTransport) Address() common.Address {
	return crypto.PubkeyToAddress(t.key.PublicKey)
}
