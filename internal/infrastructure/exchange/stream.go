package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vadro/position_guard/internal/domain"
)

// PrivateStream listens on the authenticated order topic and nudges the
// owning monitor when one of its orders fills. Everything it reports is
// re-read over REST before any action is taken; losing the stream only
// costs latency, never correctness.
type PrivateStream struct {
	account   domain.Account
	wsURL     string
	apiKey    string
	apiSecret string
	log       *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	callbacks []func(symbol string)
}

func NewPrivateStream(account domain.Account, wsURL, apiKey, apiSecret string, log *zap.Logger) *PrivateStream {
	return &PrivateStream{
		account:   account,
		wsURL:     wsURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		log:       log,
	}
}

// OnOrderFill registers a callback invoked with the symbol of every
// filled or partially filled order seen on the stream.
func (s *PrivateStream) OnOrderFill(cb func(symbol string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Run dials, authenticates and reads until ctx is cancelled, redialing
// with backoff after any disconnect.
func (s *PrivateStream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectAndRead(ctx); err != nil {
			s.log.Warn("order stream disconnected",
				zap.String("account", string(s.account)), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *PrivateStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.authenticate(conn); err != nil {
		return err
	}
	sub := map[string]any{"op": "subscribe", "args": []string{"order"}}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(message)
	}
}

func (s *PrivateStream) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	h := hmac.New(sha256.New, []byte(s.apiSecret))
	h.Write([]byte(fmt.Sprintf("GET/realtime%d", expires)))
	signature := hex.EncodeToString(h.Sum(nil))

	auth := map[string]any{
		"op":   "auth",
		"args": []any{s.apiKey, expires, signature},
	}
	return conn.WriteJSON(auth)
}

func (s *PrivateStream) handleMessage(message []byte) {
	var event struct {
		Topic string `json:"topic"`
		Data  []struct {
			Symbol      string `json:"symbol"`
			OrderStatus string `json:"orderStatus"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		s.log.Debug("order stream unmarshal error", zap.Error(err))
		return
	}
	if event.Topic != "order" {
		return
	}

	for _, item := range event.Data {
		if item.OrderStatus != "Filled" && item.OrderStatus != "PartiallyFilled" {
			continue
		}
		s.mu.Lock()
		callbacks := make([]func(string), len(s.callbacks))
		copy(callbacks, s.callbacks)
		s.mu.Unlock()

		for _, cb := range callbacks {
			cb(item.Symbol)
		}
	}
}
