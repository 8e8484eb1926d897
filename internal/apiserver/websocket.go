package apiserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

const poolChannelPrefix = "pool."

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

type poolSnapshotView struct {
	Pool      string `json:"pool"`
	Tick      int32  `json:"tick"`
	SqrtPrice string `json:"sqrt_price"`
	Price     string `json:"price"`
	Liquidity string `json:"liquidity"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleWebsocket streams pool snapshots. Clients send
// {"type":"subscribe","channel":"pool.<address>"} and receive an event per
// subscribed pool every snapshot interval.
func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		return s.isOriginAllowed(strings.TrimSpace(req.Header.Get("Origin")))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, readErrCh)

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read loop ended", zap.Error(err))
			}
			return
		case <-ticker.C:
			for _, channel := range subs.List() {
				envelope := websocketEnvelope{Type: "event", Channel: channel, TS: time.Now().Unix()}
				payload, err := s.poolSnapshotPayload(ctx, channel)
				switch {
				case errors.Is(err, dexerr.ErrInvalidInput):
					subs.Remove(channel)
					envelope.Type, envelope.Error = "error", err.Error()
				case err != nil:
					s.logger.Debug("pool snapshot failed", zap.String("channel", channel), zap.Error(err))
					envelope.Type, envelope.Error = "error", "failed to fetch pool snapshot"
				default:
					envelope.Data = payload
				}
				if err := writeWebsocketJSON(conn, envelope); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, readErrCh chan<- error) {
	conn.SetReadLimit(1 << 20)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}
		switch message.Type {
		case "subscribe":
			subs.Add(message.Channel)
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

func (s *Service) poolSnapshotPayload(ctx context.Context, channel string) (poolSnapshotView, error) {
	const op = "pool snapshot"
	raw, ok := strings.CutPrefix(channel, poolChannelPrefix)
	if !ok {
		return poolSnapshotView{}, dexerr.InvalidInput(op, "unknown channel %q", channel)
	}
	pool, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return poolSnapshotView{}, dexerr.InvalidInput(op, "channel %q: %v", channel, err)
	}
	snap, err := s.quoter.Snapshot(ctx, pool)
	if err != nil {
		return poolSnapshotView{}, err
	}
	state := snap.State()
	return poolSnapshotView{
		Pool:      pool.String(),
		Tick:      state.TickCurrent,
		SqrtPrice: state.SqrtPriceX64.String(),
		Price:     snap.Price().String(),
		Liquidity: state.Liquidity.String(),
	}, nil
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}
