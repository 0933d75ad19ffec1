package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flowtrace/internal/model"
)

// BinanceConfig bundles BinanceFeed's tunables (config.ExchangeConfig).
type BinanceConfig struct {
	// WSBaseURL is the combined-stream WebSocket endpoint, e.g.
	// "wss://fstream.binance.com/stream?streams=".
	WSBaseURL string
}

// binanceTradeEvent mirrors one combined-stream trade frame.
type binanceTradeEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType    string `json:"e"`
		EventTime    int64  `json:"E"`
		Symbol       string `json:"s"`
		TradeID      uint64 `json:"t"`
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		TradeTime    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	} `json:"data"`
}

// BinanceFeed implements Feed against Binance's combined trade stream,
// grounded on internal/exchanges/binance.go's BinanceConnector: same
// dialer options, ping loop, read-pump goroutine and reconnect shape,
// generalized from a single symbol to the symbol list Start is given and
// narrowed to the trade stream only (no depth stream — out of scope).
type BinanceFeed struct {
	cfg    BinanceConfig
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	trades chan model.Trade
	errs   chan error
}

// NewBinanceFeed constructs a feed that has not yet dialed.
func NewBinanceFeed(cfg BinanceConfig, log *zap.Logger) *BinanceFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &BinanceFeed{
		cfg:    cfg,
		log:    log.Named("feed-binance"),
		ctx:    ctx,
		cancel: cancel,
		trades: make(chan model.Trade, 20000),
		errs:   make(chan error, 100),
	}
}

// Start dials the combined trade stream for symbols and begins the
// read-pump and ping-loop goroutines. symbols are lower-cased exchange
// symbols (e.g. "btcusdt") per Binance's stream-name convention.
func (f *BinanceFeed) Start(symbols []string) error {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = fmt.Sprintf("%s@trade", strings.ToLower(s))
	}
	wsURL := f.cfg.WSBaseURL + strings.Join(streams, "/")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	headers := http.Header{}
	headers.Set("User-Agent", "flowtrace/1.0")

	f.log.Info("connecting to binance trade stream", zap.Int("symbols", len(symbols)))
	conn, _, err := dialer.Dial(wsURL, headers)
	if err != nil {
		return fmt.Errorf("feed: dial binance: %w", err)
	}

	conn.SetReadLimit(655350)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	go f.readPump()
	go f.pingLoop()

	f.log.Info("connected to binance trade stream")
	return nil
}

func (f *BinanceFeed) readPump() {
	defer func() {
		f.mu.Lock()
		f.connected = false
		if f.conn != nil {
			f.conn.Close()
		}
		f.mu.Unlock()
	}()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case f.errs <- fmt.Errorf("feed: read: %w", err):
			default:
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		trade, ok, err := normalizeTrade(msg)
		if err != nil {
			f.log.Debug("could not normalize message", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		select {
		case f.trades <- trade:
		default:
			f.log.Warn("trade channel full, dropping trade", zap.String("symbol", trade.Symbol))
		}
	}
}

// normalizeTrade parses one raw frame into a model.Trade, per spec.md
// §4.3's wire-to-domain boundary. Returns ok=false for non-trade frames
// (there are none on this stream today, but depth/bookTicker frames on
// the same connection in the future would land here safely).
func normalizeTrade(raw []byte) (model.Trade, bool, error) {
	var ev binanceTradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.Trade{}, false, fmt.Errorf("unmarshal trade event: %w", err)
	}
	if ev.Data.EventType != "trade" {
		return model.Trade{}, false, nil
	}

	price, err := strconv.ParseFloat(ev.Data.Price, 64)
	if err != nil {
		return model.Trade{}, false, fmt.Errorf("parse price: %w", err)
	}
	qty, err := strconv.ParseFloat(ev.Data.Quantity, 64)
	if err != nil {
		return model.Trade{}, false, fmt.Errorf("parse quantity: %w", err)
	}

	return model.Trade{
		Exchange:     "binance",
		Symbol:       strings.ToUpper(ev.Data.Symbol),
		TradeID:      ev.Data.TradeID,
		Price:        price,
		Quantity:     qty,
		TimestampMs:  ev.Data.TradeTime,
		BuyerIsMaker: ev.Data.IsBuyerMaker,
	}, true, nil
}

func (f *BinanceFeed) pingLoop() {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.mu.RLock()
			conn, connected := f.conn, f.connected
			f.mu.RUnlock()
			if !connected || conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				f.log.Error("ping failed", zap.Error(err))
			}
		}
	}
}

// Trades returns the channel normalized trades are delivered on.
func (f *BinanceFeed) Trades() <-chan model.Trade { return f.trades }

// Errors returns the channel stream errors are delivered on.
func (f *BinanceFeed) Errors() <-chan error { return f.errs }

// Connected reports whether the WebSocket connection is currently up.
func (f *BinanceFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Close tears down the connection and stops the feed's goroutines.
func (f *BinanceFeed) Close() error {
	f.cancel()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.conn.Close()
		f.conn = nil
	}
	f.connected = false
	return nil
}
