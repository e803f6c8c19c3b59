package electrum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

var (
	// ErrNotConnected is returned when a request is made without a live
	// server connection.
	ErrNotConnected = errors.New("electrum client not connected")

	// ErrRequestTimeout is returned when the server does not answer in
	// time.
	ErrRequestTimeout = errors.New("electrum request timed out")
)

// TCPClient is a minimal Electrum protocol client over plain TCP: JSON-RPC
// with newline-delimited frames, plus the two subscription families the
// node relies on (headers and script hashes).
type TCPClient struct {
	started int32
	stopped int32

	addr string

	connMtx sync.Mutex
	conn    net.Conn

	// nextID numbers requests.
	nextID uint64

	// pending maps request ids to response channels.
	pendingMtx sync.Mutex
	pending    map[uint64]chan *rpcResponse

	// headerSubs receive every new tip.
	headerSubsMtx sync.Mutex
	headerSubs    []chan *BlockHeader

	// watches are the outstanding spent/confirmed registrations.
	watchMtx     sync.Mutex
	spentWatches map[wire.OutPoint]*spentWatch
	confWatches  map[chainhash.Hash]*confWatch

	// notify delivers watch events to the orchestrator glue.
	notify func(WatchEvent)

	// tip is the last seen height.
	tip uint32

	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile time check to ensure TCPClient implements Client.
var _ Client = (*TCPClient)(nil)

// spentWatch is one registered spend watch.
type spentWatch struct {
	outPoint wire.OutPoint
	pkScript []byte
}

// confWatch is one registered confirmation watch.
type confWatch struct {
	txid     chainhash.Hash
	pkScript []byte
	numConfs uint32
}

// rpcRequest is one JSON-RPC request frame.
type rpcRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// rpcResponse is one JSON-RPC response or notification frame.
type rpcResponse struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcError is the error member of a response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewTCPClient creates a client for the given host:port. Watch events are
// delivered through notify.
func NewTCPClient(addr string, notify func(WatchEvent)) *TCPClient {
	return &TCPClient{
		addr:         addr,
		pending:      make(map[uint64]chan *rpcResponse),
		spentWatches: make(map[wire.OutPoint]*spentWatch),
		confWatches:  make(map[chainhash.Hash]*confWatch),
		notify:       notify,
		quit:         make(chan struct{}),
	}
}

// Start connects to the server and begins the read loop.
func (c *TCPClient) Start() error {
	if atomic.AddInt32(&c.started, 1) != 1 {
		return nil
	}

	log.Infof("Connecting to Electrum server %s", c.addr)

	conn, err := net.DialTimeout("tcp", c.addr, defaultRequestTimeout)
	if err != nil {
		return fmt.Errorf("unable to reach electrum server: %w", err)
	}

	c.connMtx.Lock()
	c.conn = conn
	c.connMtx.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// Stop closes the connection and waits for the read loop.
func (c *TCPClient) Stop() error {
	if atomic.AddInt32(&c.stopped, 1) != 1 {
		return nil
	}

	close(c.quit)

	c.connMtx.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMtx.Unlock()

	c.wg.Wait()

	return nil
}

// readLoop decodes frames and dispatches responses and notifications.
func (c *TCPClient) readLoop(conn net.Conn) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<22)

	for scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			log.Warnf("Malformed electrum frame: %v", err)
			continue
		}

		// Notifications carry a method, responses an id.
		if resp.Method != "" {
			c.handleNotification(&resp)
			continue
		}

		c.pendingMtx.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMtx.Unlock()

		if ok {
			ch <- &resp
		}
	}

	select {
	case <-c.quit:
	default:
		log.Errorf("Electrum connection lost: %v", scanner.Err())
	}
}

// handleNotification reacts to subscription pushes.
func (c *TCPClient) handleNotification(resp *rpcResponse) {
	switch resp.Method {
	case "blockchain.headers.subscribe":
		var params []struct {
			Height uint32 `json:"height"`
			Hex    string `json:"hex"`
		}
		if err := json.Unmarshal(resp.Params, &params); err != nil ||
			len(params) == 0 {

			return
		}

		header, err := parseHeader(params[0].Hex)
		if err != nil {
			log.Warnf("Malformed header notification: %v", err)
			return
		}

		atomic.StoreUint32(&c.tip, params[0].Height)
		c.fanOutHeader(&BlockHeader{
			Height: params[0].Height,
			Header: header,
		})

		// Every new block re-evaluates the outstanding watches.
		go c.pollWatches()

	case "blockchain.scripthash.subscribe":
		// A watched script changed state: re-evaluate.
		go c.pollWatches()
	}
}

// fanOutHeader delivers one header to every subscriber.
func (c *TCPClient) fanOutHeader(header *BlockHeader) {
	c.headerSubsMtx.Lock()
	defer c.headerSubsMtx.Unlock()

	for _, sub := range c.headerSubs {
		select {
		case sub <- header:
		default:
			log.Warnf("Header subscriber not draining")
		}
	}
}

// call performs one JSON-RPC round trip.
func (c *TCPClient) call(ctx context.Context, method string,
	params ...interface{}) (json.RawMessage, error) {

	c.connMtx.Lock()
	conn := c.conn
	c.connMtx.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := atomic.AddUint64(&c.nextID, 1)
	if params == nil {
		params = []interface{}{}
	}

	frame, err := json.Marshal(&rpcRequest{
		ID:     id,
		Method: method,
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	frame = append(frame, '\n')

	ch := make(chan *rpcResponse, 1)
	c.pendingMtx.Lock()
	c.pending[id] = ch
	c.pendingMtx.Unlock()

	if _, err := conn.Write(frame); err != nil {
		c.pendingMtx.Lock()
		delete(c.pending, id)
		c.pendingMtx.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("electrum error %d: %s",
				resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil

	case <-ctx.Done():
		return nil, ctx.Err()

	case <-time.After(defaultRequestTimeout):
		return nil, ErrRequestTimeout

	case <-c.quit:
		return nil, ErrNotConnected
	}
}

// SubscribeHeaders returns a channel over which each new chain tip is
// delivered, starting with the current one.
//
// This is part of the Client interface.
func (c *TCPClient) SubscribeHeaders(
	ctx context.Context) (<-chan *BlockHeader, error) {

	result, err := c.call(ctx, "blockchain.headers.subscribe")
	if err != nil {
		return nil, err
	}

	var current struct {
		Height uint32 `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := json.Unmarshal(result, &current); err != nil {
		return nil, err
	}

	header, err := parseHeader(current.Hex)
	if err != nil {
		return nil, err
	}

	ch := make(chan *BlockHeader, 16)
	ch <- &BlockHeader{Height: current.Height, Header: header}

	atomic.StoreUint32(&c.tip, current.Height)

	c.headerSubsMtx.Lock()
	c.headerSubs = append(c.headerSubs, ch)
	c.headerSubsMtx.Unlock()

	return ch, nil
}

// EstimateFee returns the estimated feerate for the given confirmation
// target, or nil when the server cannot estimate.
//
// This is part of the Client interface.
func (c *TCPClient) EstimateFee(ctx context.Context,
	numBlocks uint32) (*chainfee.SatPerKWeight, error) {

	result, err := c.call(ctx, "blockchain.estimatefee", numBlocks)
	if err != nil {
		return nil, err
	}

	var btcPerKB float64
	if err := json.Unmarshal(result, &btcPerKB); err != nil {
		return nil, err
	}

	// The server answers -1 when it has no estimate for the target.
	if btcPerKB < 0 {
		return nil, nil
	}

	rate := btcPerKBToSatPerKW(btcPerKB)

	return &rate, nil
}

// Broadcast publishes the transaction to the network.
//
// This is part of the Client interface.
func (c *TCPClient) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var raw bytes.Buffer
	if err := tx.Serialize(&raw); err != nil {
		return err
	}

	_, err := c.call(ctx, "blockchain.transaction.broadcast",
		hex.EncodeToString(raw.Bytes()))

	return err
}

// GetTx fetches the transaction with the given txid.
//
// This is part of the Client interface.
func (c *TCPClient) GetTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	result, err := c.call(ctx, "blockchain.transaction.get",
		txid.String())
	if err != nil {
		return nil, err
	}

	var rawHex string
	if err := json.Unmarshal(result, &rawHex); err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, err
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	return tx, nil
}

// WatchSpent registers a watch for the spend of the given outpoint.
//
// This is part of the Client interface.
func (c *TCPClient) WatchSpent(ctx context.Context, op wire.OutPoint,
	pkScript []byte) error {

	c.watchMtx.Lock()
	c.spentWatches[op] = &spentWatch{outPoint: op, pkScript: pkScript}
	c.watchMtx.Unlock()

	// Subscribing to the script hash yields a push whenever the script's
	// history changes, including the spend we are looking for.
	_, err := c.call(ctx, "blockchain.scripthash.subscribe",
		scriptHash(pkScript))

	return err
}

// WatchConfirmed registers a watch for the confirmation of the given txid.
//
// This is part of the Client interface.
func (c *TCPClient) WatchConfirmed(ctx context.Context,
	txid chainhash.Hash, pkScript []byte, numConfs uint32) error {

	c.watchMtx.Lock()
	c.confWatches[txid] = &confWatch{
		txid:     txid,
		pkScript: pkScript,
		numConfs: numConfs,
	}
	c.watchMtx.Unlock()

	_, err := c.call(ctx, "blockchain.scripthash.subscribe",
		scriptHash(pkScript))

	return err
}

// pollWatches re-evaluates every outstanding watch against the script
// histories the server reports.
func (c *TCPClient) pollWatches() {
	ctx, cancel := context.WithTimeout(
		context.Background(), defaultRequestTimeout,
	)
	defer cancel()

	tip := atomic.LoadUint32(&c.tip)

	c.watchMtx.Lock()
	confs := make([]*confWatch, 0, len(c.confWatches))
	for _, watch := range c.confWatches {
		confs = append(confs, watch)
	}
	spents := make([]*spentWatch, 0, len(c.spentWatches))
	for _, watch := range c.spentWatches {
		spents = append(spents, watch)
	}
	c.watchMtx.Unlock()

	for _, watch := range confs {
		height, ok := c.txHeight(ctx, watch.pkScript, watch.txid)
		if !ok || height == 0 {
			continue
		}
		if tip-height+1 < watch.numConfs {
			continue
		}

		tx, err := c.GetTx(ctx, watch.txid)
		if err != nil {
			log.Warnf("Unable to fetch confirmed tx %v: %v",
				watch.txid, err)
			continue
		}

		c.watchMtx.Lock()
		delete(c.confWatches, watch.txid)
		c.watchMtx.Unlock()

		c.notify(&TxConfirmed{
			Txid:        watch.txid,
			BlockHeight: height,
			Tx:          tx,
		})
	}

	for _, watch := range spents {
		spender, ok := c.findSpender(ctx, watch)
		if !ok {
			continue
		}

		c.watchMtx.Lock()
		delete(c.spentWatches, watch.outPoint)
		c.watchMtx.Unlock()

		c.notify(&OutPointSpent{
			OutPoint:   watch.outPoint,
			SpendingTx: spender,
		})
	}
}

// historyItem is one entry of a script history.
type historyItem struct {
	Height int32  `json:"height"`
	TxHash string `json:"tx_hash"`
}

// scriptHistory fetches the history of a script.
func (c *TCPClient) scriptHistory(ctx context.Context,
	pkScript []byte) ([]historyItem, error) {

	result, err := c.call(ctx, "blockchain.scripthash.get_history",
		scriptHash(pkScript))
	if err != nil {
		return nil, err
	}

	var history []historyItem
	if err := json.Unmarshal(result, &history); err != nil {
		return nil, err
	}

	return history, nil
}

// txHeight reports the confirmation height of a txid within a script's
// history, zero while unconfirmed.
func (c *TCPClient) txHeight(ctx context.Context, pkScript []byte,
	txid chainhash.Hash) (uint32, bool) {

	history, err := c.scriptHistory(ctx, pkScript)
	if err != nil {
		log.Debugf("Unable to fetch script history: %v", err)
		return 0, false
	}

	want := txid.String()
	for _, item := range history {
		if item.TxHash != want {
			continue
		}
		if item.Height <= 0 {
			return 0, true
		}
		return uint32(item.Height), true
	}

	return 0, false
}

// findSpender scans a script's history for a transaction spending the
// watched outpoint.
func (c *TCPClient) findSpender(ctx context.Context,
	watch *spentWatch) (*wire.MsgTx, bool) {

	history, err := c.scriptHistory(ctx, watch.pkScript)
	if err != nil {
		return nil, false
	}

	for _, item := range history {
		txid, err := chainhash.NewHashFromStr(item.TxHash)
		if err != nil {
			continue
		}

		tx, err := c.GetTx(ctx, *txid)
		if err != nil {
			continue
		}

		for _, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint == watch.outPoint {
				return tx, true
			}
		}
	}

	return nil, false
}

// scriptHash computes the Electrum script hash: sha256 of the script,
// reversed, hex encoded.
func scriptHash(pkScript []byte) string {
	digest := sha256.Sum256(pkScript)
	for i, j := 0, len(digest)-1; i < j; i, j = i+1, j-1 {
		digest[i], digest[j] = digest[j], digest[i]
	}

	return hex.EncodeToString(digest[:])
}

// parseHeader decodes a hex block header.
func parseHeader(headerHex string) (*wire.BlockHeader, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, err
	}

	header := &wire.BlockHeader{}
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	return header, nil
}

// btcPerKBToSatPerKW converts a fee rate from BTC/kB to sat/kw. For segwit,
// 1 vbyte is 4 weight units, so 1 kB is 4 kw.
func btcPerKBToSatPerKW(btcPerKB float64) chainfee.SatPerKWeight {
	satPerKB := btcutil.Amount(btcPerKB * btcutil.SatoshiPerBitcoin)
	satPerKW := satPerKB / 4

	if chainfee.SatPerKWeight(satPerKW) < chainfee.FeePerKwFloor {
		return chainfee.FeePerKwFloor
	}

	return chainfee.SatPerKWeight(satPerKW)
}
