package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog/v2"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightninglabs/feather/channel"
	"github.com/lightninglabs/feather/electrum"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightninglabs/feather/payments"
	"github.com/lightninglabs/feather/paymentsdb"
	"github.com/lightninglabs/feather/peer"
	"github.com/lightninglabs/feather/postman"
	"github.com/lightninglabs/feather/swapin"
	"github.com/lightningnetwork/lnd/keychain"
)

// activeNetParams is set once at startup from the --network flag.
var activeNetParams *chaincfg.Params

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "featherd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &config{}
	if _, err := flags.Parse(cfg); err != nil {
		return err
	}

	chainParams, err := cfg.chainParams()
	if err != nil {
		return err
	}
	activeNetParams = chainParams

	setupLoggers(cfg.DebugLevel)

	remoteNodeID, err := parseNodeID(cfg.PeerNodeID)
	if err != nil {
		return fmt.Errorf("invalid peer node id: %w", err)
	}

	nodeKey, err := loadOrCreateNodeKey(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("unable to load node key: %w", err)
	}

	keyRing := &staticKeyRing{priv: nodeKey}
	db := paymentsdb.NewMemoryStore()

	// The chain source. Watch notifications flow back through the peer
	// queue once it exists.
	var p *peer.Peer
	electrumClient := electrum.NewTCPClient(
		cfg.ElectrumServer, func(event electrum.WatchEvent) {
			p.NotifyWatchEvent(event)
		},
	)
	if err := electrumClient.Start(); err != nil {
		return err
	}
	defer func() { _ = electrumClient.Stop() }()

	feeEstimator := electrum.NewFeeEstimator(electrumClient)

	signer := &nodeSigner{priv: nodeKey}

	incoming := payments.NewIncomingHandler(
		chainParams, nodeKey.PubKey(), signCompact(nodeKey), db,
	)
	outgoing := payments.NewOutgoingHandler(
		db, buildTrampolineOnion(remoteNodeID),
	)

	liquidityPolicy := &payments.LiquidityPolicy{
		Disabled: cfg.LiquidityDisableAutoAccepts,
		MaxAbsoluteFee: btcutil.Amount(
			cfg.LiquidityMaxAbsoluteFeeSat,
		),
		MaxRelativeFeeBasisPoints: cfg.LiquidityMaxRelativeFeeBps,
	}

	p = peer.NewPeer(peer.Config{
		ChainParams:   chainParams,
		NodeKeyECDH:   &keychain.PrivKeyECDH{PrivKey: nodeKey},
		KeyRing:       keyRing,
		Signer:        signer,
		RemoteNodeID:  remoteNodeID,
		RemoteAddress: cfg.PeerAddress,
		Db:            db,
		Electrum:      electrumClient,
		FeeEstimator:  feeEstimator,
		SwapIn:        swapin.NewManager(),
		SwapInParams: swapin.Params{
			MinConfirmations: cfg.SwapInMinConfirmations,
			MaxConfirmations: cfg.SwapInMaxConfirmations,
			RefundDelay:      cfg.SwapInRefundDelay,
		},
		Incoming:        incoming,
		Outgoing:        outgoing,
		LiquidityPolicy: liquidityPolicy,
	})

	// All onion traffic goes through our single peer.
	p.Postman = postman.NewPostman(nodeKey, func(_ *btcec.PublicKey,
		msg *fwire.OnionMessage) error {

		p.SendWireMessage(msg)
		return nil
	})

	if err := p.Start(); err != nil {
		return err
	}
	defer func() { _ = p.Stop() }()

	if err := p.Connect(
		cfg.ConnectTimeout, cfg.HandshakeTimeout,
	); err != nil {
		// A failed first connect is not fatal; the app retries on
		// its own schedule.
		fmt.Fprintf(os.Stderr, "featherd: initial connect: %v\n", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	return nil
}

// setupLoggers points every subsystem at one stderr handler at the
// requested level.
func setupLoggers(level string) {
	handler := btclog.NewDefaultHandler(os.Stderr)
	if parsed, ok := btclog.LevelFromString(level); ok {
		handler.SetLevel(parsed)
	}
	logger := btclog.NewSLogger(handler)

	channel.UseLogger(logger)
	peer.UseLogger(logger)
	swapin.UseLogger(logger)
	payments.UseLogger(logger)
	postman.UseLogger(logger)
	electrum.UseLogger(logger)
}

// signCompact returns the invoice signing closure over the node key.
func signCompact(priv *btcec.PrivateKey) func([]byte) ([]byte, error) {
	return func(msg []byte) ([]byte, error) {
		digest := chainhash.HashB(msg)
		return ecdsa.SignCompact(priv, digest, true), nil
	}
}

// staticKeyRing derives every key family from the single node key. The
// platform key manager replaces this in production builds.
type staticKeyRing struct {
	priv *btcec.PrivateKey
}

// DeriveNextKey returns the node key for every family.
func (k *staticKeyRing) DeriveNextKey(
	keychain.KeyFamily) (keychain.KeyDescriptor, error) {

	return keychain.KeyDescriptor{PubKey: k.priv.PubKey()}, nil
}

// DeriveKey returns the node key for every locator.
func (k *staticKeyRing) DeriveKey(
	loc keychain.KeyLocator) (keychain.KeyDescriptor, error) {

	return keychain.KeyDescriptor{
		KeyLocator: loc,
		PubKey:     k.priv.PubKey(),
	}, nil
}

// parseNodeID decodes a hex compressed public key.
func parseNodeID(encoded string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(raw)
}

// loadOrCreateNodeKey reads the node key from the data directory, creating
// one on first start.
func loadOrCreateNodeKey(dataDir string) (*btcec.PrivateKey, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}

	keyPath := filepath.Join(dataDir, "node.key")
	if raw, err := os.ReadFile(keyPath); err == nil && len(raw) == 32 {
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	}

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(seed[:])

	if err := os.WriteFile(
		keyPath, priv.Serialize(), 0o600,
	); err != nil {
		return nil, err
	}

	return priv, nil
}
