package main

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// config holds featherd's command line options, go-flags style.
type config struct {
	Network string `long:"network" description:"Bitcoin network to run on" choice:"mainnet" choice:"testnet" choice:"regtest" default:"mainnet"`

	DataDir string `long:"datadir" description:"Directory for wallet state" default:"~/.featherd"`

	PeerNodeID  string `long:"peer.nodeid" description:"Node id of the trampoline peer (hex compressed pubkey)" required:"true"`
	PeerAddress string `long:"peer.addr" description:"host:port of the trampoline peer" required:"true"`

	ElectrumServer string `long:"electrum.server" description:"host:port of the Electrum server" required:"true"`

	ConnectTimeout   time.Duration `long:"connecttimeout" description:"TCP connect timeout" default:"10s"`
	HandshakeTimeout time.Duration `long:"handshaketimeout" description:"Noise handshake timeout" default:"15s"`

	LiquidityMaxAbsoluteFeeSat  int64  `long:"liquidity.maxabsolutefee" description:"Maximum absolute fee (sat) accepted for inbound liquidity" default:"5000"`
	LiquidityMaxRelativeFeeBps  uint32 `long:"liquidity.maxrelativefeebps" description:"Maximum fee in basis points accepted for inbound liquidity" default:"3000"`
	LiquidityDisableAutoAccepts bool   `long:"liquidity.disable" description:"Decline all on-the-fly channel opens"`

	SwapInMinConfirmations uint32 `long:"swapin.minconf" description:"Confirmations required before swapping a utxo in" default:"3"`
	SwapInMaxConfirmations uint32 `long:"swapin.maxconf" description:"Confirmations past which a utxo is too old to swap" default:"720"`
	SwapInRefundDelay      uint32 `long:"swapin.refunddelay" description:"Relative timelock of the swap-in refund path" default:"25920"`

	DebugLevel string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}" default:"info"`
}

// chainParams maps the network option to chain parameters.
func (c *config) chainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}
