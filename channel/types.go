package channel

import (
	"crypto/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
)

// DefaultMinDepth is the number of confirmations required on a funding or
// splice transaction before it is considered locked.
const DefaultMinDepth uint32 = 3

// HtlcSafetyDelta is the number of blocks before an HTLC's absolute expiry at
// which the channel force-closes to guarantee on-chain resolution.
const HtlcSafetyDelta uint32 = 6

// NewTemporaryChannelID returns a fresh random channel id used to address the
// channel until its funding transaction is known.
func NewTemporaryChannelID() lnwire.ChannelID {
	var id lnwire.ChannelID
	if _, err := rand.Read(id[:]); err != nil {
		// The platform CSPRNG failing is not a recoverable condition.
		panic(err)
	}

	return id
}

// ChannelParams holds the static parameters both sides agreed on at channel
// creation. They survive splices.
type ChannelParams struct {
	// LocalNodeID and RemoteNodeID are the node public keys.
	LocalNodeID  *btcec.PublicKey
	RemoteNodeID *btcec.PublicKey

	// LocalFundingKey and RemoteFundingKey are the keys in the 2-of-2
	// funding output of the currently active funding transaction.
	LocalFundingKey  *btcec.PublicKey
	RemoteFundingKey *btcec.PublicKey

	// DustLimit is the threshold below which outputs are trimmed from
	// commitment transactions.
	DustLimit btcutil.Amount

	// ChannelReserve is the balance each side must keep in the channel.
	ChannelReserve btcutil.Amount

	// MaxValueInFlight caps the total millisatoshi value of outstanding
	// HTLCs.
	MaxValueInFlight lnwire.MilliSatoshi

	// MaxAcceptedHTLCs bounds the number of concurrent HTLCs per
	// direction.
	MaxAcceptedHTLCs uint16

	// ToSelfDelay is the CSV delay on our commitment outputs.
	ToSelfDelay uint16

	// MinDepth is the confirmation depth required on funding
	// transactions.
	MinDepth uint32

	// Features is the feature vector negotiated for the channel.
	Features *lnwire.RawFeatureVector
}

// Direction says which side added an HTLC.
type Direction uint8

const (
	// Incoming marks an HTLC added by the remote peer.
	Incoming Direction = iota

	// Outgoing marks an HTLC added by us.
	Outgoing
)

// String returns a human readable direction.
func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// HtlcOrigin ties an HTLC to whatever caused it: an outgoing payment part, or
// the onion material of an incoming HTLC.
type HtlcOrigin interface {
	originSealed()
}

// PaymentOrigin is the origin of an outgoing HTLC: the payment part that
// produced it.
type PaymentOrigin struct {
	// PaymentID is the parent payment id.
	PaymentID uuid.UUID

	// PartID is the id of the specific attempt.
	PartID uuid.UUID
}

func (p *PaymentOrigin) originSealed() {}

// RemoteOrigin is the origin of an incoming HTLC: the onion addressed to us.
type RemoteOrigin struct {
	// OnionPacket is the final onion packet carried by the HTLC.
	OnionPacket []byte
}

func (r *RemoteOrigin) originSealed() {}

// Htlc is one in-flight HTLC within a commitment spec.
type Htlc struct {
	// Direction says which side added the HTLC.
	Direction Direction

	// Add is the wire message that created the HTLC. It carries the id,
	// amount, payment hash and expiry.
	Add lnwire.UpdateAddHTLC

	// Origin links the HTLC back to its cause.
	Origin HtlcOrigin
}

// HtlcInfo is the minimal record of an HTLC on a past commitment, kept so
// that a penalty transaction can claim HTLC outputs of a revoked commitment.
type HtlcInfo struct {
	// ChannelID is the channel the HTLC lived on.
	ChannelID lnwire.ChannelID

	// CommitmentNumber is the commitment the HTLC appeared in.
	CommitmentNumber uint64

	// PaymentHash is the hash the HTLC output script commits to.
	PaymentHash lntypes.Hash

	// CltvExpiry is the HTLC's absolute timeout.
	CltvExpiry uint32
}

// Spec describes one revision of a commitment transaction: the balances, the
// feerate and every untrimmed HTLC.
type Spec struct {
	// ToLocal is the balance of the side holding this commitment.
	ToLocal lnwire.MilliSatoshi

	// ToRemote is the balance of the other side.
	ToRemote lnwire.MilliSatoshi

	// FeeratePerKw is the feerate the commitment pays.
	FeeratePerKw chainfee.SatPerKWeight

	// Htlcs are the in-flight HTLCs on this revision.
	Htlcs []Htlc
}

// TotalFunds is the sum of both balances and all HTLC amounts. The funding
// invariant requires this to equal the funding amount at all times.
func (s *Spec) TotalFunds() lnwire.MilliSatoshi {
	total := s.ToLocal + s.ToRemote
	for _, htlc := range s.Htlcs {
		total += htlc.Add.Amount
	}

	return total
}

// FindHtlc returns the HTLC with the given direction and id.
func (s *Spec) FindHtlc(direction Direction, id uint64) (*Htlc, bool) {
	for i := range s.Htlcs {
		htlc := &s.Htlcs[i]
		if htlc.Direction == direction && htlc.Add.ID == id {
			return htlc, true
		}
	}

	return nil, false
}

// LocalCommit is our view of our own commitment transaction at its current
// number.
type LocalCommit struct {
	// Index is the commitment number.
	Index uint64

	// Spec is the balance/HTLC breakdown of this commitment.
	Spec Spec

	// Tx is the fully built commitment transaction, publishable once the
	// remote signature below is attached.
	Tx *wire.MsgTx

	// RemoteSig is the remote's signature for Tx.
	RemoteSig lnwire.Sig
}

// RemoteCommit is our view of the remote's commitment transaction at its
// current number.
type RemoteCommit struct {
	// Index is the commitment number.
	Index uint64

	// Spec is the balance/HTLC breakdown from the remote's point of view.
	Spec Spec

	// Txid is the txid of the remote commitment transaction.
	Txid chainhash.Hash

	// RemotePerCommitmentPoint is the point this commitment was built
	// with.
	RemotePerCommitmentPoint *btcec.PublicKey
}

// Commitment pins one funding transaction together with the commitment
// transaction pair built on top of it. During a splice several of these are
// active at once.
type Commitment struct {
	// FundingTxOut is the outpoint of the funding output.
	FundingTxOut wire.OutPoint

	// FundingAmount is the value of the funding output.
	FundingAmount btcutil.Amount

	// FundingScript is the pkScript of the funding output.
	FundingScript []byte

	// FundingTxInputs are the outpoints spent by the funding transaction,
	// recorded so the swap-in manager can exclude them from reuse.
	FundingTxInputs []wire.OutPoint

	// LocalCommit and RemoteCommit are the current commitment pair.
	LocalCommit  LocalCommit
	RemoteCommit RemoteCommit

	// Locked is true once the funding transaction has reached MinDepth
	// and both sides have exchanged channel_ready or splice_locked.
	Locked bool
}

// Changes buffers the update messages one side has proposed but not yet
// irrevocably committed.
type Changes struct {
	// Proposed holds updates sent/received but not yet signed.
	Proposed []lnwire.Message

	// Signed holds updates covered by an outstanding commitment_signed.
	Signed []lnwire.Message

	// Acked holds updates whose commitment has been revoked by the other
	// side but which are not yet in both commitments.
	Acked []lnwire.Message
}

// Len returns the total number of buffered updates.
func (c *Changes) Len() int {
	return len(c.Proposed) + len(c.Signed) + len(c.Acked)
}

// Commitments is the durable core of a channel: everything that must survive
// restarts from the moment we have signed a commitment.
type Commitments struct {
	// ChannelID is the final channel id.
	ChannelID lnwire.ChannelID

	// Params are the static channel parameters.
	Params ChannelParams

	// Active is the non-empty ordered list of live fundings, most recent
	// splice first. All of them carry the same commitment numbers.
	Active []Commitment

	// Inactive holds fundings that have been replaced by a locked splice
	// and are awaiting pruning.
	Inactive []Commitment

	// LocalChanges and RemoteChanges buffer the in-flight update
	// messages.
	LocalChanges  Changes
	RemoteChanges Changes

	// LocalNextHtlcID and RemoteNextHtlcID are the next HTLC ids for
	// each side.
	LocalNextHtlcID  uint64
	RemoteNextHtlcID uint64

	// LocalShaSeed is the seed of our per-commitment secret chain.
	LocalShaSeed [32]byte

	// RemoteNextPerCommitmentPoint is the point the remote told us to use
	// for its next commitment.
	RemoteNextPerCommitmentPoint *btcec.PublicKey

	// RemotePerCommitmentSecrets stores the revocation secrets the remote
	// has revealed, keyed by commitment number.
	RemotePerCommitmentSecrets map[uint64][32]byte

	// RemoteChannelData is the most recent encrypted backup we received
	// from the peer, retained for diagnostics.
	RemoteChannelData []byte
}

// Latest returns the most recent active commitment. Commitments is invalid
// without at least one.
func (c *Commitments) Latest() *Commitment {
	return &c.Active[0]
}

// LocalCommitIndex returns the current local commitment number.
func (c *Commitments) LocalCommitIndex() uint64 {
	return c.Latest().LocalCommit.Index
}

// RemoteCommitIndex returns the current remote commitment number.
func (c *Commitments) RemoteCommitIndex() uint64 {
	return c.Latest().RemoteCommit.Index
}

// AvailableBalanceForSend returns what we can still offer in new outgoing
// HTLCs after accounting for the reserve.
func (c *Commitments) AvailableBalanceForSend() lnwire.MilliSatoshi {
	spec := c.Latest().LocalCommit.Spec
	reserve := lnwire.NewMSatFromSatoshis(c.Params.ChannelReserve)
	if spec.ToLocal <= reserve {
		return 0
	}

	return spec.ToLocal - reserve
}

// AllFundingInputs returns every outpoint referenced by any known funding
// transaction, active or inactive. The swap-in manager treats these as
// unavailable.
func (c *Commitments) AllFundingInputs() []wire.OutPoint {
	var inputs []wire.OutPoint
	for _, commitment := range c.Active {
		inputs = append(inputs, commitment.FundingTxInputs...)
	}
	for _, commitment := range c.Inactive {
		inputs = append(inputs, commitment.FundingTxInputs...)
	}

	return inputs
}

// FundingInput is a wallet UTXO contributed to a funding or splice
// transaction.
type FundingInput struct {
	// PrevTx is the transaction that created the UTXO.
	PrevTx *wire.MsgTx

	// OutputIndex is the index of the UTXO in PrevTx.
	OutputIndex uint32

	// Amount is the UTXO value.
	Amount btcutil.Amount
}

// OutPoint returns the outpoint of the contributed UTXO.
func (f *FundingInput) OutPoint() wire.OutPoint {
	return wire.OutPoint{
		Hash:  f.PrevTx.TxHash(),
		Index: f.OutputIndex,
	}
}

// fundingScript returns the 2-of-2 multisig pkScript for the channel funding
// output.
func fundingScript(localKey, remoteKey *btcec.PublicKey) ([]byte, error) {
	local := localKey.SerializeCompressed()
	remote := remoteKey.SerializeCompressed()

	// BIP 69 style ordering keeps both sides' view identical.
	if string(remote) < string(local) {
		local, remote = remote, local
	}

	witnessScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_2).
		AddData(local).
		AddData(remote).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
	if err != nil {
		return nil, err
	}

	scriptHash := chainhash.HashB(witnessScript)
	sha := chainhash.Hash{}
	copy(sha[:], scriptHash)

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(sha[:]).
		Script()
}

// buildCommitmentTx assembles a commitment transaction for the given spec on
// top of the given funding outpoint. Outputs below the dust limit are
// trimmed.
func buildCommitmentTx(fundingOutPoint wire.OutPoint, spec Spec,
	dustLimit btcutil.Amount, localScript,
	remoteScript []byte) *wire.MsgTx {

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundingOutPoint,
		Sequence:         wire.MaxTxInSequenceNum - 1,
	})

	if toLocal := spec.ToLocal.ToSatoshis(); toLocal >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(toLocal), localScript))
	}
	if toRemote := spec.ToRemote.ToSatoshis(); toRemote >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(toRemote), remoteScript))
	}

	for _, htlc := range spec.Htlcs {
		amt := htlc.Add.Amount.ToSatoshis()
		if amt < dustLimit {
			continue
		}

		script, err := htlcScript(htlc.Add.PaymentHash)
		if err != nil {
			continue
		}
		tx.AddTxOut(wire.NewTxOut(int64(amt), script))
	}

	return tx
}

// htlcScript returns the output script that locks an HTLC output to its
// payment hash.
func htlcScript(paymentHash [32]byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(paymentHash[:]).
		Script()
}
