package channel

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/feather/backup"
	"github.com/lightninglabs/feather/electrum"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

// mockSigner returns zeroed signatures; the state machine never validates
// its own signatures, so this is sufficient for transition tests.
type mockSigner struct{}

func (m *mockSigner) SignCommitment(*wire.MsgTx, []byte,
	btcutil.Amount) (lnwire.Sig, error) {

	return lnwire.Sig{}, nil
}

func (m *mockSigner) SignFundingInput(*wire.MsgTx, int,
	btcutil.Amount) ([][]byte, error) {

	return [][]byte{{0x01}}, nil
}

// mockKeyRing derives every key from a fixed private key.
type mockKeyRing struct {
	priv *btcec.PrivateKey
}

func (m *mockKeyRing) DeriveNextKey(
	keychain.KeyFamily) (keychain.KeyDescriptor, error) {

	return keychain.KeyDescriptor{PubKey: m.priv.PubKey()}, nil
}

func (m *mockKeyRing) DeriveKey(
	loc keychain.KeyLocator) (keychain.KeyDescriptor, error) {

	return keychain.KeyDescriptor{
		KeyLocator: loc,
		PubKey:     m.priv.PubKey(),
	}, nil
}

// testContext builds a Context at the given tip height.
func testContext(t *testing.T, height uint32) *Context {
	t.Helper()

	localPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	remotePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return &Context{
		LocalNodeID:  localPriv.PubKey(),
		RemoteNodeID: remotePriv.PubKey(),
		ChainHash:    *chaincfg.RegressionNetParams.GenesisHash,
		BlockHeight:  height,
		KeyRing:      &mockKeyRing{priv: localPriv},
		Signer:       &mockSigner{},
		Logger:       log,
	}
}

// fundingAmount used by the test fixture, in satoshi.
const testFunding = btcutil.Amount(1_000_000)

// normalFixture builds a Normal channel with the given HTLCs on both
// commitments and the balance invariant holding.
func normalFixture(t *testing.T, ctx *Context, htlcs ...Htlc) *Normal {
	t.Helper()

	localKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	remoteKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	params := ChannelParams{
		LocalNodeID:      ctx.LocalNodeID,
		RemoteNodeID:     ctx.RemoteNodeID,
		LocalFundingKey:  localKey.PubKey(),
		RemoteFundingKey: remoteKey.PubKey(),
		DustLimit:        354,
		ChannelReserve:   10_000,
		MaxValueInFlight: lnwire.NewMSatFromSatoshis(testFunding),
		MaxAcceptedHTLCs: 30,
		ToSelfDelay:      720,
		MinDepth:         3,
	}

	fundingMsat := lnwire.NewMSatFromSatoshis(testFunding)
	var htlcTotal lnwire.MilliSatoshi
	for _, htlc := range htlcs {
		htlcTotal += htlc.Add.Amount
	}

	spec := Spec{
		ToLocal:  fundingMsat/2 - htlcTotal,
		ToRemote: fundingMsat / 2,
		Htlcs:    htlcs,
	}
	require.Equal(t, fundingMsat, spec.TotalFunds())

	script, err := fundingScript(
		params.LocalFundingKey, params.RemoteFundingKey,
	)
	require.NoError(t, err)

	fundingOutPoint := wire.OutPoint{
		Hash:  chainhash.Hash{0x01, 0x02},
		Index: 0,
	}

	localScript, remoteScript, err := balanceScripts(params)
	require.NoError(t, err)

	localTx := buildCommitmentTx(
		fundingOutPoint, spec, params.DustLimit, localScript,
		remoteScript,
	)
	remoteSpec := mirrorSpec(spec)
	remoteTx := buildCommitmentTx(
		fundingOutPoint, remoteSpec, params.DustLimit, remoteScript,
		localScript,
	)

	var seed [32]byte
	copy(seed[:], []byte("feather-test-seed"))

	channelID := lnwire.NewChanIDFromOutPoint(fundingOutPoint)

	commitments := &Commitments{
		ChannelID: channelID,
		Params:    params,
		Active: []Commitment{{
			FundingTxOut:  fundingOutPoint,
			FundingAmount: testFunding,
			FundingScript: script,
			LocalCommit: LocalCommit{
				Index: 2,
				Spec:  spec,
				Tx:    localTx,
			},
			RemoteCommit: RemoteCommit{
				Index: 2,
				Spec:  remoteSpec,
				Txid:  remoteTx.TxHash(),
			},
			Locked: true,
		}},
		LocalNextHtlcID:            nextID(htlcs, Outgoing),
		RemoteNextHtlcID:           nextID(htlcs, Incoming),
		LocalShaSeed:               seed,
		RemotePerCommitmentSecrets: make(map[uint64][32]byte),
	}

	return &Normal{
		Commits: commitments,
		ShortChannelID: lnwire.ShortChannelID{
			BlockHeight: 100, TxIndex: 1,
		},
	}
}

// nextID returns one past the highest id of the given direction.
func nextID(htlcs []Htlc, direction Direction) uint64 {
	var next uint64
	for _, htlc := range htlcs {
		if htlc.Direction == direction && htlc.Add.ID >= next {
			next = htlc.Add.ID + 1
		}
	}

	return next
}

// outgoingHtlc builds an outgoing test HTLC.
func outgoingHtlc(id uint64, amount lnwire.MilliSatoshi,
	expiry uint32) Htlc {

	return Htlc{
		Direction: Outgoing,
		Add: lnwire.UpdateAddHTLC{
			ID:          id,
			Amount:      amount,
			PaymentHash: [32]byte{byte(id)},
			Expiry:      expiry,
		},
	}
}

// findAction returns the first action of type T, or nil.
func findAction[T Action](actions []Action) (T, bool) {
	for _, action := range actions {
		if typed, ok := action.(T); ok {
			return typed, true
		}
	}

	var zero T
	return zero, false
}

// TestHtlcTimeoutForceClose asserts that an HTLC reaching its expiry at the
// current tip triggers a unilateral close publishing the local commitment.
func TestHtlcTimeoutForceClose(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 700_000)
	state := normalFixture(t, ctx, outgoingHtlc(0, 50_000_000, 700_000))

	localTx := state.Commits.Latest().LocalCommit.Tx

	next, actions := Process(state, &CheckHtlcTimeout{}, ctx)

	publish, ok := findAction[*PublishTx](actions)
	require.True(t, ok, "expected a PublishTx action")
	require.Equal(t, localTx.TxHash(), publish.Tx.TxHash())

	closing, ok := next.(*Closing)
	require.True(t, ok, "expected Closing, got %s", next.Name())
	require.Equal(t, CauseHtlcTimeout, closing.Cause)
}

// TestHtlcTimeoutNotYet asserts that a distant expiry does not close the
// channel.
func TestHtlcTimeoutNotYet(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 699_000)
	state := normalFixture(t, ctx, outgoingHtlc(0, 50_000_000, 700_000))

	next, actions := Process(state, &CheckHtlcTimeout{}, ctx)

	require.Same(t, ChannelState(state), next)
	_, ok := findAction[*PublishTx](actions)
	require.False(t, ok)
}

// TestAddHtlcInsufficientBalance asserts the reserve is enforced.
func TestAddHtlcInsufficientBalance(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 100)
	state := normalFixture(t, ctx)

	_, actions := Process(state, &AddHtlc{
		Amount:      lnwire.NewMSatFromSatoshis(testFunding),
		PaymentHash: lntypes.Hash{0x01},
		Expiry:      400,
	}, ctx)

	failed, ok := findAction[*AddFailed](actions)
	require.True(t, ok)
	require.ErrorIs(t, failed.Reason, ErrInsufficientBalance)
}

// TestAddSignCommitRevokeRound exercises one full signing round and checks
// the funding invariant at every step.
func TestAddSignCommitRevokeRound(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 100)
	state := normalFixture(t, ctx)
	commitments := state.Commits

	fundingMsat := lnwire.NewMSatFromSatoshis(testFunding)

	// Offer an HTLC.
	next, actions := Process(state, &AddHtlc{
		Amount:      10_000_000,
		PaymentHash: lntypes.Hash{0xab},
		Expiry:      500,
	}, ctx)
	state = next.(*Normal)

	sent, ok := findAction[*SendMessage](actions)
	require.True(t, ok)
	add, ok := sent.Msg.(*lnwire.UpdateAddHTLC)
	require.True(t, ok)
	require.Equal(t, uint64(0), add.ID)
	require.Len(t, commitments.LocalChanges.Proposed, 1)

	// Sign: advances the remote commitment.
	oldRemoteIndex := commitments.RemoteCommitIndex()
	next, actions = Process(state, &Sign{}, ctx)
	state = next.(*Normal)

	_, ok = findAction[*SendMessage](actions)
	require.True(t, ok)
	require.Equal(t, oldRemoteIndex+1, commitments.RemoteCommitIndex())
	require.Equal(t, fundingMsat,
		commitments.Latest().RemoteCommit.Spec.TotalFunds())
	require.Empty(t, commitments.LocalChanges.Proposed)
	require.Len(t, commitments.LocalChanges.Signed, 1)

	// Their commitment_signed advances our local commitment and we
	// revoke.
	oldLocalIndex := commitments.LocalCommitIndex()
	next, actions = Process(state, &MessageReceived{
		Msg: &lnwire.CommitSig{ChanID: commitments.ChannelID},
	}, ctx)
	state = next.(*Normal)

	sent, ok = findAction[*SendMessage](actions)
	require.True(t, ok)
	revoke, ok := sent.Msg.(*lnwire.RevokeAndAck)
	require.True(t, ok)
	require.NotNil(t, revoke.NextRevocationKey)
	require.Equal(t, oldLocalIndex+1, commitments.LocalCommitIndex())
	require.Equal(t, fundingMsat,
		commitments.Latest().LocalCommit.Spec.TotalFunds())

	// Their revoke_and_ack finishes the round.
	secret := perCommitmentSecret([32]byte{0x05}, 1)
	_, actions = Process(state, &MessageReceived{
		Msg: &lnwire.RevokeAndAck{
			ChanID:            commitments.ChannelID,
			Revocation:        secret,
			NextRevocationKey: ctx.RemoteNodeID,
		},
	}, ctx)

	_, ok = findAction[*StoreState](actions)
	require.True(t, ok)
	require.Empty(t, commitments.LocalChanges.Signed)
	require.Contains(t, commitments.RemotePerCommitmentSecrets,
		commitments.RemoteCommitIndex()-1)
}

// TestIncomingHtlcSurfacedAfterCommit asserts that an incoming HTLC is only
// handed to the payment layer once committed.
func TestIncomingHtlcSurfacedAfterCommit(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 100)
	state := normalFixture(t, ctx)
	commitments := state.Commits

	add := &lnwire.UpdateAddHTLC{
		ChanID:      commitments.ChannelID,
		ID:          0,
		Amount:      20_000_000,
		PaymentHash: [32]byte{0xcd},
		Expiry:      500,
	}

	next, actions := Process(state, &MessageReceived{Msg: add}, ctx)
	state = next.(*Normal)

	_, ok := findAction[*ProcessIncomingHtlc](actions)
	require.False(t, ok, "uncommitted htlc must not be surfaced")

	next, actions = Process(state, &MessageReceived{
		Msg: &lnwire.CommitSig{ChanID: commitments.ChannelID},
	}, ctx)

	process, ok := findAction[*ProcessIncomingHtlc](actions)
	require.True(t, ok)
	require.Equal(t, add.ID, process.Add.ID)
	require.Equal(t, add.Amount, process.Add.Amount)
}

// TestFundingSpentByRevokedCommit asserts that a revoked commitment spend
// enters penalty mode and that the HTLC info response produces the penalty
// transaction.
func TestFundingSpentByRevokedCommit(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 100)
	state := normalFixture(t, ctx)
	commitments := state.Commits

	// Pretend the remote revoked commitment 1 earlier.
	var secret [32]byte
	copy(secret[:], []byte("revocation-secret"))
	commitments.RemotePerCommitmentSecrets[1] = secret

	// An unknown transaction spends the funding output.
	thief := wire.NewMsgTx(2)
	thief.AddTxIn(&wire.TxIn{
		PreviousOutPoint: commitments.Latest().FundingTxOut,
	})
	thief.AddTxOut(wire.NewTxOut(900_000, []byte{0x00, 0x14}))

	next, actions := Process(state, &WatchReceived{
		Event: &electrum.OutPointSpent{
			OutPoint:   commitments.Latest().FundingTxOut,
			SpendingTx: thief,
		},
	}, ctx)

	closing, ok := next.(*Closing)
	require.True(t, ok)
	require.Equal(t, CauseRevokedCommit, closing.Cause)
	require.Len(t, closing.RevokedCommitPublished, 1)

	get, ok := findAction[*GetHtlcInfos](actions)
	require.True(t, ok)
	require.Equal(t, thief.TxHash(), get.RevokedCommitTxid)

	// Deliver the stored HTLC records; the penalty must claim every
	// output of the thief's commitment.
	next, actions = Process(closing, &GetHtlcInfosResponse{
		RevokedCommitTxid: thief.TxHash(),
	}, ctx)

	publish, ok := findAction[*PublishTx](actions)
	require.True(t, ok)
	require.Len(t, publish.Tx.TxIn, len(thief.TxOut))
	require.Equal(t, "penalty", publish.Label)

	_, ok = next.(*Closing)
	require.True(t, ok)
}

// TestOfflineRejectsAdd asserts the Offline wrapper rejects HTLC adds.
func TestOfflineRejectsAdd(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 100)
	state := &Offline{Inner: normalFixture(t, ctx)}

	_, actions := Process(state, &AddHtlc{
		Amount:      1_000,
		PaymentHash: lntypes.Hash{0x01},
	}, ctx)

	failed, ok := findAction[*AddFailed](actions)
	require.True(t, ok)
	require.ErrorIs(t, failed.Reason, ErrChannelOffline)
}

// TestDisconnectWrapsInOffline asserts that Disconnected wraps states with
// commitments.
func TestDisconnectWrapsInOffline(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 100)
	state := normalFixture(t, ctx)

	next, _ := Process(state, &Disconnected{}, ctx)

	offline, ok := next.(*Offline)
	require.True(t, ok)
	require.Same(t, ChannelState(state), ChannelState(offline.Inner))
}

// TestSerializeStateRoundTrip asserts persisted states survive the codec.
func TestSerializeStateRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 100)
	state := normalFixture(t, ctx, outgoingHtlc(3, 5_000_000, 800))

	serialized, err := SerializeState(state)
	require.NoError(t, err)

	restored, err := DeserializeState(serialized)
	require.NoError(t, err)

	normal, ok := restored.(*Normal)
	require.True(t, ok)
	require.Equal(t, state.Commits.ChannelID, normal.Commits.ChannelID)
	require.Equal(t, state.Commits.LocalCommitIndex(),
		normal.Commits.LocalCommitIndex())
	require.Equal(t, state.ShortChannelID, normal.ShortChannelID)
	require.Len(t, normal.Commits.Latest().LocalCommit.Spec.Htlcs, 1)
	require.Equal(t,
		state.Commits.Latest().LocalCommit.Spec.TotalFunds(),
		normal.Commits.Latest().LocalCommit.Spec.TotalFunds())
}

// TestSyncingRecoversFromPeerBackup asserts data-loss recovery: a peer
// backup with a strictly higher commitment number replaces the local state.
func TestSyncingRecoversFromPeerBackup(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 100)

	// The "real" state is further along than the stale one we hold.
	fresh := normalFixture(t, ctx)
	fresh.Commits.Latest().LocalCommit.Index = 9
	fresh.Commits.Latest().RemoteCommit.Index = 9

	serialized, err := SerializeState(fresh)
	require.NoError(t, err)
	blob, err := backup.Encrypt(ctx.KeyRing, serialized)
	require.NoError(t, err)
	extra, err := fwire.EncodeChannelData(blob)
	require.NoError(t, err)

	stale := normalFixture(t, ctx)
	stale.Commits.ChannelID = fresh.Commits.ChannelID

	state := &Syncing{Inner: stale, ReestablishSent: true}

	next, actions := Process(state, &MessageReceived{
		Msg: &lnwire.ChannelReestablish{
			ChanID:                 fresh.Commits.ChannelID,
			NextLocalCommitHeight:  10,
			RemoteCommitTailHeight: 9,
			ExtraData:              extra,
		},
	}, ctx)

	restored, ok := next.(PersistedChannelState)
	require.True(t, ok)
	require.Equal(t, uint64(9),
		restored.Commitments().LocalCommitIndex())

	_, ok = findAction[*StoreState](actions)
	require.True(t, ok)
}

// TestSyncingUpgradeRequired asserts a newer-version backup never force
// closes.
func TestSyncingUpgradeRequired(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 100)

	inner := normalFixture(t, ctx)
	serialized, err := SerializeState(inner)
	require.NoError(t, err)
	blob, err := backup.Encrypt(ctx.KeyRing, serialized)
	require.NoError(t, err)

	// Bump the version past what we support.
	blob[0] = byte(backup.CurrentVersion) + 1

	extra, err := fwire.EncodeChannelData(blob)
	require.NoError(t, err)

	state := &Syncing{Inner: inner, ReestablishSent: true}

	next, actions := Process(state, &MessageReceived{
		Msg: &lnwire.ChannelReestablish{
			ChanID:                inner.Commits.ChannelID,
			NextLocalCommitHeight: 3,
			ExtraData:             extra,
		},
	}, ctx)

	// Still syncing, nothing published, upgrade event emitted.
	require.IsType(t, &Syncing{}, next)
	_, ok := findAction[*PublishTx](actions)
	require.False(t, ok)

	emit, ok := findAction[*EmitEvent](actions)
	require.True(t, ok)
	require.IsType(t, &UpgradeRequired{}, emit.Event)
}

// TestSpliceRequestRejectedWithPendingChanges asserts splices need a quiet
// channel.
func TestSpliceRequestRejectedWithPendingChanges(t *testing.T) {
	t.Parallel()

	ctx := testContext(t, 100)
	state := normalFixture(t, ctx)

	// Propose an HTLC but do not sign it.
	next, _ := Process(state, &AddHtlc{
		Amount:      1_000_000,
		PaymentHash: lntypes.Hash{0x02},
		Expiry:      500,
	}, ctx)
	state = next.(*Normal)

	_, actions := Process(state, &SpliceRequest{
		SpliceIn: &SpliceIn{},
	}, ctx)

	notExecuted, ok := findAction[*NotExecuted](actions)
	require.True(t, ok)
	require.ErrorIs(t, notExecuted.Reason, ErrPendingChanges)
}
