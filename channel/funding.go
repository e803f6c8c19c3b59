package channel

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/feather/electrum"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrInvalidChainHash is returned when the peer opens a channel on
	// the wrong chain.
	ErrInvalidChainHash = errors.New("invalid chain hash")

	// ErrFundingBelowPush is returned when the peer's contributed
	// funding does not cover the amount it claims to push to us.
	ErrFundingBelowPush = errors.New("funding amount below push amount")
)

// deriveChannelKeys derives the local funding key for a new channel.
func deriveChannelKeys(ctx *Context) (keychain.KeyDescriptor, error) {
	return ctx.KeyRing.DeriveNextKey(keychain.KeyFamilyMultiSig)
}

// processWaitForInit handles the three entry commands.
func processWaitForInit(state *WaitForInit, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	switch c := cmd.(type) {
	case *InitRestore:
		// A restored channel starts offline; watches are re-armed so
		// we notice anything that happened while we were gone.
		persisted, ok := c.State.(PersistedChannelState)
		if !ok {
			return state, []Action{&NotExecuted{
				Cmd:    cmd,
				Reason: fmt.Errorf("state %v not persistable", c.State.Name()),
			}}
		}

		actions := rearmWatches(persisted)

		return &Offline{Inner: persisted}, actions

	case *InitInitiator:
		open := &fwire.OpenChannel2{
			ChainHash:          ctx.ChainHash,
			TemporaryChannelID: c.TemporaryChannelID,
			FundingFeerate:     uint32(c.FundingFeerate),
			CommitmentFeerate:  uint32(c.CommitmentFeerate),
			FundingAmount:      c.FundingAmount,
			DustLimit:          354,
			MaxValueInFlight: lnwire.NewMSatFromSatoshis(
				c.FundingAmount,
			),
			MaxAcceptedHTLCs: 30,
			ToSelfDelay:      720,
			Locktime:         ctx.BlockHeight,
			PushAmount:       c.PushAmount,
		}

		return &WaitForAcceptChannel{Init: c, LastSent: open},
			[]Action{&SendMessage{Msg: open}}

	case *InitNonInitiator:
		return &WaitForOpenChannel{
			TemporaryChannelID:  c.TemporaryChannelID,
			WalletInputs:        c.WalletInputs,
			FundingContribution: c.FundingContribution,
		}, nil

	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}

// rearmWatches rebuilds the blockchain watches a persisted state relies on.
func rearmWatches(state PersistedChannelState) []Action {
	var actions []Action
	for _, commitment := range state.Commitments().Active {
		if !commitment.Locked {
			actions = append(actions, &SendWatch{
				Watch: &WatchConfirmed{
					Txid:     commitment.FundingTxOut.Hash,
					PkScript: commitment.FundingScript,
					MinDepth: DefaultMinDepth,
				},
			})
		}
		actions = append(actions, &SendWatch{
			Watch: &WatchSpent{
				OutPoint: commitment.FundingTxOut,
				PkScript: commitment.FundingScript,
			},
		})
	}

	return actions
}

// processWaitForOpenChannel handles the peer's open_channel2.
func processWaitForOpenChannel(state *WaitForOpenChannel, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	msgCmd, ok := cmd.(*MessageReceived)
	if !ok {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}

	open, ok := msgCmd.Msg.(*fwire.OpenChannel2)
	if !ok {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}

	if open.ChainHash != ctx.ChainHash {
		return abortFunding(state.TemporaryChannelID,
			ErrInvalidChainHash)
	}

	// The peer delivers a pending payment through PushAmount. Its own
	// contribution must at least cover what it pushes, otherwise the
	// "gift" is funded by us.
	fundingMsat := lnwire.NewMSatFromSatoshis(open.FundingAmount)
	if fundingMsat < open.PushAmount {
		return abortFunding(state.TemporaryChannelID,
			ErrFundingBelowPush)
	}

	localFundingKey, err := deriveChannelKeys(ctx)
	if err != nil {
		return abortFunding(state.TemporaryChannelID, err)
	}

	params := ChannelParams{
		LocalNodeID:      ctx.LocalNodeID,
		RemoteNodeID:     ctx.RemoteNodeID,
		LocalFundingKey:  localFundingKey.PubKey,
		RemoteFundingKey: open.FundingKey,
		DustLimit:        open.DustLimit,
		MaxValueInFlight: open.MaxValueInFlight,
		MaxAcceptedHTLCs: open.MaxAcceptedHTLCs,
		ToSelfDelay:      open.ToSelfDelay,
		MinDepth:         DefaultMinDepth,
	}

	script, err := fundingScript(
		params.LocalFundingKey, params.RemoteFundingKey,
	)
	if err != nil {
		return abortFunding(state.TemporaryChannelID, err)
	}

	totalFunding := open.FundingAmount + state.FundingContribution

	session := NewInteractiveTxSession(
		state.TemporaryChannelID, false, open.FundingFeerate,
		open.Locktime, totalFunding, script, state.WalletInputs,
		nil, 0,
	)

	// Initial balances: the peer keeps its contribution minus the push,
	// we get our contribution plus the push.
	remoteBalance := fundingMsat - open.PushAmount
	localBalance := lnwire.NewMSatFromSatoshis(
		state.FundingContribution,
	) + open.PushAmount

	accept := &fwire.AcceptChannel2{
		TemporaryChannelID: state.TemporaryChannelID,
		FundingAmount:      state.FundingContribution,
		DustLimit:          354,
		MaxValueInFlight:   open.MaxValueInFlight,
		MinDepth:           DefaultMinDepth,
		ToSelfDelay:        open.ToSelfDelay,
		MaxAcceptedHTLCs:   open.MaxAcceptedHTLCs,
		FundingKey:         params.LocalFundingKey,
	}

	next := &WaitForFundingCreated{
		TemporaryChannelID: state.TemporaryChannelID,
		Params:             params,
		Session:            session,
		LocalBalance:       localBalance,
		RemoteBalance:      remoteBalance,
		CommitmentFeerate:  open.CommitmentFeerate,
		Origin:             open.Origin,
	}

	return next, []Action{&SendMessage{Msg: accept}}
}

// abortFunding fails a not-yet-committed channel: tx_abort to the peer,
// wallet inputs released by the orchestrator, state Aborted.
func abortFunding(channelID lnwire.ChannelID,
	reason error) (ChannelState, []Action) {

	log.Warnf("ChannelID(%v): aborting funding: %v", channelID, reason)

	return &Aborted{}, []Action{
		&SendMessage{Msg: &fwire.TxAbort{
			ChannelID: channelID,
			Data:      []byte(reason.Error()),
		}},
	}
}

// processWaitForFundingCreated drives the interactive construction session
// until both sides are done, then signs the first commitment.
func processWaitForFundingCreated(state *WaitForFundingCreated, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	msgCmd, ok := cmd.(*MessageReceived)
	if !ok {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}

	session := state.Session

	var err error
	switch msg := msgCmd.Msg.(type) {
	case *fwire.TxAddInput:
		err = session.ReceiveAddInput(msg)
	case *fwire.TxAddOutput:
		err = session.ReceiveAddOutput(msg)
	case *fwire.TxRemoveInput:
		err = session.ReceiveRemoveInput(msg)
	case *fwire.TxRemoveOutput:
		err = session.ReceiveRemoveOutput(msg)
	case *fwire.TxComplete:
		session.ReceiveComplete()
	case *fwire.TxAbort:
		log.Warnf("ChannelID(%v): peer aborted funding: %s",
			state.TemporaryChannelID, msg.Data)
		return &Aborted{}, nil
	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
	if err != nil {
		return abortFunding(state.TemporaryChannelID, err)
	}

	// It is our turn; emit our next construction message.
	reply := session.NextLocalMessage()
	actions := []Action{&SendMessage{Msg: reply}}

	if !session.Done() {
		return state, actions
	}

	// Construction complete: build the funding transaction, derive the
	// final channel id, build and cross-sign the first commitments.
	fundingTx, fundingIndex, err := session.BuildFundingTx()
	if err != nil {
		return abortFunding(state.TemporaryChannelID, err)
	}

	fundingOutPoint := wire.OutPoint{
		Hash:  fundingTx.TxHash(),
		Index: fundingIndex,
	}
	finalID := lnwire.NewChanIDFromOutPoint(fundingOutPoint)

	commitments, commitSig, err := newCommitments(
		ctx, finalID, state.Params, session, fundingOutPoint,
		fundingTx, state.LocalBalance, state.RemoteBalance,
		chainfee.SatPerKWeight(state.CommitmentFeerate),
	)
	if err != nil {
		return abortFunding(state.TemporaryChannelID, err)
	}

	next := &WaitForFundingSigned{
		Commits: commitments,
		Session: session,
		Origin:  state.Origin,
	}

	actions = append(actions,
		&IDAssigned{
			Temporary: state.TemporaryChannelID,
			Final:     finalID,
		},
		&SendMessage{Msg: commitSig},
		&StoreState{State: next},
	)

	return next, actions
}

// newCommitments builds the initial Commitments record and the
// commitment_signed for the remote's first commitment.
func newCommitments(ctx *Context, channelID lnwire.ChannelID,
	params ChannelParams, session *InteractiveTxSession,
	fundingOutPoint wire.OutPoint, fundingTx *wire.MsgTx,
	localBalance, remoteBalance lnwire.MilliSatoshi,
	commitFeerate chainfee.SatPerKWeight) (*Commitments, *lnwire.CommitSig,
	error) {

	fundingAmount := btcutil.Amount(
		fundingTx.TxOut[fundingOutPoint.Index].Value,
	)

	var shaSeed [32]byte
	copy(shaSeed[:], ctx.ChainHash[:])

	localScript, remoteScript, err := balanceScripts(params)
	if err != nil {
		return nil, nil, err
	}

	localSpec := Spec{
		ToLocal:      localBalance,
		ToRemote:     remoteBalance,
		FeeratePerKw: commitFeerate,
	}
	remoteSpec := Spec{
		ToLocal:      remoteBalance,
		ToRemote:     localBalance,
		FeeratePerKw: commitFeerate,
	}

	localTx := buildCommitmentTx(
		fundingOutPoint, localSpec, params.DustLimit, localScript,
		remoteScript,
	)
	remoteTx := buildCommitmentTx(
		fundingOutPoint, remoteSpec, params.DustLimit, remoteScript,
		localScript,
	)

	fundingInputs := make([]wire.OutPoint, 0, len(fundingTx.TxIn))
	for _, txIn := range fundingTx.TxIn {
		fundingInputs = append(fundingInputs, txIn.PreviousOutPoint)
	}

	sig, err := ctx.Signer.SignCommitment(
		remoteTx, session.FundingScript, fundingAmount,
	)
	if err != nil {
		return nil, nil, err
	}

	commitments := &Commitments{
		ChannelID: channelID,
		Params:    params,
		Active: []Commitment{{
			FundingTxOut:    fundingOutPoint,
			FundingAmount:   fundingAmount,
			FundingScript:   session.FundingScript,
			FundingTxInputs: fundingInputs,
			LocalCommit: LocalCommit{
				Index: 0,
				Spec:  localSpec,
				Tx:    localTx,
			},
			RemoteCommit: RemoteCommit{
				Index: 0,
				Spec:  remoteSpec,
				Txid:  remoteTx.TxHash(),
			},
		}},
		LocalShaSeed:               shaSeed,
		RemotePerCommitmentSecrets: make(map[uint64][32]byte),
	}

	commitSig := &lnwire.CommitSig{
		ChanID:    channelID,
		CommitSig: sig,
	}

	return commitments, commitSig, nil
}

// balanceScripts returns the to_local and to_remote output scripts.
func balanceScripts(params ChannelParams) ([]byte, []byte, error) {
	var localKey, remoteKey [32]byte
	copy(localKey[:], params.LocalFundingKey.SerializeCompressed()[1:])
	copy(remoteKey[:], params.RemoteFundingKey.SerializeCompressed()[1:])

	localScript, err := htlcScript(localKey)
	if err != nil {
		return nil, nil, err
	}
	remoteScript, err := htlcScript(remoteKey)
	if err != nil {
		return nil, nil, err
	}

	return localScript, remoteScript, nil
}

// processWaitForFundingSigned finishes the signature exchange and publishes
// the funding transaction.
func processWaitForFundingSigned(state *WaitForFundingSigned, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	msgCmd, ok := cmd.(*MessageReceived)
	if !ok {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}

	commitments := state.Commits

	switch msg := msgCmd.Msg.(type) {
	case *lnwire.CommitSig:
		// The peer signed our first commitment. Only now may we
		// reveal our funding signatures.
		commitment := commitments.Latest()
		commitment.LocalCommit.RemoteSig = msg.CommitSig

		fundingTx, _, err := state.Session.BuildFundingTx()
		if err != nil {
			return closeOnProtocolError(commitments, ctx, err)
		}

		txSigs, err := localTxSignatures(ctx, state.Session, fundingTx)
		if err != nil {
			return closeOnProtocolError(commitments, ctx, err)
		}
		txSigs.ChannelID = commitments.ChannelID

		actions := []Action{
			&SendMessage{Msg: txSigs},
			&StoreState{State: state},
		}

		// If the peer's signatures already arrived we can finish.
		if state.RemoteTxSigs != nil {
			return finishFunding(state, fundingTx, ctx, actions)
		}

		return state, actions

	case *fwire.TxSignatures:
		state.RemoteTxSigs = msg

		// If we have not validated the peer's commitment_signed yet,
		// hold on to the signatures and keep waiting.
		commitment := commitments.Latest()
		if isZeroSig(commitment.LocalCommit.RemoteSig) {
			return state, []Action{&StoreState{State: state}}
		}

		fundingTx, _, err := state.Session.BuildFundingTx()
		if err != nil {
			return closeOnProtocolError(commitments, ctx, err)
		}

		return finishFunding(state, fundingTx, ctx, nil)

	case *fwire.TxAbort:
		log.Warnf("ChannelID(%v): peer aborted before funding "+
			"signatures: %s", commitments.ChannelID, msg.Data)

		return &Aborted{}, []Action{
			&RemoveChannel{ChannelID: commitments.ChannelID},
		}

	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}

// finishFunding merges witnesses, publishes the funding transaction and
// moves to WaitForFundingConfirmed.
func finishFunding(state *WaitForFundingSigned, fundingTx *wire.MsgTx,
	ctx *Context, actions []Action) (ChannelState, []Action) {

	commitments := state.Commits
	attachRemoteWitnesses(fundingTx, state.RemoteTxSigs)

	next := &WaitForFundingConfirmed{
		Commits:   commitments,
		FundingTx: fundingTx,
		Origin:    state.Origin,
	}

	commitment := commitments.Latest()
	actions = append(actions,
		&PublishTx{Tx: fundingTx, Label: "funding"},
		&SendWatch{Watch: &WatchConfirmed{
			Txid:     commitment.FundingTxOut.Hash,
			PkScript: commitment.FundingScript,
			MinDepth: commitments.Params.MinDepth,
		}},
		&SendWatch{Watch: &WatchSpent{
			OutPoint: commitment.FundingTxOut,
			PkScript: commitment.FundingScript,
		}},
		&StoreState{State: next},
	)

	// A pay-to-open delivery rides on the channel open: record it as an
	// incoming payment now that the funds are committed.
	if origin := state.Origin; origin != nil {
		pushed := commitment.LocalCommit.Spec.ToLocal
		actions = append(actions, &StoreIncomingPayment{
			Amount:      pushed,
			ServiceFee:  origin.ServiceFee,
			MiningFee:   origin.MiningFee,
			FundingTxid: commitment.FundingTxOut.Hash,
		})
	}

	return next, actions
}

// localTxSignatures signs our contributed inputs of the shared transaction.
func localTxSignatures(ctx *Context, session *InteractiveTxSession,
	fundingTx *wire.MsgTx) (*fwire.TxSignatures, error) {

	indices := session.LocalInputIndices(fundingTx)
	witnesses := make([]fwire.Witness, 0, len(indices))
	for i, idx := range indices {
		witness, err := ctx.Signer.SignFundingInput(
			fundingTx, idx, session.LocalInputs[i].Amount,
		)
		if err != nil {
			return nil, err
		}
		witnesses = append(witnesses, fwire.Witness(witness))
	}

	return &fwire.TxSignatures{
		TxHash:    fundingTx.TxHash(),
		Witnesses: witnesses,
	}, nil
}

// attachRemoteWitnesses fills in the witnesses the peer sent for its inputs.
// Witness placement follows serial id order, which matches input order.
func attachRemoteWitnesses(tx *wire.MsgTx, sigs *fwire.TxSignatures) {
	if sigs == nil {
		return
	}

	next := 0
	for _, txIn := range tx.TxIn {
		if txIn.Witness != nil || next >= len(sigs.Witnesses) {
			continue
		}
		txIn.Witness = wire.TxWitness(sigs.Witnesses[next])
		next++
	}
}

// isZeroSig reports whether a signature field is still unset.
func isZeroSig(sig lnwire.Sig) bool {
	var zero lnwire.Sig
	return bytes.Equal(sig.RawBytes(), zero.RawBytes())
}

// processWaitForFundingConfirmed waits for the funding confirmation.
func processWaitForFundingConfirmed(state *WaitForFundingConfirmed,
	cmd Command, ctx *Context) (ChannelState, []Action) {

	switch c := cmd.(type) {
	case *WatchReceived:
		confirmed, ok := c.Event.(*electrum.TxConfirmed)
		if !ok {
			return state, nil
		}

		commitment := state.Commits.Latest()
		if confirmed.Txid != commitment.FundingTxOut.Hash {
			return state, nil
		}

		shortChanID := lnwire.ShortChannelID{
			BlockHeight: confirmed.BlockHeight,
			TxIndex:     0,
			TxPosition: uint16(
				commitment.FundingTxOut.Index,
			),
		}

		ready := &lnwire.ChannelReady{
			ChanID: state.Commits.ChannelID,
			NextPerCommitmentPoint: perCommitmentPoint(
				state.Commits.LocalShaSeed, 1,
			),
		}

		next := &WaitForChannelReady{
			Commits:        state.Commits,
			ShortChannelID: shortChanID,
			RemoteReady:    state.EarlyReady,
		}

		actions := []Action{
			&SendMessage{Msg: ready},
			&StoreState{State: next},
		}

		// If the peer's channel_ready already arrived, replay it.
		if state.EarlyReady != nil {
			actions = append(actions, &SendToSelf{
				Cmd: &MessageReceived{Msg: state.EarlyReady},
			})
		}

		return next, actions

	case *MessageReceived:
		// An early channel_ready from the peer: stash it until our
		// own confirmation arrives. Everything else is out of place
		// here.
		if ready, ok := c.Msg.(*lnwire.ChannelReady); ok {
			log.Debugf("ChannelID(%v): early channel_ready",
				ready.ChanID)
			state.EarlyReady = ready
			return state, nil
		}

		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}

	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}

// processWaitForChannelReady completes the opening handshake.
func processWaitForChannelReady(state *WaitForChannelReady, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	msgCmd, ok := cmd.(*MessageReceived)
	if !ok {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}

	ready, ok := msgCmd.Msg.(*lnwire.ChannelReady)
	if !ok {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}

	commitments := state.Commits
	commitments.RemoteNextPerCommitmentPoint = ready.NextPerCommitmentPoint
	commitments.Latest().Locked = true

	next := &Normal{
		Commits:        commitments,
		ShortChannelID: state.ShortChannelID,
	}

	return next, []Action{
		&StoreState{State: next},
		&EmitEvent{Event: &ChannelOpened{
			ChannelID:   commitments.ChannelID,
			FundingTxid: commitments.Latest().FundingTxOut.Hash,
		}},
	}
}
