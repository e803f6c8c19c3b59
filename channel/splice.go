package channel

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/feather/electrum"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightningnetwork/lnd/lnwire"
)

// ErrNoSpliceSession is returned when an interactive-tx message arrives with
// no splice in progress.
var ErrNoSpliceSession = errors.New("no splice session in progress")

// normalSpliceRequest initiates a splice on our side. A splice is only legal
// on a quiet channel: no unsigned changes, no other splice in flight.
func normalSpliceRequest(state *Normal, cmd *SpliceRequest,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	if state.Splice != nil {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: ErrSpliceInProgress,
		}}
	}
	if len(pendingChanges(commitments)) > 0 ||
		len(commitments.LocalChanges.Signed) > 0 {

		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: ErrPendingChanges,
		}}
	}

	var contribution int64
	if cmd.SpliceIn != nil {
		for _, input := range cmd.SpliceIn.WalletInputs {
			contribution += int64(input.Amount)
		}
	}
	if cmd.SpliceOut != nil {
		contribution -= int64(cmd.SpliceOut.Amount)
	}

	init := &fwire.SpliceInit{
		ChannelID:           commitments.ChannelID,
		FundingContribution: contribution,
		FundingFeerate:      uint32(cmd.FeeratePerKw),
		Locktime:            ctx.BlockHeight,
		FundingKey:          commitments.Params.LocalFundingKey,
	}

	state.Splice = &SpliceStatus{
		Init:      init,
		SpliceIn:  cmd.SpliceIn,
		SpliceOut: cmd.SpliceOut,
	}

	return state, []Action{&SendMessage{Msg: init}}
}

// spliceInitReceived handles a peer-initiated splice: we accept with a zero
// contribution of our own.
func spliceInitReceived(state *Normal, msg *fwire.SpliceInit,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	if state.Splice != nil {
		return closeOnProtocolError(commitments, ctx,
			ErrSpliceInProgress)
	}
	if len(pendingChanges(commitments)) > 0 {
		return closeOnProtocolError(commitments, ctx,
			ErrPendingChanges)
	}

	commitment := commitments.Latest()

	newFunding := int64(commitment.FundingAmount) + msg.FundingContribution
	if newFunding <= 0 {
		return closeOnProtocolError(commitments, ctx,
			fmt.Errorf("splice would empty channel"))
	}

	session := NewInteractiveTxSession(
		commitments.ChannelID, false, msg.FundingFeerate,
		msg.Locktime, btcutil.Amount(newFunding),
		commitment.FundingScript, nil, &commitment.FundingTxOut,
		commitment.FundingAmount,
	)

	state.Splice = &SpliceStatus{
		Init:    msg,
		Session: session,
	}

	ack := &fwire.SpliceAck{
		ChannelID:           commitments.ChannelID,
		FundingContribution: 0,
		FundingKey:          commitments.Params.LocalFundingKey,
	}

	return state, []Action{&SendMessage{Msg: ack}}
}

// spliceAckReceived starts the interactive session for a splice we
// initiated.
func spliceAckReceived(state *Normal, msg *fwire.SpliceAck,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	if state.Splice == nil || state.Splice.Session != nil {
		return closeOnProtocolError(commitments, ctx,
			errors.New("unexpected splice_ack"))
	}

	commitment := commitments.Latest()

	newFunding := int64(commitment.FundingAmount) +
		state.Splice.Init.FundingContribution +
		msg.FundingContribution
	if newFunding <= 0 {
		return closeOnProtocolError(commitments, ctx,
			fmt.Errorf("splice would empty channel"))
	}

	var localInputs []FundingInput
	if state.Splice.SpliceIn != nil {
		localInputs = state.Splice.SpliceIn.WalletInputs
	}

	session := NewInteractiveTxSession(
		commitments.ChannelID, true, state.Splice.Init.FundingFeerate,
		state.Splice.Init.Locktime, btcutil.Amount(newFunding),
		commitment.FundingScript, localInputs,
		&commitment.FundingTxOut, commitment.FundingAmount,
	)
	if state.Splice.SpliceOut != nil {
		session.LocalOutputs = append(session.LocalOutputs,
			wire.NewTxOut(
				int64(state.Splice.SpliceOut.Amount),
				state.Splice.SpliceOut.PkScript,
			),
		)
	}

	state.Splice.Session = session

	// We move first.
	return state, []Action{&SendMessage{Msg: session.NextLocalMessage()}}
}

// spliceSessionMessage routes interactive-tx traffic on a Normal channel into
// the splice session.
func spliceSessionMessage(state *Normal, msg lnwire.Message,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	if state.Splice == nil || state.Splice.Session == nil {
		if abort, ok := msg.(*fwire.TxAbort); ok {
			log.Debugf("ChannelID(%v): stray tx_abort: %s",
				commitments.ChannelID, abort.Data)
			return state, nil
		}

		return closeOnProtocolError(commitments, ctx,
			ErrNoSpliceSession)
	}

	session := state.Splice.Session

	var err error
	switch m := msg.(type) {
	case *fwire.TxAddInput:
		err = session.ReceiveAddInput(m)
	case *fwire.TxAddOutput:
		err = session.ReceiveAddOutput(m)
	case *fwire.TxRemoveInput:
		err = session.ReceiveRemoveInput(m)
	case *fwire.TxRemoveOutput:
		err = session.ReceiveRemoveOutput(m)
	case *fwire.TxComplete:
		session.ReceiveComplete()

	case *fwire.TxSignatures:
		return spliceTxSignatures(state, m, ctx)

	case *fwire.TxAbort:
		// The splice dies; the channel lives on. The orchestrator
		// releases any wallet inputs we had reserved.
		log.Warnf("ChannelID(%v): peer aborted splice: %s",
			commitments.ChannelID, m.Data)
		state.Splice = nil

		return state, nil
	}
	if err != nil {
		state.Splice = nil

		return state, []Action{&SendMessage{Msg: &fwire.TxAbort{
			ChannelID: commitments.ChannelID,
			Data:      []byte(err.Error()),
		}}}
	}

	actions := []Action{&SendMessage{Msg: session.NextLocalMessage()}}

	if !session.Done() {
		return state, actions
	}

	// The splice transaction is fully constructed: create the new
	// commitment on top of it and cross-sign.
	return spliceSessionComplete(state, ctx, actions)
}

// spliceSessionComplete appends the new funding as the head of Active and
// signs the remote commitment over it.
func spliceSessionComplete(state *Normal, ctx *Context,
	actions []Action) (ChannelState, []Action) {

	commitments := state.Commits
	session := state.Splice.Session

	spliceTx, fundingIndex, err := session.BuildFundingTx()
	if err != nil {
		return closeOnProtocolError(commitments, ctx, err)
	}

	fundingOutPoint := wire.OutPoint{
		Hash:  spliceTx.TxHash(),
		Index: fundingIndex,
	}
	fundingAmount := btcutil.Amount(
		spliceTx.TxOut[fundingIndex].Value,
	)

	previous := commitments.Latest()

	// Balance delta: what we added (or removed) moves our side.
	ourDelta := lnwire.MilliSatoshi(0)
	if state.Splice.SpliceIn != nil || state.Splice.SpliceOut != nil {
		var contribution int64
		if state.Splice.SpliceIn != nil {
			for _, in := range state.Splice.SpliceIn.WalletInputs {
				contribution += int64(in.Amount)
			}
		}
		if state.Splice.SpliceOut != nil {
			contribution -= int64(state.Splice.SpliceOut.Amount)
		}
		ourDelta = lnwire.NewMSatFromSatoshis(
			btcutil.Amount(contribution),
		)
	}

	localSpec := previous.LocalCommit.Spec
	localSpec.ToLocal += ourDelta
	remoteSpec := mirrorSpec(localSpec)

	localScript, remoteScript, err := balanceScripts(commitments.Params)
	if err != nil {
		return closeOnProtocolError(commitments, ctx, err)
	}

	localTx := buildCommitmentTx(
		fundingOutPoint, localSpec, commitments.Params.DustLimit,
		localScript, remoteScript,
	)
	remoteTx := buildCommitmentTx(
		fundingOutPoint, remoteSpec, commitments.Params.DustLimit,
		remoteScript, localScript,
	)

	sig, err := ctx.Signer.SignCommitment(
		remoteTx, previous.FundingScript, fundingAmount,
	)
	if err != nil {
		return closeOnProtocolError(commitments, ctx, err)
	}

	fundingInputs := make([]wire.OutPoint, 0, len(spliceTx.TxIn))
	for _, txIn := range spliceTx.TxIn {
		fundingInputs = append(fundingInputs, txIn.PreviousOutPoint)
	}

	newCommitment := Commitment{
		FundingTxOut:    fundingOutPoint,
		FundingAmount:   fundingAmount,
		FundingScript:   previous.FundingScript,
		FundingTxInputs: fundingInputs,
		LocalCommit: LocalCommit{
			Index: previous.LocalCommit.Index,
			Spec:  localSpec,
			Tx:    localTx,
		},
		RemoteCommit: RemoteCommit{
			Index: previous.RemoteCommit.Index,
			Spec:  remoteSpec,
			Txid:  remoteTx.TxHash(),
			RemotePerCommitmentPoint: previous.RemoteCommit.
				RemotePerCommitmentPoint,
		},
	}

	// The new funding becomes the head; the previous ones stay active
	// until splice_locked.
	commitments.Active = append(
		[]Commitment{newCommitment}, commitments.Active...,
	)

	state.Splice.PendingTx = spliceTx

	actions = append(actions,
		&SendMessage{Msg: &lnwire.CommitSig{
			ChanID:    commitments.ChannelID,
			CommitSig: sig,
		}},
		&StoreState{State: state},
	)

	return state, actions
}

// spliceTxSignatures finalizes and publishes the splice transaction.
func spliceTxSignatures(state *Normal, msg *fwire.TxSignatures,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	if state.Splice == nil || state.Splice.PendingTx == nil {
		return closeOnProtocolError(commitments, ctx,
			errors.New("unexpected tx_signatures"))
	}

	spliceTx := state.Splice.PendingTx
	session := state.Splice.Session

	txSigs, err := localTxSignatures(ctx, session, spliceTx)
	if err != nil {
		return closeOnProtocolError(commitments, ctx, err)
	}
	txSigs.ChannelID = commitments.ChannelID

	attachRemoteWitnesses(spliceTx, msg)

	newFunding := commitments.Latest()

	miningFee := spliceMiningFee(spliceTx, commitments)

	actions := []Action{
		&SendMessage{Msg: txSigs},
		&PublishTx{Tx: spliceTx, Label: "splice"},
		&SendWatch{Watch: &WatchConfirmed{
			Txid:     newFunding.FundingTxOut.Hash,
			PkScript: newFunding.FundingScript,
			MinDepth: commitments.Params.MinDepth,
		}},
		&SendWatch{Watch: &WatchSpent{
			OutPoint: newFunding.FundingTxOut,
			PkScript: newFunding.FundingScript,
		}},
		&StoreOutgoingPayment{
			Kind:      KindSplice,
			Amount:    miningFee,
			MiningFee: miningFee,
			Txid:      spliceTx.TxHash(),
		},
		&StoreState{State: state},
	}

	return state, actions
}

// spliceMiningFee computes the fee the splice transaction pays: inputs we
// know about minus all outputs.
func spliceMiningFee(tx *wire.MsgTx, commitments *Commitments) btcutil.Amount {
	var outSum int64
	for _, txOut := range tx.TxOut {
		outSum += txOut.Value
	}

	var inSum int64
	for i := range commitments.Active[1:] {
		prev := &commitments.Active[1+i]
		for _, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint == prev.FundingTxOut {
				inSum += int64(prev.FundingAmount)
			}
		}
	}

	if fee := inSum - outSum; fee > 0 {
		return btcutil.Amount(fee)
	}

	return 0
}

// spliceConfirmed reacts to the splice transaction reaching min depth on our
// side of the chain: send splice_locked.
func spliceConfirmed(state *Normal,
	event *electrum.TxConfirmed) (ChannelState, []Action) {

	commitments := state.Commits
	latest := commitments.Latest()

	if event.Txid != latest.FundingTxOut.Hash || latest.Locked {
		return state, nil
	}

	locked := &fwire.SpliceLocked{
		ChannelID:   commitments.ChannelID,
		FundingTxid: event.Txid,
	}

	state.spliceLockedSent = true

	actions := []Action{&SendMessage{Msg: locked}}
	if state.spliceLockedReceived {
		actions = append(actions, finishSpliceLock(state)...)
	}

	return state, actions
}

// spliceLockedReceived reacts to the peer's splice_locked.
func spliceLockedReceived(state *Normal,
	msg *fwire.SpliceLocked) (ChannelState, []Action) {

	commitments := state.Commits
	latest := commitments.Latest()

	if msg.FundingTxid != latest.FundingTxOut.Hash {
		log.Debugf("ChannelID(%v): splice_locked for stale funding "+
			"%v", commitments.ChannelID, msg.FundingTxid)
		return state, nil
	}

	state.spliceLockedReceived = true

	if !state.spliceLockedSent {
		return state, nil
	}

	return state, finishSpliceLock(state)
}

// finishSpliceLock retires the previous fundings: the new head is the sole
// active commitment, the others move to the inactive list.
func finishSpliceLock(state *Normal) []Action {
	commitments := state.Commits

	latest := commitments.Latest()
	latest.Locked = true

	commitments.Inactive = append(
		commitments.Inactive, commitments.Active[1:]...,
	)
	commitments.Active = commitments.Active[:1]

	state.Splice = nil
	state.spliceLockedSent = false
	state.spliceLockedReceived = false

	return []Action{
		&StoreState{State: state},
		&SetLocked{Txid: latest.FundingTxOut.Hash},
		&EmitEvent{Event: &SpliceLockedIn{
			ChannelID:   commitments.ChannelID,
			FundingTxid: latest.FundingTxOut.Hash,
		}},
	}
}
