package channel

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/feather/electrum"
	"github.com/lightningnetwork/lnd/lnwire"
)

// closeTxWeight is the approximate weight of a mutual close transaction,
// used to turn a feerate into a concrete fee proposal.
const closeTxWeight = 724

// closeOnProtocolError force-closes after a protocol violation: an Error to
// the peer and our latest signed commitment to the chain.
func closeOnProtocolError(commitments *Commitments, ctx *Context,
	cause error) (ChannelState, []Action) {

	log.Errorf("ChannelID(%v): protocol error, force closing: %v",
		commitments.ChannelID, cause)

	next, actions := spendLocalCurrent(
		commitments, ctx, CauseProtocolError,
	)

	actions = append([]Action{&SendMessage{Msg: &lnwire.Error{
		ChanID: commitments.ChannelID,
		Data:   []byte(cause.Error()),
	}}}, actions...)

	return next, actions
}

// spendLocalCurrent publishes our latest signed commitment, entering Closing.
func spendLocalCurrent(commitments *Commitments, ctx *Context,
	cause CloseCause) (ChannelState, []Action) {

	commitment := commitments.Latest()
	commitTx := commitment.LocalCommit.Tx

	next := &Closing{
		Commits:              commitments,
		LocalCommitPublished: commitTx,
		Cause:                cause,
	}

	actions := []Action{
		&PublishTx{Tx: commitTx, Label: "local-commit"},
		&SendWatch{Watch: &WatchConfirmed{
			Txid:     commitTx.TxHash(),
			PkScript: commitment.FundingScript,
			MinDepth: commitments.Params.MinDepth,
		}},
		&StoreState{State: next},
		&EmitEvent{Event: &ChannelClosing{
			ChannelID: commitments.ChannelID,
			Cause:     cause,
		}},
	}

	return next, actions
}

// normalClose starts a mutual close from the user side.
func normalClose(state *Normal, cmd *Close,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	script := cmd.ScriptPubKey
	if script == nil {
		var err error
		script, err = defaultClosingScript(commitments.Params)
		if err != nil {
			return state, []Action{&NotExecuted{
				Cmd:    cmd,
				Reason: err,
			}}
		}
	}

	shutdown := &lnwire.Shutdown{
		ChannelID: commitments.ChannelID,
		Address:   script,
	}
	state.LocalShutdown = shutdown

	actions := []Action{
		&SendMessage{Msg: shutdown},
		&StoreState{State: state},
	}

	// If the peer already asked to close we can move on directly.
	if state.RemoteShutdown != nil {
		return enterShutdown(
			commitments, state.LocalShutdown,
			state.RemoteShutdown, ctx, actions,
		)
	}

	return state, actions
}

// shutdownReceived handles the peer's shutdown in Normal.
func shutdownReceived(state *Normal, msg *lnwire.Shutdown,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits
	state.RemoteShutdown = msg

	var actions []Action

	if state.LocalShutdown == nil {
		script, err := defaultClosingScript(commitments.Params)
		if err != nil {
			return closeOnProtocolError(commitments, ctx, err)
		}

		state.LocalShutdown = &lnwire.Shutdown{
			ChannelID: commitments.ChannelID,
			Address:   script,
		}
		actions = append(actions,
			&SendMessage{Msg: state.LocalShutdown})
	}

	return enterShutdown(
		commitments, state.LocalShutdown, state.RemoteShutdown, ctx,
		actions,
	)
}

// enterShutdown picks between ShuttingDown (HTLCs remain) and Negotiating.
func enterShutdown(commitments *Commitments, local,
	remote *lnwire.Shutdown, ctx *Context,
	actions []Action) (ChannelState, []Action) {

	spec := commitments.Latest().LocalCommit.Spec
	if len(spec.Htlcs) > 0 || commitments.LocalChanges.Len() > 0 ||
		commitments.RemoteChanges.Len() > 0 {

		next := &ShuttingDown{
			Commits:        commitments,
			LocalShutdown:  local,
			RemoteShutdown: remote,
		}

		return next, append(actions, &StoreState{State: next})
	}

	return startNegotiation(commitments, local, remote, ctx, actions)
}

// startNegotiation enters Negotiating and sends our first closing_signed.
func startNegotiation(commitments *Commitments, local,
	remote *lnwire.Shutdown, ctx *Context,
	actions []Action) (ChannelState, []Action) {

	fee := closingFee(ctx)

	next := &Negotiating{
		Commits:         commitments,
		LocalShutdown:   local,
		RemoteShutdown:  remote,
		LastProposedFee: fee,
	}

	sig, err := signClosingTx(commitments, local, remote, fee, ctx)
	if err != nil {
		return closeOnProtocolError(commitments, ctx, err)
	}

	actions = append(actions,
		&SendMessage{Msg: &lnwire.ClosingSigned{
			ChannelID:   commitments.ChannelID,
			FeeSatoshis: fee,
			Signature:   sig,
		}},
		&StoreState{State: next},
	)

	return next, actions
}

// closingFee derives our mutual close fee proposal from the current mutual
// close feerate.
func closingFee(ctx *Context) btcutil.Amount {
	return btcutil.Amount(
		int64(ctx.Feerates.MutualClose) * closeTxWeight / 1000,
	)
}

// buildClosingTx builds the mutual close transaction for the given fee.
func buildClosingTx(commitments *Commitments, local,
	remote *lnwire.Shutdown, fee btcutil.Amount) *wire.MsgTx {

	commitment := commitments.Latest()
	spec := commitment.LocalCommit.Spec

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: commitment.FundingTxOut,
		Sequence:         wire.MaxTxInSequenceNum - 1,
	})

	// The funder pays the close fee; we are never the funder of fees in
	// this channel model, so the fee comes out of the remote balance
	// when possible.
	toLocal := spec.ToLocal.ToSatoshis()
	toRemote := spec.ToRemote.ToSatoshis()
	if toRemote >= fee {
		toRemote -= fee
	} else {
		toLocal -= fee
	}

	if toLocal >= commitments.Params.DustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(toLocal), local.Address))
	}
	if toRemote >= commitments.Params.DustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(toRemote), remote.Address))
	}

	return tx
}

// signClosingTx signs the mutual close transaction at the given fee.
func signClosingTx(commitments *Commitments, local, remote *lnwire.Shutdown,
	fee btcutil.Amount, ctx *Context) (lnwire.Sig, error) {

	commitment := commitments.Latest()
	closingTx := buildClosingTx(commitments, local, remote, fee)

	return ctx.Signer.SignCommitment(
		closingTx, commitment.FundingScript,
		commitment.FundingAmount,
	)
}

// defaultClosingScript derives our default close-out script from our funding
// key.
func defaultClosingScript(params ChannelParams) ([]byte, error) {
	keyHash := btcutil.Hash160(
		params.LocalFundingKey.SerializeCompressed(),
	)

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(keyHash).
		Script()
}

// processShuttingDown keeps resolving HTLCs until the channel is quiet, then
// starts fee negotiation.
func processShuttingDown(state *ShuttingDown, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	switch c := cmd.(type) {
	case *FulfillHtlc, *FailHtlc, *Sign:
		// HTLC resolution reuses the Normal handlers on a throwaway
		// Normal wrapper; new adds stay forbidden.
		wrapper := &Normal{
			Commits:        commitments,
			LocalShutdown:  state.LocalShutdown,
			RemoteShutdown: state.RemoteShutdown,
		}
		next, actions := processNormal(wrapper, cmd, ctx)
		if closing, ok := next.(*Closing); ok {
			return closing, actions
		}

		return maybeNegotiate(state, ctx, actions)

	case *AddHtlc:
		return state, []Action{&AddFailed{
			Cmd:    c,
			Reason: ErrShuttingDown,
		}}

	case *CheckHtlcTimeout:
		return checkHtlcTimeout(state, commitments, ctx)

	case *MessageReceived:
		switch c.Msg.(type) {
		case *lnwire.UpdateAddHTLC:
			return closeOnProtocolError(commitments, ctx,
				ErrShuttingDown)

		case *lnwire.UpdateFulfillHTLC, *lnwire.UpdateFailHTLC,
			*lnwire.CommitSig, *lnwire.RevokeAndAck:

			wrapper := &Normal{
				Commits:        commitments,
				LocalShutdown:  state.LocalShutdown,
				RemoteShutdown: state.RemoteShutdown,
			}
			next, actions := processNormal(wrapper, cmd, ctx)
			if closing, ok := next.(*Closing); ok {
				return closing, actions
			}

			return maybeNegotiate(state, ctx, actions)

		default:
			return state, []Action{&NotExecuted{
				Cmd:    cmd,
				Reason: errUnhandled(state, cmd),
			}}
		}

	case *WatchReceived:
		if spent, ok := c.Event.(*electrum.OutPointSpent); ok {
			return fundingSpent(state, commitments, spent, ctx)
		}
		return state, nil

	case *ForceClose:
		return spendLocalCurrent(commitments, ctx, CauseLocalForce)

	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}

// maybeNegotiate moves from ShuttingDown to Negotiating once every HTLC is
// resolved and no changes are outstanding.
func maybeNegotiate(state *ShuttingDown, ctx *Context,
	actions []Action) (ChannelState, []Action) {

	commitments := state.Commits
	spec := commitments.Latest().LocalCommit.Spec

	if len(spec.Htlcs) > 0 || commitments.LocalChanges.Len() > 0 ||
		commitments.RemoteChanges.Len() > 0 {

		return state, actions
	}

	return startNegotiation(
		commitments, state.LocalShutdown, state.RemoteShutdown, ctx,
		actions,
	)
}

// processNegotiating converges on a mutual close fee.
func processNegotiating(state *Negotiating, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	msgCmd, ok := cmd.(*MessageReceived)
	if !ok {
		switch cmd.(type) {
		case *ForceClose:
			return spendLocalCurrent(
				commitments, ctx, CauseLocalForce,
			)
		case *WatchReceived:
			watch := cmd.(*WatchReceived)
			if spent, ok :=
				watch.Event.(*electrum.OutPointSpent); ok {

				return fundingSpent(
					state, commitments, spent, ctx,
				)
			}
			return state, nil
		default:
			return state, []Action{&NotExecuted{
				Cmd:    cmd,
				Reason: errUnhandled(state, cmd),
			}}
		}
	}

	closing, ok := msgCmd.Msg.(*lnwire.ClosingSigned)
	if !ok {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}

	// Agreement: publish.
	if closing.FeeSatoshis == state.LastProposedFee {
		closingTx := buildClosingTx(
			commitments, state.LocalShutdown,
			state.RemoteShutdown, closing.FeeSatoshis,
		)

		next := &Closing{
			Commits:              commitments,
			MutualClosePublished: []*wire.MsgTx{closingTx},
			Cause:                CauseMutual,
		}

		return next, []Action{
			&PublishTx{Tx: closingTx, Label: "mutual-close"},
			&SendWatch{Watch: &WatchConfirmed{
				Txid: closingTx.TxHash(),
				PkScript: commitments.Latest().
					FundingScript,
				MinDepth: commitments.Params.MinDepth,
			}},
			&StoreOutgoingPayment{
				Kind:      KindClose,
				Amount:    closing.FeeSatoshis,
				MiningFee: closing.FeeSatoshis,
				Txid:      closingTx.TxHash(),
			},
			&StoreState{State: next},
			&EmitEvent{Event: &ChannelClosing{
				ChannelID: commitments.ChannelID,
				Cause:     CauseMutual,
			}},
		}
	}

	// Split the difference and counter-propose.
	fee := (closing.FeeSatoshis + state.LastProposedFee) / 2
	state.LastProposedFee = fee

	sig, err := signClosingTx(
		commitments, state.LocalShutdown, state.RemoteShutdown, fee,
		ctx,
	)
	if err != nil {
		return closeOnProtocolError(commitments, ctx, err)
	}

	return state, []Action{
		&SendMessage{Msg: &lnwire.ClosingSigned{
			ChannelID:   commitments.ChannelID,
			FeeSatoshis: fee,
			Signature:   sig,
		}},
		&StoreState{State: state},
	}
}

// processClosing waits for confirmations and finishes penalty claims.
func processClosing(state *Closing, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	switch c := cmd.(type) {
	case *WatchReceived:
		confirmed, ok := c.Event.(*electrum.TxConfirmed)
		if !ok {
			if spent, isSpend :=
				c.Event.(*electrum.OutPointSpent); isSpend {

				// Another commitment appeared mid-close;
				// reclassify.
				return fundingSpent(
					state, commitments, spent, ctx,
				)
			}
			return state, nil
		}

		next := &Closed{Inner: state}

		return next, []Action{
			&SetLocked{Txid: confirmed.Txid},
			&StoreState{State: next},
			&EmitEvent{Event: &ChannelClosed{
				ChannelID:   commitments.ChannelID,
				ClosingTxid: confirmed.Txid,
			}},
		}

	case *GetHtlcInfosResponse:
		return penaltyResponse(state, c, ctx)

	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}

// penaltyResponse builds and publishes the penalty transaction claiming all
// outputs of a revoked commitment.
func penaltyResponse(state *Closing, cmd *GetHtlcInfosResponse,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	for _, rvk := range state.RevokedCommitPublished {
		if rvk.CommitTx.TxHash() != cmd.RevokedCommitTxid {
			continue
		}
		if rvk.PenaltyTx != nil {
			return state, nil
		}

		penaltyTx, err := buildPenaltyTx(
			rvk.CommitTx, commitments, ctx,
		)
		if err != nil {
			log.Errorf("ChannelID(%v): unable to build penalty "+
				"tx: %v", commitments.ChannelID, err)
			return state, nil
		}
		rvk.PenaltyTx = penaltyTx

		return state, []Action{
			&PublishTx{Tx: penaltyTx, Label: "penalty"},
			&StoreState{State: state},
		}
	}

	return state, []Action{&NotExecuted{
		Cmd:    cmd,
		Reason: errUnhandled(state, cmd),
	}}
}

// buildPenaltyTx claims every output of a revoked commitment into a single
// output paying to our closing script.
func buildPenaltyTx(commitTx *wire.MsgTx, commitments *Commitments,
	ctx *Context) (*wire.MsgTx, error) {

	script, err := defaultClosingScript(commitments.Params)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)

	commitTxid := commitTx.TxHash()
	var total int64
	for i, txOut := range commitTx.TxOut {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{
				Hash:  commitTxid,
				Index: uint32(i),
			},
		})
		total += txOut.Value
	}

	// The penalty must confirm before the thief's timelocks expire: pay
	// the fast feerate.
	weight := int64(300 + 150*len(tx.TxIn))
	fee := int64(ctx.Feerates.Fast) * weight / 1000
	if total-fee <= 0 {
		fee = total / 2
	}

	tx.AddTxOut(wire.NewTxOut(total-fee, script))

	return tx, nil
}

// processClosed handles the terminal Closed state.
func processClosed(state *Closed, cmd Command) (ChannelState, []Action) {
	switch cmd.(type) {
	case *WatchReceived, *Connected, *Disconnected:
		return state, nil
	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}
