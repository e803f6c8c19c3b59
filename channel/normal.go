package channel

import (
	"errors"
	"fmt"

	"github.com/lightninglabs/feather/electrum"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrInsufficientBalance is returned when an HTLC add would dip into
	// the channel reserve.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTooManyHtlcs is returned when an HTLC add would exceed the
	// negotiated maximum.
	ErrTooManyHtlcs = errors.New("too many htlcs in flight")

	// ErrHtlcValueTooHigh is returned when an HTLC add would exceed the
	// max-value-in-flight limit.
	ErrHtlcValueTooHigh = errors.New("htlc value in flight too high")

	// ErrUnknownHtlc is returned when settling an HTLC that is not in
	// the commitment.
	ErrUnknownHtlc = errors.New("unknown htlc")

	// ErrUnexpectedHtlcID is returned when the peer skips or reuses an
	// HTLC id.
	ErrUnexpectedHtlcID = errors.New("unexpected htlc id")

	// ErrPendingChanges is returned when a splice or close is attempted
	// with unsigned changes outstanding.
	ErrPendingChanges = errors.New("pending channel updates")

	// ErrSpliceInProgress is returned when a second splice is attempted
	// while one is being negotiated.
	ErrSpliceInProgress = errors.New("splice already in progress")

	// ErrNoChangesToSign is returned by Sign when there is nothing to
	// commit to.
	ErrNoChangesToSign = errors.New("no changes to sign")

	// ErrShuttingDown is returned when an HTLC add is attempted after
	// shutdown has been exchanged.
	ErrShuttingDown = errors.New("channel is shutting down")

	// ErrChannelOffline is returned when a command needs a connected
	// peer but the channel is offline.
	ErrChannelOffline = errors.New("channel is offline")
)

// processNormal is the transition function for the Normal state.
func processNormal(state *Normal, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	switch c := cmd.(type) {
	case *AddHtlc:
		return normalAddHtlc(state, c)

	case *FulfillHtlc:
		return normalFulfillHtlc(state, c)

	case *FailHtlc:
		return normalFailHtlc(state, c)

	case *Sign:
		return normalSign(state, ctx)

	case *CheckHtlcTimeout:
		return checkHtlcTimeout(state, state.Commits, ctx)

	case *SpliceRequest:
		return normalSpliceRequest(state, c, ctx)

	case *Close:
		return normalClose(state, c, ctx)

	case *MessageReceived:
		return normalMessage(state, c.Msg, ctx)

	case *WatchReceived:
		return normalWatch(state, c.Event, ctx)

	case *GetHtlcInfosResponse:
		// Arrives in Normal only if the channel recovered between
		// request and response; nothing to claim anymore.
		log.Debugf("ChannelID(%v): discarding stale htlc info "+
			"response", state.Commits.ChannelID)
		return state, nil

	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}

// normalAddHtlc validates and offers a new outgoing HTLC.
func normalAddHtlc(state *Normal, cmd *AddHtlc) (ChannelState, []Action) {
	commitments := state.Commits
	spec := commitments.Latest().LocalCommit.Spec

	if cmd.Amount > commitments.AvailableBalanceForSend() {
		return state, []Action{&AddFailed{
			Cmd:    cmd,
			Reason: ErrInsufficientBalance,
		}}
	}

	var outgoingCount int
	var valueInFlight lnwire.MilliSatoshi
	for _, htlc := range spec.Htlcs {
		if htlc.Direction == Outgoing {
			outgoingCount++
			valueInFlight += htlc.Add.Amount
		}
	}
	if outgoingCount >= int(commitments.Params.MaxAcceptedHTLCs) {
		return state, []Action{&AddFailed{
			Cmd:    cmd,
			Reason: ErrTooManyHtlcs,
		}}
	}
	if valueInFlight+cmd.Amount > commitments.Params.MaxValueInFlight {
		return state, []Action{&AddFailed{
			Cmd:    cmd,
			Reason: ErrHtlcValueTooHigh,
		}}
	}

	add := &lnwire.UpdateAddHTLC{
		ChanID:      commitments.ChannelID,
		ID:          commitments.LocalNextHtlcID,
		Amount:      cmd.Amount,
		PaymentHash: [32]byte(cmd.PaymentHash),
		Expiry:      cmd.Expiry,
	}
	copy(add.OnionBlob[:], cmd.OnionBlob)

	commitments.LocalNextHtlcID++
	commitments.LocalChanges.Proposed = append(
		commitments.LocalChanges.Proposed, add,
	)

	// Remember the origin so settlement can be attributed to the payment
	// part.
	state.htlcOrigins(Outgoing)[add.ID] = &PaymentOrigin{
		PaymentID: cmd.PaymentID,
		PartID:    cmd.PartID,
	}

	actions := []Action{&SendMessage{Msg: add}}
	if cmd.Commit {
		actions = append(actions, &SendToSelf{Cmd: &Sign{}})
	}

	return state, actions
}

// normalFulfillHtlc settles an incoming HTLC with its preimage.
func normalFulfillHtlc(state *Normal,
	cmd *FulfillHtlc) (ChannelState, []Action) {

	commitments := state.Commits
	spec := commitments.Latest().LocalCommit.Spec
	if _, ok := spec.FindHtlc(Incoming, cmd.ID); !ok {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: ErrUnknownHtlc,
		}}
	}

	fulfill := &lnwire.UpdateFulfillHTLC{
		ChanID:          commitments.ChannelID,
		ID:              cmd.ID,
		PaymentPreimage: [32]byte(cmd.Preimage),
	}
	commitments.LocalChanges.Proposed = append(
		commitments.LocalChanges.Proposed, fulfill,
	)

	actions := []Action{&SendMessage{Msg: fulfill}}
	if cmd.Commit {
		actions = append(actions, &SendToSelf{Cmd: &Sign{}})
	}

	return state, actions
}

// normalFailHtlc fails an incoming HTLC.
func normalFailHtlc(state *Normal, cmd *FailHtlc) (ChannelState, []Action) {
	commitments := state.Commits
	spec := commitments.Latest().LocalCommit.Spec
	if _, ok := spec.FindHtlc(Incoming, cmd.ID); !ok {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: ErrUnknownHtlc,
		}}
	}

	fail := &lnwire.UpdateFailHTLC{
		ChanID: commitments.ChannelID,
		ID:     cmd.ID,
		Reason: cmd.Reason,
	}
	commitments.LocalChanges.Proposed = append(
		commitments.LocalChanges.Proposed, fail,
	)

	actions := []Action{&SendMessage{Msg: fail}}
	if cmd.Commit {
		actions = append(actions, &SendToSelf{Cmd: &Sign{}})
	}

	return state, actions
}

// pendingChanges returns all unsigned updates from both sides.
func pendingChanges(c *Commitments) []lnwire.Message {
	changes := make([]lnwire.Message, 0,
		len(c.LocalChanges.Proposed)+len(c.RemoteChanges.Proposed))
	changes = append(changes, c.LocalChanges.Proposed...)
	changes = append(changes, c.RemoteChanges.Proposed...)

	return changes
}

// normalSign commits to all pending changes: it advances every active
// remote commitment by one number and sends commitment_signed. During an
// unconfirmed splice the HTLCs are signed against both fundings, so no reorg
// outcome can strand them.
func normalSign(state *Normal, ctx *Context) (ChannelState, []Action) {
	commitments := state.Commits

	// Changes already folded into our local commitment (the remote's
	// acked set) advance the remote commitment through the base spec, so
	// they do not reappear in the change list.
	changes := pendingChanges(commitments)
	if len(changes) == 0 && len(commitments.RemoteChanges.Acked) == 0 {
		return state, []Action{&NotExecuted{
			Cmd:    &Sign{},
			Reason: ErrNoChangesToSign,
		}}
	}

	var actions []Action
	for i := range commitments.Active {
		commitment := &commitments.Active[i]

		newSpec, err := applyChanges(
			commitment.LocalCommit.Spec, commitments, changes,
		)
		if err != nil {
			return closeOnProtocolError(commitments, ctx, err)
		}
		remoteSpec := mirrorSpec(newSpec)

		localScript, remoteScript, err := balanceScripts(
			commitments.Params,
		)
		if err != nil {
			return closeOnProtocolError(commitments, ctx, err)
		}

		remoteTx := buildCommitmentTx(
			commitment.FundingTxOut, remoteSpec,
			commitments.Params.DustLimit, remoteScript,
			localScript,
		)

		sig, err := ctx.Signer.SignCommitment(
			remoteTx, commitment.FundingScript,
			commitment.FundingAmount,
		)
		if err != nil {
			return closeOnProtocolError(commitments, ctx, err)
		}

		commitment.RemoteCommit = RemoteCommit{
			Index: commitment.RemoteCommit.Index + 1,
			Spec:  remoteSpec,
			Txid:  remoteTx.TxHash(),
			RemotePerCommitmentPoint: commitments.
				RemoteNextPerCommitmentPoint,
		}

		actions = append(actions, &SendMessage{
			Msg: &lnwire.CommitSig{
				ChanID:    commitments.ChannelID,
				CommitSig: sig,
			},
		})
	}

	// Persist the HTLC set of the newly signed remote commitment so a
	// future penalty claim can locate its outputs.
	latest := commitments.Latest()
	infos := make([]HtlcInfo, 0, len(latest.RemoteCommit.Spec.Htlcs))
	for _, htlc := range latest.RemoteCommit.Spec.Htlcs {
		infos = append(infos, HtlcInfo{
			ChannelID:        commitments.ChannelID,
			CommitmentNumber: latest.RemoteCommit.Index,
			PaymentHash:      lntypes.Hash(htlc.Add.PaymentHash),
			CltvExpiry:       htlc.Add.Expiry,
		})
	}
	if len(infos) > 0 {
		actions = append(actions, &StoreHtlcInfos{Htlcs: infos})
	}

	commitments.LocalChanges.Signed = append(
		commitments.LocalChanges.Signed,
		commitments.LocalChanges.Proposed...,
	)
	commitments.LocalChanges.Proposed = nil
	commitments.RemoteChanges.Signed = append(
		commitments.RemoteChanges.Signed,
		commitments.RemoteChanges.Proposed...,
	)
	commitments.RemoteChanges.Proposed = nil
	commitments.RemoteChanges.Acked = nil

	actions = append(actions, &StoreState{State: state})

	return state, actions
}

// normalMessage handles peer messages in Normal.
func normalMessage(state *Normal, msg lnwire.Message,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	switch m := msg.(type) {
	case *lnwire.UpdateAddHTLC:
		if m.ID != commitments.RemoteNextHtlcID {
			return closeOnProtocolError(commitments, ctx,
				fmt.Errorf("%w: got %d, want %d",
					ErrUnexpectedHtlcID, m.ID,
					commitments.RemoteNextHtlcID))
		}
		commitments.RemoteNextHtlcID++
		commitments.RemoteChanges.Proposed = append(
			commitments.RemoteChanges.Proposed, m,
		)

		return state, nil

	case *lnwire.UpdateFulfillHTLC:
		// A preimage is actionable the moment it arrives: surface it
		// immediately so the payment completes, then let the
		// commitment catch up.
		htlc, ok := commitments.Latest().LocalCommit.Spec.FindHtlc(
			Outgoing, m.ID,
		)
		if !ok {
			return closeOnProtocolError(commitments, ctx,
				fmt.Errorf("%w: fulfill id %d",
					ErrUnknownHtlc, m.ID))
		}

		settled := *htlc
		settled.Origin = state.htlcOrigins(Outgoing)[m.ID]

		commitments.RemoteChanges.Proposed = append(
			commitments.RemoteChanges.Proposed, m,
		)

		return state, []Action{&AddSettledFulfill{
			Htlc:     settled,
			Preimage: lntypes.Preimage(m.PaymentPreimage),
		}}

	case *lnwire.UpdateFailHTLC:
		htlc, ok := commitments.Latest().LocalCommit.Spec.FindHtlc(
			Outgoing, m.ID,
		)
		if !ok {
			return closeOnProtocolError(commitments, ctx,
				fmt.Errorf("%w: fail id %d", ErrUnknownHtlc,
					m.ID))
		}

		failed := *htlc
		failed.Origin = state.htlcOrigins(Outgoing)[m.ID]

		commitments.RemoteChanges.Proposed = append(
			commitments.RemoteChanges.Proposed, m,
		)

		// The failure only becomes final once it is committed; the
		// orchestrator forwards fulfills before fails either way.
		state.pendingFails = append(state.pendingFails, &AddSettledFail{
			Htlc:   failed,
			Reason: m.Reason,
		})

		return state, nil

	case *lnwire.CommitSig:
		return normalCommitSig(state, m, ctx)

	case *lnwire.RevokeAndAck:
		return normalRevokeAndAck(state, m, ctx)

	case *fwire.SpliceInit:
		return spliceInitReceived(state, m, ctx)

	case *fwire.SpliceAck:
		return spliceAckReceived(state, m, ctx)

	case *fwire.TxAddInput, *fwire.TxAddOutput, *fwire.TxRemoveInput,
		*fwire.TxRemoveOutput, *fwire.TxComplete, *fwire.TxSignatures,
		*fwire.TxAbort:

		return spliceSessionMessage(state, msg, ctx)

	case *fwire.SpliceLocked:
		return spliceLockedReceived(state, m)

	case *lnwire.ChannelUpdate1:
		state.RemoteChannelUpdate = m
		return state, []Action{&StoreState{State: state}}

	case *lnwire.Shutdown:
		return shutdownReceived(state, m, ctx)

	default:
		return state, []Action{&NotExecuted{
			Cmd:    &MessageReceived{Msg: msg},
			Reason: errUnhandled(state, &MessageReceived{Msg: msg}),
		}}
	}
}

// normalCommitSig advances our local commitment and revokes the previous one.
func normalCommitSig(state *Normal, msg *lnwire.CommitSig,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	changes := make([]lnwire.Message, 0,
		len(commitments.RemoteChanges.Proposed)+
			len(commitments.LocalChanges.Signed)+
			len(commitments.LocalChanges.Proposed))
	changes = append(changes, commitments.RemoteChanges.Proposed...)
	changes = append(changes, commitments.RemoteChanges.Signed...)
	changes = append(changes, commitments.LocalChanges.Signed...)
	changes = append(changes, commitments.LocalChanges.Proposed...)

	var newlyCommittedAdds []lnwire.UpdateAddHTLC
	for _, change := range changes {
		if add, ok := change.(*lnwire.UpdateAddHTLC); ok {
			if add.ChanID == commitments.ChannelID &&
				isRemoteAdd(commitments, add) {

				newlyCommittedAdds = append(
					newlyCommittedAdds, *add,
				)
			}
		}
	}

	localScript, remoteScript, err := balanceScripts(commitments.Params)
	if err != nil {
		return closeOnProtocolError(commitments, ctx, err)
	}

	oldIndex := commitments.LocalCommitIndex()
	for i := range commitments.Active {
		commitment := &commitments.Active[i]

		newSpec, err := applyChanges(
			commitment.LocalCommit.Spec, commitments, changes,
		)
		if err != nil {
			return closeOnProtocolError(commitments, ctx, err)
		}

		localTx := buildCommitmentTx(
			commitment.FundingTxOut, newSpec,
			commitments.Params.DustLimit, localScript,
			remoteScript,
		)

		commitment.LocalCommit = LocalCommit{
			Index:     commitment.LocalCommit.Index + 1,
			Spec:      newSpec,
			Tx:        localTx,
			RemoteSig: msg.CommitSig,
		}
	}

	// Reveal the secret of the commitment we are leaving behind and
	// announce the point for the one after next.
	revocation := perCommitmentSecret(commitments.LocalShaSeed, oldIndex)
	revoke := &lnwire.RevokeAndAck{
		ChanID:     commitments.ChannelID,
		Revocation: revocation,
		NextRevocationKey: perCommitmentPoint(
			commitments.LocalShaSeed,
			commitments.LocalCommitIndex()+1,
		),
	}

	// Everything the remote had in flight is now part of our commitment.
	commitments.RemoteChanges.Signed = nil
	commitments.RemoteChanges.Acked = append(
		commitments.RemoteChanges.Acked,
		commitments.RemoteChanges.Proposed...,
	)
	commitments.RemoteChanges.Proposed = nil

	actions := []Action{
		&SendMessage{Msg: revoke},
		&StoreState{State: state},
	}

	// Newly committed incoming HTLCs are now safe to hand to the
	// payment layer.
	for _, add := range newlyCommittedAdds {
		add := add
		actions = append(actions, &ProcessIncomingHtlc{Add: add})
	}

	// The receiver of a commitment answers with its own signature if
	// anything on its side remains uncommitted.
	if len(pendingChanges(commitments)) > 0 ||
		len(commitments.RemoteChanges.Acked) > 0 {

		actions = append(actions, &SendToSelf{Cmd: &Sign{}})
	}

	return state, actions
}

// isRemoteAdd reports whether an add in the change set originated from the
// remote side.
func isRemoteAdd(c *Commitments, add *lnwire.UpdateAddHTLC) bool {
	for _, change := range c.RemoteChanges.Proposed {
		if change == add {
			return true
		}
	}
	for _, change := range c.RemoteChanges.Signed {
		if change == add {
			return true
		}
	}
	for _, change := range c.RemoteChanges.Acked {
		if change == add {
			return true
		}
	}

	return false
}

// normalRevokeAndAck finishes a signing round: the remote has revoked its
// previous commitment.
func normalRevokeAndAck(state *Normal, msg *lnwire.RevokeAndAck,
	ctx *Context) (ChannelState, []Action) {

	commitments := state.Commits

	// The secret must match the per-commitment point the revoked
	// commitment was built with.
	revokedIndex := commitments.RemoteCommitIndex() - 1
	if point := commitments.Latest().RemoteCommit.
		RemotePerCommitmentPoint; point != nil {

		if !verifyRevocation(msg.Revocation, point) {
			return closeOnProtocolError(commitments, ctx,
				errors.New("invalid revocation secret"))
		}
	}

	commitments.RemotePerCommitmentSecrets[revokedIndex] = msg.Revocation
	commitments.RemoteNextPerCommitmentPoint = msg.NextRevocationKey

	// Our signed changes are now irrevocably committed on their side.
	commitments.LocalChanges.Acked = nil
	commitments.LocalChanges.Signed = nil

	actions := []Action{&StoreState{State: state}}

	// Outgoing HTLC failures become final here: the htlc is gone from
	// both commitments and the funds are back in our balance.
	for _, fail := range state.pendingFails {
		actions = append(actions, fail)
	}
	state.pendingFails = nil

	return state, actions
}

// checkHtlcTimeout force-closes when any in-flight HTLC is too close to its
// expiry for off-chain resolution to be safe.
func checkHtlcTimeout(state ChannelState, commitments *Commitments,
	ctx *Context) (ChannelState, []Action) {

	spec := commitments.Latest().LocalCommit.Spec
	for _, htlc := range spec.Htlcs {
		if ctx.BlockHeight+HtlcSafetyDelta < htlc.Add.Expiry {
			continue
		}

		log.Warnf("ChannelID(%v): %s htlc %d expires at %d, tip %d: "+
			"force closing", commitments.ChannelID,
			htlc.Direction, htlc.Add.ID, htlc.Add.Expiry,
			ctx.BlockHeight)

		return spendLocalCurrent(
			commitments, ctx, CauseHtlcTimeout,
		)
	}

	return state, nil
}

// normalWatch handles chain events in Normal.
func normalWatch(state *Normal, event electrum.WatchEvent,
	ctx *Context) (ChannelState, []Action) {

	switch e := event.(type) {
	case *electrum.TxConfirmed:
		return spliceConfirmed(state, e)

	case *electrum.OutPointSpent:
		return fundingSpent(state, state.Commits, e, ctx)

	default:
		return state, nil
	}
}

// fundingSpent classifies the transaction that spent our funding output and
// reacts: our own commitment (nothing to do but watch), the remote's current
// commitment (recorded as a remote close; no claim transaction is built
// here), or a revoked commitment (penalty).
func fundingSpent(state ChannelState, commitments *Commitments,
	event *electrum.OutPointSpent, ctx *Context) (ChannelState, []Action) {

	spendTxid := event.SpendingTx.TxHash()
	commitment := commitments.Latest()

	switch {
	// Our own commitment: the force close we initiated (or a crashed
	// publish) is confirming.
	case commitment.LocalCommit.Tx != nil &&
		spendTxid == commitment.LocalCommit.Tx.TxHash():

		next := &Closing{
			Commits:              commitments,
			LocalCommitPublished: commitment.LocalCommit.Tx,
			Cause:                CauseLocalForce,
		}

		return next, []Action{&StoreState{State: next}}

	// The remote's current commitment: a legitimate unilateral close.
	case spendTxid == commitment.RemoteCommit.Txid:
		next := &Closing{
			Commits:               commitments,
			RemoteCommitPublished: event.SpendingTx,
			Cause:                 CauseRemoteForce,
		}

		return next, []Action{
			&StoreState{State: next},
			&EmitEvent{Event: &ChannelClosing{
				ChannelID: commitments.ChannelID,
				Cause:     CauseRemoteForce,
			}},
		}

	// Anything else spending the funding output is a revoked commitment:
	// enter penalty mode.
	default:
		revokedIndex := commitments.RemoteCommitIndex() - 1
		secret, ok := commitments.RemotePerCommitmentSecrets[revokedIndex]
		if !ok {
			// No secret for this commitment: log it. Penalty mode
			// is entered regardless, with a zero secret recorded.
			log.Errorf("ChannelID(%v): funding spent by unknown "+
				"tx %v and no revocation secret",
				commitments.ChannelID, spendTxid)
		}

		rvk := &RevokedCommitPublished{
			CommitTx:                  event.SpendingTx,
			CommitmentNumber:          revokedIndex,
			RemotePerCommitmentSecret: secret,
		}

		next := &Closing{
			Commits:                commitments,
			RevokedCommitPublished: []*RevokedCommitPublished{rvk},
			Cause:                  CauseRevokedCommit,
		}

		return next, []Action{
			&StoreState{State: next},
			&GetHtlcInfos{
				CommitmentNumber:  revokedIndex,
				RevokedCommitTxid: spendTxid,
			},
			&EmitEvent{Event: &ChannelClosing{
				ChannelID: commitments.ChannelID,
				Cause:     CauseRevokedCommit,
			}},
		}
	}
}

// htlcOrigins lazily initializes the origin map for a direction.
func (s *Normal) htlcOrigins(direction Direction) map[uint64]HtlcOrigin {
	if s.origins == nil {
		s.origins = map[Direction]map[uint64]HtlcOrigin{
			Incoming: make(map[uint64]HtlcOrigin),
			Outgoing: make(map[uint64]HtlcOrigin),
		}
	}

	return s.origins[direction]
}
