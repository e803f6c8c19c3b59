package channel

import (
	"fmt"

	"github.com/lightninglabs/feather/fwire"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Process is the channel state machine: a pure transition function from a
// state and a command to the next state and the side effects the
// orchestrator must perform. It never does I/O itself.
func Process(state ChannelState, cmd Command, ctx *Context) (ChannelState,
	[]Action) {

	// Commands with uniform handling across states come first.
	switch c := cmd.(type) {
	case *Disconnected:
		if persisted, ok := state.(PersistedChannelState); ok {
			// Already wrapped states stay wrapped.
			switch s := state.(type) {
			case *Offline:
				return s, nil
			case *Syncing:
				return &Offline{Inner: s.Inner}, nil
			default:
				return &Offline{Inner: persisted}, nil
			}
		}

		// A channel without commitments has nothing at stake: it is
		// simply abandoned on disconnect.
		return &Aborted{}, nil

	case *MessageReceived:
		// A remote error force-closes any channel with something at
		// stake.
		if remoteErr, ok := c.Msg.(*lnwire.Error); ok {
			return remoteError(state, remoteErr, ctx)
		}
	}

	switch s := state.(type) {
	case *Offline:
		return processOffline(s, cmd, ctx)

	case *Syncing:
		return processSyncing(s, cmd, ctx)

	case *WaitForInit:
		return processWaitForInit(s, cmd, ctx)

	case *WaitForOpenChannel:
		return processWaitForOpenChannel(s, cmd, ctx)

	case *WaitForAcceptChannel:
		return processWaitForAcceptChannel(s, cmd, ctx)

	case *WaitForFundingCreated:
		return processWaitForFundingCreated(s, cmd, ctx)

	case *WaitForFundingSigned:
		return processWaitForFundingSigned(s, cmd, ctx)

	case *WaitForFundingConfirmed:
		return processWaitForFundingConfirmed(s, cmd, ctx)

	case *LegacyWaitForFundingConfirmed:
		return processLegacyWaitForFundingConfirmed(s, cmd, ctx)

	case *WaitForChannelReady:
		return processWaitForChannelReady(s, cmd, ctx)

	case *Normal:
		return processNormal(s, cmd, ctx)

	case *ShuttingDown:
		return processShuttingDown(s, cmd, ctx)

	case *Negotiating:
		return processNegotiating(s, cmd, ctx)

	case *Closing:
		return processClosing(s, cmd, ctx)

	case *Closed:
		return processClosed(s, cmd)

	case *Aborted:
		return state, nil

	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}

// remoteError reacts to an Error message from the peer: force close via the
// latest signed commitment if one exists, abandon otherwise.
func remoteError(state ChannelState, msg *lnwire.Error,
	ctx *Context) (ChannelState, []Action) {

	log.Errorf("Channel(%s): peer sent error: %s", state.Name(),
		msg.Data)

	persisted, ok := state.(PersistedChannelState)
	if !ok {
		return &Aborted{}, nil
	}

	// If the close is already in flight there is nothing more to do.
	switch state.(type) {
	case *Closing, *Closed:
		return state, nil
	}

	return spendLocalCurrent(
		persisted.Commitments(), ctx, CauseRemoteForce,
	)
}

// processWaitForAcceptChannel handles accept_channel2 for an open we
// initiated.
func processWaitForAcceptChannel(state *WaitForAcceptChannel, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	msgCmd, ok := cmd.(*MessageReceived)
	if !ok {
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}

	switch msg := msgCmd.Msg.(type) {
	case *fwire.AcceptChannel2:
		localFundingKey, err := deriveChannelKeys(ctx)
		if err != nil {
			return abortFunding(state.Init.TemporaryChannelID, err)
		}

		params := ChannelParams{
			LocalNodeID:      ctx.LocalNodeID,
			RemoteNodeID:     ctx.RemoteNodeID,
			LocalFundingKey:  localFundingKey.PubKey,
			RemoteFundingKey: msg.FundingKey,
			DustLimit:        msg.DustLimit,
			MaxValueInFlight: msg.MaxValueInFlight,
			MaxAcceptedHTLCs: msg.MaxAcceptedHTLCs,
			ToSelfDelay:      msg.ToSelfDelay,
			MinDepth:         msg.MinDepth,
		}

		script, err := fundingScript(
			params.LocalFundingKey, params.RemoteFundingKey,
		)
		if err != nil {
			return abortFunding(state.Init.TemporaryChannelID, err)
		}

		session := NewInteractiveTxSession(
			state.Init.TemporaryChannelID, true,
			state.LastSent.FundingFeerate,
			state.LastSent.Locktime,
			state.Init.FundingAmount+msg.FundingAmount, script,
			state.Init.WalletInputs, nil, 0,
		)

		localBalance := lnwire.NewMSatFromSatoshis(
			state.Init.FundingAmount,
		) - state.Init.PushAmount
		remoteBalance := lnwire.NewMSatFromSatoshis(
			msg.FundingAmount,
		) + state.Init.PushAmount

		next := &WaitForFundingCreated{
			TemporaryChannelID: state.Init.TemporaryChannelID,
			Params:             params,
			Session:            session,
			LocalBalance:       localBalance,
			RemoteBalance:      remoteBalance,
			CommitmentFeerate:  state.LastSent.CommitmentFeerate,
		}

		// As initiator we move first in the construction session.
		return next, []Action{
			&SendMessage{Msg: session.NextLocalMessage()},
		}

	case *fwire.TxAbort:
		return &Aborted{}, nil

	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}

// processLegacyWaitForFundingConfirmed mirrors the modern confirmation wait
// for channels created by the retired single-funder flow.
func processLegacyWaitForFundingConfirmed(
	state *LegacyWaitForFundingConfirmed, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	modern := &WaitForFundingConfirmed{
		Commits:   state.Commits,
		FundingTx: state.FundingTx,
	}

	next, actions := processWaitForFundingConfirmed(modern, cmd, ctx)

	// Stay tagged as legacy while the wait continues.
	if next == ChannelState(modern) {
		return state, actions
	}

	return next, actions
}

// errUnhandled builds the NotExecuted reason for a command that has no
// transition in the current state.
func errUnhandled(state ChannelState, cmd Command) error {
	return fmt.Errorf("command %T not applicable in state %s", cmd,
		state.Name())
}
