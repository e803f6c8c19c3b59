package channel

import (
	"errors"

	"github.com/lightninglabs/feather/backup"
	"github.com/lightninglabs/feather/electrum"
	"github.com/lightninglabs/feather/fwire"
	"github.com/lightningnetwork/lnd/lnwire"
)

// processOffline handles the minimal alphabet an offline channel accepts.
func processOffline(state *Offline, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	switch c := cmd.(type) {
	case *Connected:
		return offlineConnected(state, ctx)

	case *WatchReceived:
		// Chain events do not wait for connectivity: a spend of our
		// funding output must be handled immediately.
		if spent, ok := c.Event.(*electrum.OutPointSpent); ok {
			next, actions := fundingSpent(
				state, state.Commitments(), spent, ctx,
			)
			return next, actions
		}

		// Confirmations are dropped here; the watch is re-armed on
		// reconnect and fires again, so no depth bookkeeping is
		// lost.
		log.Debugf("Channel(%s): deferring watch event until "+
			"reconnect", state.Name())
		return state, nil

	case *CheckHtlcTimeout:
		return checkHtlcTimeout(state, state.Commitments(), ctx)

	case *AddHtlc:
		return state, []Action{&AddFailed{
			Cmd:    c,
			Reason: ErrChannelOffline,
		}}

	case *Disconnected:
		return state, nil

	case *ForceClose:
		return spendLocalCurrent(
			state.Commitments(), ctx, CauseLocalForce,
		)

	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}

// offlineConnected sends our channel_reestablish, with the encrypted state
// backup attached, and enters Syncing.
func offlineConnected(state *Offline, ctx *Context) (ChannelState, []Action) {
	commitments := state.Commitments()

	reestablish := &lnwire.ChannelReestablish{
		ChanID:                commitments.ChannelID,
		NextLocalCommitHeight: commitments.LocalCommitIndex() + 1,
		RemoteCommitTailHeight: nextRevocationNumber(
			commitments,
		),
		LocalUnrevokedCommitPoint: perCommitmentPoint(
			commitments.LocalShaSeed,
			commitments.LocalCommitIndex(),
		),
	}

	// Attach the encrypted backup so a peer with newer state than ours
	// can hand it back on the next reconnection.
	if blob, err := encodeBackup(state.Inner, ctx); err != nil {
		log.Warnf("ChannelID(%v): unable to build channel backup: %v",
			commitments.ChannelID, err)
	} else if extra, err := fwire.EncodeChannelData(blob); err == nil {
		reestablish.ExtraData = extra
	}

	next := &Syncing{Inner: state.Inner, ReestablishSent: true}

	return next, []Action{&SendMessage{Msg: reestablish}}
}

// nextRevocationNumber is the number of remote commitments we have revoked.
func nextRevocationNumber(commitments *Commitments) uint64 {
	return uint64(len(commitments.RemotePerCommitmentSecrets))
}

// encodeBackup serializes and encrypts the inner state for the
// channel_reestablish backup TLV.
func encodeBackup(state PersistedChannelState, ctx *Context) ([]byte, error) {
	serialized, err := SerializeState(state)
	if err != nil {
		return nil, err
	}

	return backup.Encrypt(ctx.KeyRing, serialized)
}

// processSyncing handles the reestablish exchange.
func processSyncing(state *Syncing, cmd Command,
	ctx *Context) (ChannelState, []Action) {

	switch c := cmd.(type) {
	case *MessageReceived:
		if reestablish, ok :=
			c.Msg.(*lnwire.ChannelReestablish); ok {

			return syncingReestablish(state, reestablish, ctx)
		}

		// Any other channel traffic before the reestablish answer is
		// a protocol ordering bug on the peer's side; drop it. The
		// peer retransmits whatever matters once the sync completes.
		log.Debugf("Channel(%s): dropping %T during sync",
			state.Name(), c.Msg)
		return state, nil

	case *WatchReceived:
		if spent, ok := c.Event.(*electrum.OutPointSpent); ok {
			return fundingSpent(
				state, state.Commitments(), spent, ctx,
			)
		}
		return state, nil

	case *CheckHtlcTimeout:
		return checkHtlcTimeout(state, state.Commitments(), ctx)

	case *AddHtlc:
		return state, []Action{&AddFailed{
			Cmd:    c,
			Reason: ErrChannelOffline,
		}}

	case *Disconnected:
		return &Offline{Inner: state.Inner}, nil

	default:
		return state, []Action{&NotExecuted{
			Cmd:    cmd,
			Reason: errUnhandled(state, cmd),
		}}
	}
}

// syncingReestablish processes the peer's channel_reestablish, including
// data-loss recovery from the encrypted backup.
func syncingReestablish(state *Syncing, msg *lnwire.ChannelReestablish,
	ctx *Context) (ChannelState, []Action) {

	inner := state.Inner
	commitments := inner.Commitments()

	var actions []Action

	// If the message carries a backup, see whether it is more recent
	// than what we have. This recovers wallets restored from seed.
	if blob, present, err := fwire.DecodeChannelData(
		msg.ExtraData,
	); err == nil && present {

		restored, err := decodeBackup(blob, ctx)
		switch {
		case errors.Is(err, backup.ErrVersionTooNew):
			// Never force close over this: the user runs old
			// software against newer state. Leave everything
			// untouched and tell the user to upgrade.
			log.Warnf("ChannelID(%v): peer backup requires a "+
				"newer version", commitments.ChannelID)

			return state, []Action{&EmitEvent{
				Event: &UpgradeRequired{
					ChannelID: commitments.ChannelID,
				},
			}}

		case err != nil:
			// Corrupt or foreign backup: log and ignore.
			log.Debugf("ChannelID(%v): discarding unreadable "+
				"peer backup: %v", commitments.ChannelID, err)

		default:
			restoredCommitments := restored.Commitments()
			if restoredCommitments.LocalCommitIndex() >
				commitments.LocalCommitIndex() {

				log.Infof("ChannelID(%v): recovering from "+
					"peer backup: local commit %d -> %d",
					commitments.ChannelID,
					commitments.LocalCommitIndex(),
					restoredCommitments.LocalCommitIndex())

				inner = restored
				commitments = restoredCommitments
				state = &Syncing{
					Inner:           restored,
					ReestablishSent: state.ReestablishSent,
				}

				actions = append(actions,
					&StoreState{State: inner})
			}
		}
	}

	// The peer expects more commitments than we ever made: we are the
	// stale side and have no backup to recover from. Do not publish
	// anything; ask the peer to force close so we can claim from its
	// commitment.
	if msg.NextLocalCommitHeight > commitments.RemoteCommitIndex()+1 {
		log.Errorf("ChannelID(%v): peer is ahead of us (expects %d, "+
			"we are at %d), requesting remote force close",
			commitments.ChannelID, msg.NextLocalCommitHeight,
			commitments.RemoteCommitIndex()+1)

		return state, append(actions, &SendMessage{
			Msg: &lnwire.Error{
				ChanID: commitments.ChannelID,
				Data:   []byte("please publish your commitment"),
			},
		})
	}

	// Retransmit our last commitment_signed if the peer missed it.
	if msg.NextLocalCommitHeight == commitments.RemoteCommitIndex() {
		log.Infof("ChannelID(%v): peer missed our last commit_sig, "+
			"retransmitting pending changes",
			commitments.ChannelID)
		actions = append(actions, &SendToSelf{Cmd: &Sign{}})
	}

	// Sync done: unwrap to the inner state and re-arm chain watches.
	actions = append(actions, rearmWatches(inner)...)

	// A channel that was waiting on its funding confirmation keeps
	// rebroadcasting the funding transaction.
	if confirmed, ok := inner.(*WaitForFundingConfirmed); ok {
		actions = append(actions, &PublishTx{
			Tx:    confirmed.FundingTx,
			Label: "funding-rebroadcast",
		})
	}

	return inner, actions
}

// decodeBackup decrypts and deserializes a peer-supplied channel backup.
func decodeBackup(blob []byte, ctx *Context) (PersistedChannelState, error) {
	plaintext, err := backup.Decrypt(ctx.KeyRing, blob)
	if err != nil {
		return nil, err
	}

	return DeserializeState(plaintext)
}
