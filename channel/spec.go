package channel

import (
	"fmt"

	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
)

// chainFeeRate converts a wire feerate to the chainfee unit.
func chainFeeRate(feePerKw uint32) chainfee.SatPerKWeight {
	return chainfee.SatPerKWeight(feePerKw)
}

// applyChanges applies a set of update messages to a local-perspective spec
// and returns the new spec. The message's provenance (ours or theirs)
// determines which balance funds an add and which balance a removal credits.
func applyChanges(spec Spec, commitments *Commitments,
	changes []lnwire.Message) (Spec, error) {

	next := Spec{
		ToLocal:      spec.ToLocal,
		ToRemote:     spec.ToRemote,
		FeeratePerKw: spec.FeeratePerKw,
		Htlcs:        append([]Htlc(nil), spec.Htlcs...),
	}

	for _, change := range changes {
		fromRemote := isRemoteChange(commitments, change)

		switch msg := change.(type) {
		case *lnwire.UpdateAddHTLC:
			direction := Outgoing
			if fromRemote {
				direction = Incoming
			}

			if fromRemote {
				if next.ToRemote < msg.Amount {
					return Spec{}, fmt.Errorf("remote "+
						"add %d exceeds balance",
						msg.ID)
				}
				next.ToRemote -= msg.Amount
			} else {
				if next.ToLocal < msg.Amount {
					return Spec{}, fmt.Errorf("local "+
						"add %d exceeds balance",
						msg.ID)
				}
				next.ToLocal -= msg.Amount
			}

			next.Htlcs = append(next.Htlcs, Htlc{
				Direction: direction,
				Add:       *msg,
			})

		case *lnwire.UpdateFulfillHTLC:
			// A fulfill removes the HTLC and credits the side
			// that sent the fulfill.
			direction := Incoming
			if fromRemote {
				direction = Outgoing
			}

			htlc, ok := removeHtlc(&next, direction, msg.ID)
			if !ok {
				return Spec{}, fmt.Errorf("fulfill of "+
					"unknown htlc %d", msg.ID)
			}

			if fromRemote {
				next.ToRemote += htlc.Add.Amount
			} else {
				next.ToLocal += htlc.Add.Amount
			}

		case *lnwire.UpdateFailHTLC:
			// A fail removes the HTLC and refunds the side that
			// offered it.
			direction := Incoming
			if fromRemote {
				direction = Outgoing
			}

			htlc, ok := removeHtlc(&next, direction, msg.ID)
			if !ok {
				return Spec{}, fmt.Errorf("fail of unknown "+
					"htlc %d", msg.ID)
			}

			if fromRemote {
				next.ToLocal += htlc.Add.Amount
			} else {
				next.ToRemote += htlc.Add.Amount
			}

		case *lnwire.UpdateFee:
			next.FeeratePerKw = chainFeeRate(msg.FeePerKw)

		default:
			return Spec{}, fmt.Errorf("unexpected change %T",
				change)
		}
	}

	return next, nil
}

// removeHtlc deletes the HTLC with the given direction and id from the spec
// and returns it.
func removeHtlc(spec *Spec, direction Direction, id uint64) (Htlc, bool) {
	for i, htlc := range spec.Htlcs {
		if htlc.Direction != direction || htlc.Add.ID != id {
			continue
		}

		spec.Htlcs = append(spec.Htlcs[:i], spec.Htlcs[i+1:]...)
		return htlc, true
	}

	return Htlc{}, false
}

// mirrorSpec flips a spec to the other side's perspective.
func mirrorSpec(spec Spec) Spec {
	mirrored := Spec{
		ToLocal:      spec.ToRemote,
		ToRemote:     spec.ToLocal,
		FeeratePerKw: spec.FeeratePerKw,
		Htlcs:        make([]Htlc, 0, len(spec.Htlcs)),
	}

	for _, htlc := range spec.Htlcs {
		flipped := htlc
		if htlc.Direction == Incoming {
			flipped.Direction = Outgoing
		} else {
			flipped.Direction = Incoming
		}
		mirrored.Htlcs = append(mirrored.Htlcs, flipped)
	}

	return mirrored
}

// isRemoteChange reports whether the given update message is buffered in the
// remote change sets.
func isRemoteChange(c *Commitments, msg lnwire.Message) bool {
	for _, change := range c.RemoteChanges.Proposed {
		if change == msg {
			return true
		}
	}
	for _, change := range c.RemoteChanges.Signed {
		if change == msg {
			return true
		}
	}
	for _, change := range c.RemoteChanges.Acked {
		if change == msg {
			return true
		}
	}

	return false
}
