package paymentsdb

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/lightninglabs/feather/channel"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// MemoryStore is an in-memory PaymentsDb. The daemon uses it until a
// platform store is attached, and the test suites use it as the reference
// implementation of the contract.
type MemoryStore struct {
	mtx sync.Mutex

	incoming map[lntypes.Hash]*IncomingPayment
	outgoing map[uuid.UUID]*LightningOutgoingPayment
	partIdx  map[uuid.UUID]uuid.UUID
	onChain  map[chainhash.Hash]*OnChainOutgoingPayment
	channels map[lnwire.ChannelID][]byte
	htlcs    map[lnwire.ChannelID]map[uint64][]channel.HtlcInfo
}

// A compile time check to ensure MemoryStore implements PaymentsDb.
var _ PaymentsDb = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incoming: make(map[lntypes.Hash]*IncomingPayment),
		outgoing: make(map[uuid.UUID]*LightningOutgoingPayment),
		partIdx:  make(map[uuid.UUID]uuid.UUID),
		onChain:  make(map[chainhash.Hash]*OnChainOutgoingPayment),
		channels: make(map[lnwire.ChannelID][]byte),
		htlcs: make(
			map[lnwire.ChannelID]map[uint64][]channel.HtlcInfo,
		),
	}
}

// AddIncomingPayment registers a new expected payment.
//
// This is part of the IncomingStore interface.
func (s *MemoryStore) AddIncomingPayment(preimage lntypes.Preimage,
	origin IncomingOrigin, createdAt time.Time) (*IncomingPayment, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	hash := preimage.Hash()
	if _, ok := s.incoming[hash]; ok {
		return nil, fmt.Errorf("%w: %v", ErrDuplicatePaymentHash,
			hash)
	}

	payment := &IncomingPayment{
		Preimage:  preimage,
		Origin:    origin,
		CreatedAt: createdAt,
	}
	s.incoming[hash] = payment

	return payment, nil
}

// GetIncomingPayment fetches the payment with the given hash.
//
// This is part of the IncomingStore interface.
func (s *MemoryStore) GetIncomingPayment(
	hash lntypes.Hash) (*IncomingPayment, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	payment, ok := s.incoming[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrPaymentNotFound, hash)
	}

	return payment, nil
}

// ReceivePayment appends parts to the payment's Received record.
//
// This is part of the IncomingStore interface.
func (s *MemoryStore) ReceivePayment(hash lntypes.Hash,
	parts []ReceivedWith, receivedAt time.Time) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	payment, ok := s.incoming[hash]
	if !ok {
		return fmt.Errorf("%w: %v", ErrPaymentNotFound, hash)
	}

	if payment.Received == nil {
		payment.Received = &Received{}
	}
	payment.Received.Parts = append(payment.Received.Parts, parts...)
	payment.Received.ReceivedAt = receivedAt

	return nil
}

// AddOutgoingPayment inserts a new payment with its initial parts.
//
// This is part of the OutgoingStore interface.
func (s *MemoryStore) AddOutgoingPayment(
	payment *LightningOutgoingPayment) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.outgoing[payment.ID]; ok {
		return fmt.Errorf("%w: parent %v", ErrDuplicatePaymentID,
			payment.ID)
	}
	for _, part := range payment.Parts {
		if _, ok := s.partIdx[part.ID]; ok {
			return fmt.Errorf("%w: part %v",
				ErrDuplicatePaymentID, part.ID)
		}
	}

	s.outgoing[payment.ID] = payment
	for _, part := range payment.Parts {
		s.partIdx[part.ID] = payment.ID
	}

	return nil
}

// AddOutgoingLightningParts appends retry parts to an existing payment.
//
// This is part of the OutgoingStore interface.
func (s *MemoryStore) AddOutgoingLightningParts(parentID uuid.UUID,
	parts []*Part) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	payment, ok := s.outgoing[parentID]
	if !ok {
		return fmt.Errorf("%w: parent %v", ErrPaymentNotFound,
			parentID)
	}

	for _, part := range parts {
		if _, ok := s.partIdx[part.ID]; ok {
			return fmt.Errorf("%w: part %v",
				ErrDuplicatePaymentID, part.ID)
		}
	}

	payment.Parts = append(payment.Parts, parts...)
	for _, part := range parts {
		s.partIdx[part.ID] = parentID
	}

	return nil
}

// CompleteOutgoingLightningPart transitions one part to a terminal status.
//
// This is part of the OutgoingStore interface.
func (s *MemoryStore) CompleteOutgoingLightningPart(partID uuid.UUID,
	status PartStatus) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	parentID, ok := s.partIdx[partID]
	if !ok {
		return fmt.Errorf("%w: %v", ErrPartNotFound, partID)
	}

	payment := s.outgoing[parentID]
	for _, part := range payment.Parts {
		if part.ID == partID {
			part.Status = status
			return nil
		}
	}

	return fmt.Errorf("%w: %v", ErrPartNotFound, partID)
}

// CompleteOutgoingPaymentOffchain transitions the payment itself to a
// terminal status.
//
// This is part of the OutgoingStore interface.
func (s *MemoryStore) CompleteOutgoingPaymentOffchain(parentID uuid.UUID,
	status OutgoingStatus) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	payment, ok := s.outgoing[parentID]
	if !ok {
		return fmt.Errorf("%w: parent %v", ErrPaymentNotFound,
			parentID)
	}

	payment.Status = status

	// A successful payment keeps only the parts that made it.
	if _, ok := status.(*OutgoingSucceeded); ok {
		retained := make([]*Part, 0, len(payment.Parts))
		for _, part := range payment.Parts {
			if _, ok := part.Status.(*PartSucceeded); ok {
				retained = append(retained, part)
				continue
			}
			delete(s.partIdx, part.ID)
		}
		payment.Parts = retained
	}

	return nil
}

// GetLightningOutgoingPayment fetches a payment by parent id.
//
// This is part of the OutgoingStore interface.
func (s *MemoryStore) GetLightningOutgoingPayment(
	id uuid.UUID) (*LightningOutgoingPayment, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	payment, ok := s.outgoing[id]
	if !ok {
		return nil, fmt.Errorf("%w: parent %v", ErrPaymentNotFound,
			id)
	}

	return payment, nil
}

// GetLightningOutgoingPaymentFromPartID fetches the payment owning a part.
//
// This is part of the OutgoingStore interface.
func (s *MemoryStore) GetLightningOutgoingPaymentFromPartID(
	partID uuid.UUID) (*LightningOutgoingPayment, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	parentID, ok := s.partIdx[partID]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrPartNotFound, partID)
	}

	return s.outgoing[parentID], nil
}

// ListLightningOutgoingPayments lists every payment to the given hash.
//
// This is part of the OutgoingStore interface.
func (s *MemoryStore) ListLightningOutgoingPayments(
	hash lntypes.Hash) ([]*LightningOutgoingPayment, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	var payments []*LightningOutgoingPayment
	for _, payment := range s.outgoing {
		if payment.PaymentHash == hash {
			payments = append(payments, payment)
		}
	}

	return payments, nil
}

// AddOnChainOutgoingPayment records the on-chain cost of a splice or close.
//
// This is part of the OutgoingStore interface.
func (s *MemoryStore) AddOnChainOutgoingPayment(
	payment *OnChainOutgoingPayment) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.onChain[payment.Txid] = payment

	return nil
}

// SetLocked marks the on-chain payment with the given txid as confirmed.
//
// This is part of the OutgoingStore interface.
func (s *MemoryStore) SetLocked(txid chainhash.Hash,
	lockedAt time.Time) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	payment, ok := s.onChain[txid]
	if !ok {
		// Locking a txid we never recorded is not an error: mutual
		// close confirmations arrive for both sides' records.
		return nil
	}
	payment.ConfirmedAt = &lockedAt

	return nil
}

// AddOrUpdateChannel stores the serialized channel state.
//
// This is part of the ChannelStore interface.
func (s *MemoryStore) AddOrUpdateChannel(channelID lnwire.ChannelID,
	state []byte) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.channels[channelID] = state

	return nil
}

// RemoveChannel deletes a channel.
//
// This is part of the ChannelStore interface.
func (s *MemoryStore) RemoveChannel(channelID lnwire.ChannelID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.channels, channelID)

	return nil
}

// ListLocalChannels returns every stored channel state.
//
// This is part of the ChannelStore interface.
func (s *MemoryStore) ListLocalChannels() (map[lnwire.ChannelID][]byte,
	error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	channels := make(map[lnwire.ChannelID][]byte, len(s.channels))
	for id, state := range s.channels {
		channels[id] = state
	}

	return channels, nil
}

// AddHtlcInfo stores one HTLC record of a signed remote commitment.
//
// This is part of the ChannelStore interface.
func (s *MemoryStore) AddHtlcInfo(info channel.HtlcInfo) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	byCommit, ok := s.htlcs[info.ChannelID]
	if !ok {
		byCommit = make(map[uint64][]channel.HtlcInfo)
		s.htlcs[info.ChannelID] = byCommit
	}
	byCommit[info.CommitmentNumber] = append(
		byCommit[info.CommitmentNumber], info,
	)

	return nil
}

// ListHtlcInfos returns the HTLC records of the given commitment.
//
// This is part of the ChannelStore interface.
func (s *MemoryStore) ListHtlcInfos(channelID lnwire.ChannelID,
	commitmentNumber uint64) ([]channel.HtlcInfo, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.htlcs[channelID][commitmentNumber], nil
}
