// Package claim defines the per-recipient claim record of a distribution, its
// fixed-width binary layout and the deterministic key it is stored under.
//
// The existence of a record for (recipient, distribution) is the witness that
// the recipient has claimed; records are created once and never rewritten.
package claim

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	// SeedPrefix is the first seed of a claim record address.
	SeedPrefix = "ClaimStatus"

	// RecordSize is the encoded size of a Record:
	// recipient (32) || locked (8) || unlocked (8) || locked withdrawn (8).
	RecordSize = solana.PublicKeyLength + 3*8
)

type Record struct {
	Recipient             solana.PublicKey `json:"recipient"`
	LockedAmount          uint64           `json:"locked_amount"`
	UnlockedAmount        uint64           `json:"unlocked_amount"`
	LockedAmountWithdrawn uint64           `json:"locked_amount_withdrawn"`
}

// MarshalBinary encodes r in the fixed little-endian layout described by
// RecordSize. Storage engines add their own framing on top.
func (r Record) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, RecordSize))
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(r.Recipient[:], false); err != nil {
		return nil, fmt.Errorf("failed to encode recipient: %w", err)
	}
	for _, v := range []uint64{r.LockedAmount, r.UnlockedAmount, r.LockedAmountWithdrawn} {
		if err := enc.WriteUint64(v, binary.LittleEndian); err != nil {
			return nil, fmt.Errorf("failed to encode amount: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("invalid claim record length: expected %d bytes, got %d", RecordSize, len(data))
	}
	dec := bin.NewBorshDecoder(data)
	recipient, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return fmt.Errorf("failed to decode recipient: %w", err)
	}
	var out Record
	out.Recipient = solana.PublicKeyFromBytes(recipient)
	for _, dst := range []*uint64{&out.LockedAmount, &out.UnlockedAmount, &out.LockedAmountWithdrawn} {
		if *dst, err = dec.ReadUint64(binary.LittleEndian); err != nil {
			return fmt.Errorf("failed to decode amount: %w", err)
		}
	}
	*r = out
	return nil
}

// Key identifies the claim record of one recipient in one distribution.
type Key struct {
	Address      solana.PublicKey `json:"address"`
	Bump         uint8            `json:"bump"`
	Recipient    solana.PublicKey `json:"recipient"`
	Distribution solana.PublicKey `json:"distribution"`
}

// DeriveKey derives the record address from ("ClaimStatus", recipient,
// distribution) under programID. The address is only a lookup key.
func DeriveKey(programID, recipient, distribution solana.PublicKey) (Key, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{
		[]byte(SeedPrefix),
		recipient[:],
		distribution[:],
	}, programID)
	if err != nil {
		return Key{}, fmt.Errorf("failed to derive claim key: %w", err)
	}
	return Key{
		Address:      addr,
		Bump:         bump,
		Recipient:    recipient,
		Distribution: distribution,
	}, nil
}
