package server

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/distributor/distributor/pkg/merkle"
	"github.com/malbeclabs/distributor/distributor/pkg/processor"
)

const claimMessageDomain = "merkle-distributor:new_claim:v1"

// ClaimMessage is the payload a recipient signs with its ed25519 key to submit
// a claim:
//
//	domain ‖ distribution ‖ recipient ‖ le64 unlocked ‖ le64 locked ‖ sha256(proof...)
func ClaimMessage(distribution, recipient solana.PublicKey, unlocked, locked uint64, proof []merkle.Hash) []byte {
	h := sha256.New()
	for _, p := range proof {
		h.Write(p[:])
	}

	msg := make([]byte, 0, len(claimMessageDomain)+2*solana.PublicKeyLength+16+sha256.Size)
	msg = append(msg, claimMessageDomain...)
	msg = append(msg, distribution[:]...)
	msg = append(msg, recipient[:]...)
	msg = binary.LittleEndian.AppendUint64(msg, unlocked)
	msg = binary.LittleEndian.AppendUint64(msg, locked)
	return h.Sum(msg)
}

// authenticate checks that the claim body was signed by its recipient.
func authenticate(distribution solana.PublicKey, body claimRequest) error {
	if body.Signature.IsZero() {
		return fmt.Errorf("%w: missing recipient signature", processor.ErrUnauthenticated)
	}
	msg := ClaimMessage(distribution, body.Recipient, body.AmountUnlocked, body.AmountLocked, body.Proof)
	if !body.Signature.Verify(body.Recipient, msg) {
		return fmt.Errorf("%w: signature does not match recipient %s", processor.ErrUnauthenticated, body.Recipient)
	}
	return nil
}
