package authz

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"escrow/apps/escrow/internal/access"
	"escrow/apps/escrow/internal/audit"
	"escrow/apps/escrow/internal/clock"
	"escrow/apps/escrow/internal/errs"
	"escrow/apps/escrow/internal/events"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// Verifier checks permission slips: signatures from the trusted signer over
// one (order, claimant) pair.
type Verifier struct {
	mu     sync.RWMutex
	signer common.Address

	access *access.Controller
	sink   audit.Sink
	clock  clock.Clock
	logger *zap.Logger
}

func NewVerifier(signer common.Address, ac *access.Controller, sink audit.Sink, clk clock.Clock, logger *zap.Logger) *Verifier {
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{signer: signer, access: ac, sink: sink, clock: clk, logger: logger}
}

// ClaimDigest is the EIP-191 hash of keccak256(orderID ‖ claimant). Both
// fields are fixed width, so the encoding is unambiguous.
func ClaimDigest(orderID common.Hash, claimant common.Address) []byte {
	inner := crypto.Keccak256(orderID.Bytes(), claimant.Bytes())
	return accounts.TextHash(inner)
}

// VerifyClaim reports whether sig was produced by the trusted signer for
// exactly this order and claimant.
func (v *Verifier) VerifyClaim(orderID common.Hash, claimant common.Address, sig []byte) bool {
	recovered, err := RecoverSigner(orderID, claimant, sig)
	if err != nil {
		v.logger.Debug("Failed to recover slip signer", zap.String("order_id", orderID.Hex()), zap.Error(err))
		return false
	}
	return recovered == v.Signer()
}

// RequireClaim is VerifyClaim returning ErrInvalidSignature on mismatch.
func (v *Verifier) RequireClaim(orderID common.Hash, claimant common.Address, sig []byte) error {
	if !v.VerifyClaim(orderID, claimant, sig) {
		return fmt.Errorf("%w: slip for order %s does not authorize %s", errs.ErrInvalidSignature, orderID.Hex(), claimant.Hex())
	}
	return nil
}

// Signer returns the currently trusted key's address.
func (v *Verifier) Signer() common.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.signer
}

// SetSigner rotates the trusted key. Outstanding slips under the old key stop
// verifying immediately.
func (v *Verifier) SetSigner(ctx context.Context, caller, signer common.Address) error {
	if err := v.access.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if signer == (common.Address{}) {
		return fmt.Errorf("%w: signer cannot be the zero address", errs.ErrInvalidArgument)
	}
	v.mu.Lock()
	old := v.signer
	v.signer = signer
	v.mu.Unlock()

	v.logger.Info("Rotated claim signer", zap.String("old", old.Hex()), zap.String("new", signer.Hex()))
	audit.Emit(ctx, v.sink, v.logger, events.ForConfig(events.SignerRotated, "claim_signer", caller.Hex(),
		map[string]string{"old": old.Hex(), "new": signer.Hex()}, v.clock()))
	return nil
}

// RecoverSigner returns the address that signed the slip.
func RecoverSigner(orderID common.Hash, claimant common.Address, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(ClaimDigest(orderID, claimant), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignClaim issues a slip with the wallet convention V ∈ {27, 28}.
func SignClaim(key *ecdsa.PrivateKey, orderID common.Hash, claimant common.Address) ([]byte, error) {
	sig, err := crypto.Sign(ClaimDigest(orderID, claimant), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign claim: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
